// cmd/container.go
//
// Composition root. Owns the Redis and Postgres connections and builds
// the queue client, worker, archive, alerter and API from them.
package main

import (
	"context"
	"fmt"

	"github.com/Abraxas-365/taskqueue/pkg/config"
	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxalert"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxapi"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxpg"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxredis"
	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"github.com/Abraxas-365/taskqueue/pkg/notifx"
	"github.com/Abraxas-365/taskqueue/pkg/notifx/notifxconsole"
	"github.com/Abraxas-365/taskqueue/pkg/notifx/notifxses"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Container holds shared infrastructure and the components built on it.
type Container struct {
	Config *config.Config

	// Infrastructure
	Redis *redis.Client
	DB    *sqlx.DB

	Client  *jobx.Client
	Archive *jobxpg.ResultArchive // nil unless ARCHIVE_ENABLED
	Alerter *jobxalert.Alerter    // nil unless NOTIFX_ALERT_TO is set
}

func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	logx.Info("🔧 Initializing application container...")

	c := &Container{Config: cfg}
	if err := c.initInfrastructure(ctx); err != nil {
		c.Cleanup()
		return nil, err
	}
	if err := c.initModules(ctx); err != nil {
		c.Cleanup()
		return nil, err
	}

	logx.Info("✅ Application container initialized")
	return c, nil
}

// ---------------------------------------------------------------------------
// Infrastructure: Redis, Postgres
// ---------------------------------------------------------------------------

func (c *Container) initInfrastructure(ctx context.Context) error {
	logx.Info("🏗️ Initializing infrastructure...")

	rdb, err := jobxredis.Connect(ctx, c.redisSettings())
	if err != nil {
		return err
	}
	c.Redis = rdb
	if err := jobxredis.LogServerInfo(ctx, rdb); err != nil {
		logx.WithError(err).Warn("could not read redis server info")
	}
	logx.Info("  ✅ Redis connected")

	if c.Config.Archive.Enabled {
		db, err := sqlx.ConnectContext(ctx, "postgres", c.Config.Database.DSN())
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		db.SetMaxOpenConns(c.Config.Database.MaxOpenConns)
		db.SetMaxIdleConns(c.Config.Database.MaxIdleConns)
		db.SetConnMaxLifetime(c.Config.Database.ConnMaxLifetime)
		c.DB = db
		logx.Info("  ✅ Database connected")
	}

	logx.Info("✅ Infrastructure initialized")
	return nil
}

func (c *Container) redisSettings() jobxredis.Settings {
	r := c.Config.Redis
	return jobxredis.Settings{
		URL:            r.URL,
		Addr:           r.Address(),
		Password:       r.Password,
		DB:             r.DB,
		ConnRetries:    r.ConnRetries,
		ConnRetryDelay: r.ConnRetryDelay,
	}
}

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

func (c *Container) initModules(ctx context.Context) error {
	logx.Info("📦 Initializing modules...")

	codec, err := jobx.CodecByName(c.Config.Jobx.Codec)
	if err != nil {
		return err
	}
	c.Client = jobx.NewClient(jobxredis.NewRedisQueue(c.Redis),
		jobx.WithDefaultQueue(c.Config.Jobx.Queue),
		jobx.WithCodec(codec),
	)
	logx.Infof("  ✅ Queue client ready (queue: %s, codec: %s)", c.Config.Jobx.Queue, codec.Name())

	if c.DB != nil {
		c.Archive = jobxpg.NewResultArchive(c.DB)
		if err := c.Archive.EnsureSchema(ctx); err != nil {
			return err
		}
		logx.Infof("  ✅ Result archive ready (retention: %s)", c.Config.Archive.Retention)
	}

	if len(c.Config.Notifx.AlertTo) > 0 {
		sender, err := c.emailSender(ctx)
		if err != nil {
			return err
		}
		notifier := notifx.NewClient(sender, notifx.WithDefaultFrom(c.fromAddress()))
		c.Alerter, err = jobxalert.New(notifier, c.Config.Notifx.AlertTo,
			jobxalert.WithRateLimit(c.Config.Notifx.AlertsPerMinute))
		if err != nil {
			return err
		}
		logx.Infof("  ✅ Failure alerts enabled (provider: %s, to: %v)", c.Config.Notifx.Provider, c.Config.Notifx.AlertTo)
	}

	return nil
}

func (c *Container) emailSender(ctx context.Context) (notifx.EmailSender, error) {
	switch c.Config.Notifx.Provider {
	case "ses":
		awsCfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(c.Config.Notifx.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return notifxses.NewSESProvider(ses.NewFromConfig(awsCfg), c.fromAddress()), nil
	default:
		return notifxconsole.NewConsoleProvider(), nil
	}
}

func (c *Container) fromAddress() string {
	n := c.Config.Notifx
	if n.FromName == "" {
		return n.FromAddress
	}
	return fmt.Sprintf("%s <%s>", n.FromName, n.FromAddress)
}

// NewWorker builds a worker with the built-in functions, the configured
// cron jobs and the archive and alert hooks.
func (c *Container) NewWorker() (*jobx.Worker, error) {
	cfg := c.Config.Jobx

	functions, crons, err := workerFunctions(cfg, c.Archive, c.Config.Archive)
	if err != nil {
		return nil, err
	}

	opts := []jobx.WorkerOption{
		jobx.WithQueueName(cfg.Queue),
		jobx.WithWorkerName(cfg.WorkerName),
		jobx.WithConcurrency(cfg.Concurrency),
		jobx.WithPollInterval(cfg.PollInterval),
		jobx.WithQueueReadLimit(cfg.QueueReadLimit),
		jobx.WithJobTimeout(cfg.JobTimeout),
		jobx.WithKeepResult(cfg.KeepResult),
		jobx.WithKeepResultForever(cfg.KeepResultForever),
		jobx.WithMaxTries(cfg.MaxTries),
		jobx.WithHealthCheckInterval(cfg.HealthCheckInterval),
		jobx.WithShutdownTimeout(cfg.ShutdownTimeout),
		jobx.WithRetryJobs(cfg.RetryJobs),
		jobx.WithAbortJobs(cfg.AllowAbort),
		jobx.WithCronJobs(crons...),
	}
	if cfg.Burst {
		opts = append(opts, jobx.WithBurst(cfg.MaxBurstJobs))
	}
	if c.Archive != nil {
		opts = append(opts, jobx.WithResultHook(c.Archive.Hook()))
	}
	if c.Alerter != nil {
		opts = append(opts, jobx.WithResultHook(c.Alerter.Hook()))
	}

	return jobx.NewWorker(c.Client, functions, opts...)
}

// NewAPI builds the HTTP API. Routes need a bearer token when
// API_JWT_SECRET is set.
func (c *Container) NewAPI() *fiber.App {
	cfg := c.Config.API

	app := jobxapi.NewApp(jobxapi.AppConfig{
		Name:        "taskqueue",
		CORSOrigins: cfg.CORSOrigins,
		AccessLog:   true,
	})

	opts := []jobxapi.HandlerOption{jobxapi.WithVersion(cfg.Version)}
	if c.Archive != nil {
		opts = append(opts, jobxapi.WithArchive(c.Archive))
	}

	var auth *jobxapi.TokenService
	if cfg.JWTSecret != "" {
		auth = jobxapi.NewTokenService(cfg.JWTSecret, 0)
	} else {
		logx.Warn("API_JWT_SECRET is not set, the API is open")
	}

	jobxapi.NewHandlers(c.Client, opts...).RegisterRoutes(app, auth)
	app.Use(jobxapi.NotFound)
	return app
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (c *Container) Cleanup() {
	logx.Info("🧹 Cleaning up resources...")

	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			logx.Errorf("Error closing database: %v", err)
		} else {
			logx.Info("  ✅ Database connection closed")
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logx.Errorf("Error closing Redis: %v", err)
		} else {
			logx.Info("  ✅ Redis connection closed")
		}
	}

	logx.Info("✅ Cleanup complete")
}
