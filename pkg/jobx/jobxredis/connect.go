package jobxredis

import (
	"bufio"
	"context"
	"strings"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/asyncx"
	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"github.com/redis/go-redis/v9"
)

// Settings describe how to reach Redis. URL, when set, wins over the
// individual fields and accepts redis:// and rediss:// (TLS).
type Settings struct {
	URL      string
	Addr     string
	Password string
	DB       int

	// ConnRetries is how many times a failed first ping is retried
	ConnRetries    int
	ConnRetryDelay time.Duration
}

func (s Settings) options() (*redis.Options, error) {
	if s.URL != "" {
		opts, err := redis.ParseURL(s.URL)
		if err != nil {
			return nil, redisErrors.NewWithCause(ErrConnect, err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB}, nil
}

// Connect creates a client and pings it, retrying with backoff.
func Connect(ctx context.Context, s Settings) (*redis.Client, error) {
	opts, err := s.options()
	if err != nil {
		return nil, err
	}
	if s.ConnRetryDelay <= 0 {
		s.ConnRetryDelay = time.Second
	}

	rdb := redis.NewClient(opts)
	_, err = asyncx.RetryWithBackoff(ctx, s.ConnRetries+1, s.ConnRetryDelay,
		func(ctx context.Context) (string, error) {
			return rdb.Ping(ctx).Result()
		},
		func(attempt int, err error) {
			logx.WithError(err).Warnf("redis connection error %s, %d retries remaining...",
				opts.Addr, s.ConnRetries-attempt+1)
		},
	)
	if err != nil {
		_ = rdb.Close()
		return nil, redisErrors.NewWithCause(ErrConnect, err).WithDetail("addr", opts.Addr)
	}
	return rdb, nil
}

// LogServerInfo logs the server version, memory use, client count and
// number of keys.
func LogServerInfo(ctx context.Context, rdb redis.UniversalClient) error {
	raw, err := rdb.Info(ctx, "server", "memory", "clients").Result()
	if err != nil {
		return redisErrors.NewWithCause(ErrRead, err)
	}
	keys, err := rdb.DBSize(ctx).Result()
	if err != nil {
		return redisErrors.NewWithCause(ErrRead, err)
	}

	info := parseInfo(raw)
	logx.Infof("redis_version=%s mem_usage=%s clients_connected=%s db_keys=%d",
		info["redis_version"], info["used_memory_human"], info["connected_clients"], keys)
	return nil
}

func parseInfo(raw string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			out[k] = v
		}
	}
	return out
}
