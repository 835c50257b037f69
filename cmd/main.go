package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Abraxas-365/taskqueue/pkg/config"
	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: taskqueue [command]

commands:
  serve         run the worker and the HTTP API (default)
  worker        run the worker only
  api           run the HTTP API only
  check-health  check a worker's health record and exit 0 or 1
                (check-health [worker-name])`

func main() {
	logx.SetDefaultLogger(logx.NewLogger(logx.LoadFromEnv()))

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		logx.Fatalf("Invalid configuration: %v", err)
	}

	switch command {
	case "serve", "worker", "api":
		if err := run(cfg, command); err != nil {
			logx.Fatalf("taskqueue %s: %v", command, err)
		}
	case "check-health":
		var worker string
		if len(os.Args) > 2 {
			worker = os.Args[2]
		}
		os.Exit(checkHealth(cfg, worker))
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

// run starts the worker and/or the API and blocks until SIGINT/SIGTERM,
// or until a burst worker drains its queue.
func run(cfg *config.Config, command string) error {
	logx.Infof("🚀 Starting taskqueue (%s)...", command)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer container.Cleanup()

	runWorker := command != "api"
	runAPI := command == "api" || (command == "serve" && cfg.API.Enabled)
	if !runWorker && !runAPI {
		return errors.New("nothing to run: the API is disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	if runWorker {
		worker, err := container.NewWorker()
		if err != nil {
			return err
		}
		logx.Infof("👷 Worker %s polling queue %s", worker.Name(), worker.QueueName())

		g.Go(func() error {
			err := worker.Run(gctx)
			if cfg.Jobx.Burst {
				// a drained burst worker ends the process
				stop()
			}
			return err
		})
	}

	if runAPI {
		app := container.NewAPI()
		g.Go(func() error { return startServer(gctx, app, cfg.API.Port) })
	}

	err = g.Wait()
	logx.Info("✅ taskqueue exited")
	return err
}
