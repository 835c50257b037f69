package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"github.com/gofiber/fiber/v2"
)

const shutdownTimeout = 30 * time.Second

// startServer listens on port until ctx is done, then shuts down
// gracefully.
func startServer(ctx context.Context, app *fiber.App, port int) error {
	addr := ":" + strconv.Itoa(port)

	errCh := make(chan error, 1)
	go func() {
		logx.Info(strings.Repeat("=", 61))
		logx.Infof("🚀 API listening on %s", addr)
		logx.Infof("💚 Health Check: http://localhost:%d/health", port)
		logx.Info(strings.Repeat("=", 61))
		printRouteSummary()

		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logx.Info("🛑 Shutting down API gracefully...")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logx.Errorf("Server forced to shutdown: %v", err)
		return err
	}
	<-errCh
	logx.Info("✅ API stopped")
	return nil
}

func printRouteSummary() {
	logx.Info("📋 Route Summary:")
	logx.Info("   ├─ Jobs: /api/v1/jobs, /api/v1/jobs/:id, /api/v1/jobs/:id/result, /api/v1/jobs/:id/abort")
	logx.Info("   ├─ Introspection: /api/v1/results, /api/v1/workers, /api/v1/functions")
	logx.Info("   ├─ Archive: /api/v1/archive, /api/v1/archive/:id")
	logx.Info("   └─ Health: /health")
}
