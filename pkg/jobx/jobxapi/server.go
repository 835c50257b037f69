package jobxapi

import (
	"errors"

	"github.com/Abraxas-365/taskqueue/pkg/errx"
	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type AppConfig struct {
	Name        string
	CORSOrigins string
	// AccessLog enables the per-request log line
	AccessLog bool
}

// NewApp builds the fiber app with the standard middleware stack and
// error handler. Routes are added with Handlers.RegisterRoutes.
func NewApp(cfg AppConfig) *fiber.App {
	if cfg.Name == "" {
		cfg.Name = "taskqueue"
	}
	if cfg.CORSOrigins == "" {
		cfg.CORSOrigins = "*"
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.Name,
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
		BodyLimit:             1 * 1024 * 1024,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New(requestid.Config{
		Header:    requestIDHeader,
		Generator: uuid.NewString,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		AllowMethods:  "GET, POST, HEAD, OPTIONS",
		ExposeHeaders: requestIDHeader,
	}))

	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path} | ${ip} | ${respHeader:X-Request-ID}\n",
			TimeFormat: "2006-01-02 15:04:05",
			TimeZone:   "Local",
		}))
	}

	return app
}

// NotFound answers any route nothing else matched. Register it last.
func NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error":      "Route not found",
		"code":       "ROUTE_NOT_FOUND",
		"status":     fiber.StatusNotFound,
		"path":       c.Path(),
		"request_id": requestID(c),
	})
}

// ErrorHandler renders errx errors with their code and status, fiber
// errors with theirs, and anything else as a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"error":      fe.Message,
			"code":       "FIBER_ERROR",
			"status":     fe.Code,
			"request_id": requestID(c),
		})
	}

	status, resp := errx.ToHTTP(err)

	entry := logx.WithFields(logx.Fields{
		"path":       c.Path(),
		"method":     c.Method(),
		"ip":         c.IP(),
		"request_id": requestID(c),
		"code":       resp.Code,
	})
	if status >= fiber.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
	} else {
		entry.Debugf("request rejected: %v", err)
	}

	body := fiber.Map{
		"error":      resp.Message,
		"code":       resp.Code,
		"type":       resp.Type,
		"status":     status,
		"request_id": requestID(c),
	}
	if len(resp.Details) > 0 {
		body["details"] = resp.Details
	}
	return c.Status(status).JSON(body)
}

func requestID(c *fiber.Ctx) string {
	if id := c.GetRespHeader(requestIDHeader); id != "" {
		return id
	}
	return c.Get(requestIDHeader)
}
