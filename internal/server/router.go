package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/imgcache/imgcache/internal/cache"
	"github.com/imgcache/imgcache/internal/logging"
)

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Cache      *cache.Service
	ListenPort int
}

const contextKeyRequestID = "_imgcache_request_id"

// NewApp builds a Fiber application exposing the image routes plus the /-/
// diagnostics endpoints.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("image cache is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	handler := &imageHandler{cache: opts.Cache, logger: opts.Logger}
	app.Get("/image", handler.serve)
	app.Get("/-/resolve", handler.resolve)
	app.Get("/-/stats", handler.stats)
	app.Delete("/-/cache", handler.clear)
	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		fields := logging.RequestFields(reqID, c.Method(), c.Path(), c.Response().StatusCode())
		fields["action"] = "http"
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("request_failed")
		} else {
			logger.WithFields(fields).Debug("request_completed")
		}
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
