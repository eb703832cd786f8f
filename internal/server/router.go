package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
)

// MediaSource describes the cache operations the HTTP surface consumes. It is
// implemented by *mediacache.Manager and faked in tests.
type MediaSource interface {
	CacheKey(rawURL string) (string, bool)
	LocalPath(rawURL string) (string, bool)
	ContentTypeForFile(filename string) (string, bool)
	MediaFile(name string) (cache.Entry, bool)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Media      MediaSource
	ListenPort int
}

const contextKeyRequestID = "_media_cache_request_id"

// NewApp builds a Fiber application serving cached media with request ids,
// access logging and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Media == nil {
		return nil, errors.New("media source is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	media := &mediaHandler{source: opts.Media, logger: opts.Logger}
	app.Get("/media/:name", media.serve)
	app.Get("/-/resolve", media.resolve)

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后记录访问日志与指标。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		route := c.Route().Path
		if isDiagnosticsPath(route) && route != "/-/resolve" {
			return err
		}
		metrics.HttpResponses.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		metrics.HttpResponseTime.WithLabelValues(c.Method(), route).Observe(time.Since(started).Seconds())

		fields := logging.RequestFields(reqID, c.Method(), c.Path(), status)
		fields["action"] = "http_request"
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		entry := logger.WithFields(fields)
		if err != nil {
			entry.WithError(err).Warn("request_failed")
		} else {
			entry.Debug("request_completed")
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

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
