package routes

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/refsync"
)

// CacheLister 暴露当前缓存键列表。
type CacheLister interface {
	CachedURLs() []string
}

// SyncRunner 执行一次引用同步。
type SyncRunner interface {
	Sync(ctx context.Context, urls []string) (refsync.Report, error)
}

// Diagnostics 汇总 /-/ 前缀接口的依赖。
type Diagnostics struct {
	Cache  CacheLister
	Syncer SyncRunner
	Logger *logrus.Logger
}

type syncRequest struct {
	URLs []string `json:"urls"`
}

// RegisterDiagnosticsRoutes 暴露 /-/cache、/-/sync 与 /-/metrics，供运维查询与触发同步。
func RegisterDiagnosticsRoutes(app *fiber.App, diag Diagnostics) {
	if app == nil || diag.Cache == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		urls := diag.Cache.CachedURLs()
		return c.JSON(fiber.Map{
			"urls":  urls,
			"count": len(urls),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if diag.Syncer == nil {
		return
	}
	app.Post("/-/sync", func(c fiber.Ctx) error {
		var req syncRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil || req.URLs == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_sync_request"})
		}

		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		report, err := diag.Syncer.Sync(ctx, req.URLs)
		if err != nil {
			if diag.Logger != nil {
				diag.Logger.WithError(err).WithField("action", "sync").Warn("sync_aborted")
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":  "sync_aborted",
				"report": report,
			})
		}
		return c.JSON(report)
	})
}
