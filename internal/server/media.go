package server

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/logging"
)

const mediaRoutePrefix = "/media/"

type mediaHandler struct {
	source MediaSource
	logger *logrus.Logger
}

// serve 直接从缓存目录返回文件，绝不访问网络。
func (h *mediaHandler) serve(c fiber.Ctx) error {
	name := c.Params("name")
	stat, ok := h.source.MediaFile(name)
	if !ok {
		return renderNotCached(c)
	}

	contentType, ok := h.source.ContentTypeForFile(name)
	if !ok {
		contentType = sniffContentType(stat.FilePath)
	}
	if contentType != "" {
		c.Set(fiber.HeaderContentType, contentType)
	}
	c.Set("X-Media-Cache-Hit", "true")
	c.Status(fiber.StatusOK)

	if c.Method() == fiber.MethodHead {
		c.Response().Header.SetContentLength(int(stat.SizeBytes))
		return nil
	}

	file, err := os.Open(stat.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return renderNotCached(c)
		}
		return fiber.NewError(fiber.StatusInternalServerError, "open cached media failed")
	}
	return c.SendStream(file, int(stat.SizeBytes))
}

// resolve 命中时重定向到本地副本，否则让调用方直接回源播放。
func (h *mediaHandler) resolve(c fiber.Ctx) error {
	rawURL := strings.TrimSpace(c.Query("url"))
	if rawURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_invalid"})
	}

	key, _ := h.source.CacheKey(rawURL)
	fields := logging.MediaFields("resolve", rawURL, key)
	fields["request_id"] = RequestID(c)

	if localPath, hit := h.source.LocalPath(rawURL); hit {
		h.logger.WithFields(fields).WithField("local_path", localPath).Debug("resolve_hit")
		c.Set(fiber.HeaderLocation, mediaRoutePrefix+filepath.Base(localPath))
		return c.SendStatus(fiber.StatusFound)
	}

	h.logger.WithFields(fields).Debug("resolve_fallback")
	c.Set(fiber.HeaderLocation, rawURL)
	return c.SendStatus(fiber.StatusTemporaryRedirect)
}

func renderNotCached(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "media_not_cached",
	})
}

func sniffContentType(filePath string) string {
	mt, err := mimetype.DetectFile(filePath)
	if err != nil {
		return ""
	}
	return mt.String()
}
