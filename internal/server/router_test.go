package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/logging"
)

// pngHeader 足以让 mimetype 识别为 image/png。
var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 0x49, 0x48, 0x44, 0x52}

type fakeMedia struct {
	dir          string
	store        cache.Store
	hits         map[string]string
	contentTypes map[string]string
}

func (f *fakeMedia) CacheKey(raw string) (string, bool) {
	return raw, !strings.HasSuffix(raw, ".m3u8")
}

func (f *fakeMedia) LocalPath(raw string) (string, bool) {
	name, ok := f.hits[raw]
	if !ok {
		return "", false
	}
	return filepath.Join(f.dir, name), true
}

func (f *fakeMedia) ContentTypeForFile(name string) (string, bool) {
	ct, ok := f.contentTypes[name]
	return ct, ok
}

func (f *fakeMedia) MediaFile(name string) (cache.Entry, bool) {
	entry, err := f.store.Stat(name)
	if err != nil {
		return cache.Entry{}, false
	}
	return *entry, true
}

func newTestApp(t *testing.T) (*fiber.App, *fakeMedia) {
	t.Helper()

	dir := t.TempDir()
	store, err := cache.NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	media := &fakeMedia{
		dir:          dir,
		store:        store,
		hits:         map[string]string{},
		contentTypes: map[string]string{},
	}
	app, err := NewApp(AppOptions{
		Logger:     logging.Discard(),
		Media:      media,
		ListenPort: 5100,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, media
}

func writeMediaFile(t *testing.T, dir, name string, body []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
		t.Fatalf("write media file: %v", err)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{Media: &fakeMedia{}, ListenPort: 5100}); err == nil {
		t.Fatalf("missing logger should be rejected")
	}
	if _, err := NewApp(AppOptions{Logger: logging.Discard(), ListenPort: 5100}); err == nil {
		t.Fatalf("missing media source should be rejected")
	}
	if _, err := NewApp(AppOptions{Logger: logging.Discard(), Media: &fakeMedia{}}); err == nil {
		t.Fatalf("invalid port should be rejected")
	}
}

func TestServeMediaUsesRecordedContentType(t *testing.T) {
	app, media := newTestApp(t)
	writeMediaFile(t, media.dir, "abc.mp4", []byte("video-bytes"))
	media.contentTypes["abc.mp4"] = "video/mp4"

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/media/abc.mp4", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "video-bytes" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestServeMediaSniffsUnknownContentType(t *testing.T) {
	app, media := newTestApp(t)
	writeMediaFile(t, media.dir, "pic.jpg", pngHeader)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/media/pic.jpg", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected sniffed image/png, got %q", ct)
	}
}

func TestServeMediaNotCached(t *testing.T) {
	app, media := newTestApp(t)
	writeMediaFile(t, media.dir, "index.json", []byte("[]"))

	for _, path := range []string{"/media/absent.mp4", "/media/index.json", "/media/..%2Findex.json"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !bytes.Contains(body, []byte(`"media_not_cached"`)) {
			t.Fatalf("%s: expected media_not_cached error, got %s", path, body)
		}
	}
}

func TestResolveRedirectsToLocalCopy(t *testing.T) {
	app, media := newTestApp(t)
	media.hits["https://cdn.example.com/a.mp4"] = "abc.mp4"

	target := "/-/resolve?url=" + url.QueryEscape("https://cdn.example.com/a.mp4")
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/media/abc.mp4" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestResolveFallsBackToOrigin(t *testing.T) {
	app, _ := newTestApp(t)

	for _, raw := range []string{"https://cdn.example.com/miss.mp4", "https://cdn.example.com/live.m3u8"} {
		target := "/-/resolve?url=" + url.QueryEscape(raw)
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusTemporaryRedirect {
			t.Fatalf("expected 307 for %s, got %d", raw, resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != raw {
			t.Fatalf("expected fallback to %s, got %q", raw, loc)
		}
	}
}

func TestResolveRejectsBadInput(t *testing.T) {
	app, _ := newTestApp(t)

	for _, target := range []string{"/-/resolve", "/-/resolve?url=" + url.QueryEscape("ftp://x/y.mp4")} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, resp.StatusCode)
		}
	}
}
