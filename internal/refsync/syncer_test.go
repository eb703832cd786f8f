package refsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/mediacache"
)

type fakeResult struct {
	path string
	err  error
}

type fakeCache struct {
	mu         sync.Mutex
	entries    map[string]string
	results    map[string]fakeResult
	downloads  map[string]int
	referenced map[string]struct{}
	// onCleanup 在淘汰完成后、持锁状态下调用，用于模拟并发写入。
	onCleanup func(entries map[string]string)
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries:   make(map[string]string),
		results:   make(map[string]fakeResult),
		downloads: make(map[string]int),
	}
}

func (f *fakeCache) CacheKey(raw string) (string, bool) {
	if strings.HasSuffix(raw, ".m3u8") {
		return "", false
	}
	return strings.TrimSuffix(raw, "#dup"), true
}

func (f *fakeCache) LocalPath(raw string) (string, bool) {
	key, _ := f.CacheKey(raw)
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.entries[key]
	return p, ok
}

func (f *fakeCache) DownloadMedia(_ context.Context, raw string) (string, error) {
	key, _ := f.CacheKey(raw)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads[key]++
	res, ok := f.results[key]
	if !ok {
		return "", nil
	}
	if res.err == nil && res.path != "" {
		f.entries[key] = res.path
	}
	return res.path, res.err
}

func (f *fakeCache) CleanupUnusedMedia(_ context.Context, referenced map[string]struct{}) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.referenced = referenced
	removed := 0
	for key := range f.entries {
		if _, ok := referenced[key]; !ok {
			delete(f.entries, key)
			removed++
		}
	}
	if f.onCleanup != nil {
		f.onCleanup(f.entries)
	}
	return removed, nil
}

func (f *fakeCache) CachedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for key := range f.entries {
		out = append(out, key)
	}
	return out
}

func (f *fakeCache) downloadCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[key]
}

func TestSyncReportsEveryOutcome(t *testing.T) {
	fc := newFakeCache()
	fc.entries["https://a/cached.mp4"] = "/cache/cached"
	fc.entries["https://a/stale.mp4"] = "/cache/stale"
	fc.results["https://a/new.mp4"] = fakeResult{path: "/cache/new"}
	fc.results["https://a/broken.mp4"] = fakeResult{err: errors.New("boom")}

	syncer := New(fc, Options{Concurrency: 2, SoftMissTTL: time.Minute, Logger: logging.Discard()})
	report, err := syncer.Sync(context.Background(), []string{
		"https://a/cached.mp4",
		"https://a/new.mp4",
		"https://a/new.mp4#dup",
		"https://a/gone.mp4",
		"https://a/broken.mp4",
		"https://a/live.m3u8",
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if report.Referenced != 4 || report.Cached != 1 || report.Downloaded != 1 ||
		report.SoftMissed != 1 || report.Uncacheable != 1 || report.Evicted != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0].URL != "https://a/broken.mp4" {
		t.Fatalf("unexpected failures: %+v", report.Failed)
	}
	if fc.downloadCount("https://a/new.mp4") != 1 {
		t.Fatalf("duplicate references should download once")
	}
	if _, ok := fc.entries["https://a/stale.mp4"]; ok {
		t.Fatalf("unreferenced entry should be evicted")
	}
	if _, ok := fc.referenced["https://a/broken.mp4"]; !ok {
		t.Fatalf("failed downloads stay referenced")
	}
}

func TestSyncCountsEvictionsFromCleanup(t *testing.T) {
	fc := newFakeCache()
	fc.entries["https://a/stale.mp4"] = "/cache/stale"
	fc.onCleanup = func(entries map[string]string) {
		// 淘汰期间另一个调用方下载了新条目，条目总数不变。
		entries["https://a/fresh.mp4"] = "/cache/fresh"
	}

	syncer := New(fc, Options{Concurrency: 1})
	report, err := syncer.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Evicted != 1 {
		t.Fatalf("expected 1 eviction regardless of concurrent downloads, got %+v", report)
	}
}

func TestSyncRemembersSoftMisses(t *testing.T) {
	fc := newFakeCache()
	syncer := New(fc, Options{Concurrency: 1, SoftMissTTL: time.Minute})

	for i := 0; i < 2; i++ {
		if _, err := syncer.Sync(context.Background(), []string{"https://a/gone.mp4"}); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}
	if fc.downloadCount("https://a/gone.mp4") != 1 {
		t.Fatalf("soft miss should be remembered, got %d downloads", fc.downloadCount("https://a/gone.mp4"))
	}

	syncer.ForgetSoftMisses()
	report, err := syncer.Sync(context.Background(), []string{"https://a/gone.mp4"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.SoftMissed != 1 || fc.downloadCount("https://a/gone.mp4") != 2 {
		t.Fatalf("forgotten soft miss should be retried: %+v", report)
	}
}

func TestSyncWithoutSoftMissMemo(t *testing.T) {
	fc := newFakeCache()
	syncer := New(fc, Options{})

	for i := 0; i < 2; i++ {
		report, err := syncer.Sync(context.Background(), []string{"https://a/gone.mp4"})
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
		if report.Skipped != 0 {
			t.Fatalf("nothing should be skipped without a memo: %+v", report)
		}
	}
	if fc.downloadCount("https://a/gone.mp4") != 2 {
		t.Fatalf("expected a retry on every sync")
	}
}

func TestSyncCancelledSkipsCleanup(t *testing.T) {
	fc := newFakeCache()
	fc.entries["https://a/stale.mp4"] = "/cache/stale"
	syncer := New(fc, Options{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := syncer.Sync(ctx, []string{"https://a/new.mp4"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fc.referenced != nil {
		t.Fatalf("cleanup must not run after cancellation")
	}
	if _, ok := fc.entries["https://a/stale.mp4"]; !ok {
		t.Fatalf("entries must survive a cancelled sync")
	}
}

func TestSyncWithManager(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.jpg", "/b.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte(r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	manager, err := mediacache.New(mediacache.Options{
		CacheDir:      filepath.Join(t.TempDir(), "media"),
		FlushDebounce: time.Hour,
		Client:        upstream.Client(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer manager.Close()

	syncer := New(manager, Options{Concurrency: 2})
	first := []string{upstream.URL + "/a.jpg", upstream.URL + "/b.jpg", upstream.URL + "/missing.jpg"}
	report, err := syncer.Sync(context.Background(), first)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Downloaded != 2 || report.SoftMissed != 1 {
		t.Fatalf("unexpected first report: %+v", report)
	}

	report, err = syncer.Sync(context.Background(), []string{upstream.URL + "/a.jpg"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Cached != 1 || report.Evicted != 1 {
		t.Fatalf("unexpected second report: %+v", report)
	}
	urls := manager.CachedURLs()
	if len(urls) != 1 || urls[0] != upstream.URL+"/a.jpg" {
		t.Fatalf("unexpected cached urls: %v", urls)
	}
}
