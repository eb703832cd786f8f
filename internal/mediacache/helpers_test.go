package mediacache

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/logging"
)

// rewriteTransport 把任意主机的请求转发到本地 stub，同时记录原始请求地址。
type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper

	mu   sync.Mutex
	seen []*http.Request
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.seen = append(rt.seen, req)
	rt.mu.Unlock()

	clone := req.Clone(req.Context())
	clone.URL.Scheme = rt.target.Scheme
	clone.URL.Host = rt.target.Host
	return rt.base.RoundTrip(clone)
}

func (rt *rewriteTransport) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.seen)
}

func (rt *rewriteTransport) urls() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, len(rt.seen))
	for i, req := range rt.seen {
		out[i] = req.URL.String()
	}
	return out
}

func (rt *rewriteTransport) request(i int) *http.Request {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.seen[i]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testHarness struct {
	manager   *Manager
	transport *rewriteTransport
	clock     *fakeClock
	dir       string
}

// newTestHarness 启动 stub 上游并构建指向临时目录的 Manager。
func newTestHarness(t *testing.T, handler http.Handler, mutate func(*Options)) *testHarness {
	t.Helper()

	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	target, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	transport := &rewriteTransport{target: target, base: upstream.Client().Transport}
	clock := newFakeClock()
	dir := filepath.Join(t.TempDir(), "media-cache")

	opts := Options{
		CacheDir:      dir,
		StreamHost:    testStreamHost,
		FlushDebounce: time.Hour,
		Client:        &http.Client{Transport: transport},
		Logger:        logging.Discard(),
		Now:           clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}

	manager, err := New(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	return &testHarness{manager: manager, transport: transport, clock: clock, dir: dir}
}

// mediaFiles 返回缓存目录中除索引与隐藏文件外的所有文件名。
func mediaFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read cache dir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if name == cache.IndexFileName || name == lockFileName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mediaHandler(body, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		} else {
			w.Header()["Content-Type"] = nil
		}
		_, _ = w.Write([]byte(body))
	}
}

func routes(m map[string]http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := m[r.URL.Path]; ok {
			h(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "unexpected path "+r.URL.Path, http.StatusTeapot)
	})
}
