package mediacache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
)

// disambiguatorParam 在无查询串的下载地址上追加，部分源站据此返回正确的内容类型。
const disambiguatorParam = "dl=1"

// DownloadMedia 确保 rawURL 在本地有一份副本并返回其路径。
//
// 返回 ("", nil) 表示 URL 不可缓存或源站返回 404；只有传输层失败（网络错误、
// 超时、非 200/404 状态、重定向过多）才返回 error。同一缓存键的并发调用共享
// 同一次下载；ctx 取消只影响当前调用方，不会中断共享的下载，只有 Close 会中断它。
func (m *Manager) DownloadMedia(ctx context.Context, rawURL string) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}

	key, ok := m.CacheKey(rawURL)
	if !ok {
		metrics.Uncacheable.Inc()
		return "", nil
	}

	if localPath, hit := m.lookup(key); hit {
		metrics.CacheHits.WithLabelValues("download").Inc()
		return localPath, nil
	}
	metrics.CacheMisses.WithLabelValues("download").Inc()

	leader := false
	ch := m.inflight.DoChan(key, func() (interface{}, error) {
		leader = true
		if !m.beginDownload() {
			return "", ErrClosed
		}
		defer m.downloads.Done()
		if localPath, hit := m.lookup(key); hit {
			return localPath, nil
		}
		return m.download(m.lifetime, rawURL, key)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared && !leader {
			metrics.Downloads.WithLabelValues(metrics.ResultShared).Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) download(ctx context.Context, rawURL, key string) (string, error) {
	started := time.Now()
	name := FileName(key)
	fields := logging.MediaFields("download", rawURL, key)

	target, err := url.Parse(withDisambiguator(key))
	if err != nil {
		return "", m.failDownload(fields, name, fmt.Errorf("parse download url: %w", err))
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := newIdleWatchdog(m.opts.DownloadTimeout, func() {
		cancel(ErrDownloadTimeout)
	})
	defer watchdog.stop()

	resp, err := m.follow(ctx, target, watchdog)
	if err != nil {
		return "", m.failDownload(fields, name, timeoutCause(ctx, target, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		m.removeTarget(name)
		m.logSoftMiss(fields, key, resp.Request.URL.String())
		metrics.Downloads.WithLabelValues(metrics.ResultSoftMiss).Inc()
		return "", nil
	default:
		return "", m.failDownload(fields, name, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        resp.Request.URL.String(),
		})
	}

	contentType := normalizeContentType(resp.Header.Get("Content-Type"))

	m.mu.Lock()
	m.pending[name] = struct{}{}
	m.mu.Unlock()

	stored, err := m.store.Put(ctx, name, watchdog.wrap(resp.Body))
	if err != nil {
		m.mu.Lock()
		delete(m.pending, name)
		m.mu.Unlock()
		return "", m.failDownload(fields, name, timeoutCause(ctx, target, err))
	}

	entry := &CacheEntry{
		URL:         key,
		LocalPath:   stored.FilePath,
		LastUsed:    m.opts.Now(),
		ContentType: contentType,
	}
	m.mu.Lock()
	delete(m.pending, name)
	if m.closed.Load() {
		m.mu.Unlock()
		return "", m.failDownload(fields, name, ErrClosed)
	}
	m.entries[key] = entry
	metrics.Entries.Set(float64(len(m.entries)))
	m.mu.Unlock()
	m.flushNow("download")

	metrics.Downloads.WithLabelValues(metrics.ResultStored).Inc()
	metrics.DownloadedBytes.Add(float64(stored.SizeBytes))
	m.logger.WithFields(fields).WithFields(logrus.Fields{
		"local_path":   stored.FilePath,
		"size_bytes":   stored.SizeBytes,
		"content_type": contentType,
		"elapsed_ms":   time.Since(started).Milliseconds(),
	}).Info("media_cached")
	return stored.FilePath, nil
}

// follow 手动跟随 3xx 重定向，超过 MaxRedirects 时返回 ErrTooManyRedirects。
func (m *Manager) follow(ctx context.Context, target *url.URL, watchdog *idleWatchdog) (*http.Response, error) {
	current := target
	for redirects := 0; ; redirects++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", m.opts.UserAgent)
		req.Header.Set("Accept", "*/*")

		resp, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}
		watchdog.kick()

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		location := resp.Header.Get("Location")
		drainAndClose(resp.Body)
		if location == "" {
			return nil, &StatusError{StatusCode: resp.StatusCode, URL: current.String()}
		}
		if redirects >= m.opts.MaxRedirects {
			return nil, fmt.Errorf("%w: more than %d redirects from %s", ErrTooManyRedirects, m.opts.MaxRedirects, target)
		}

		next, err := current.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
		}
		m.logger.WithFields(logrus.Fields{
			"action":   "download_redirect",
			"from":     current.String(),
			"to":       next.String(),
			"status":   resp.StatusCode,
			"redirect": redirects + 1,
		}).Debug("media_redirect")
		current = next
	}
}

func (m *Manager) failDownload(fields logrus.Fields, name string, err error) error {
	m.removeTarget(name)
	metrics.Downloads.WithLabelValues(metrics.ResultFailed).Inc()
	m.logger.WithError(err).WithFields(fields).Error("media_download_failed")
	return err
}

// removeTarget 清理目标文件名下可能残留的旧文件；正在写入的内容只存在于临时文件中。
func (m *Manager) removeTarget(name string) {
	filePath, err := m.store.Path(name)
	if err != nil {
		return
	}
	m.mu.RLock()
	for _, entry := range m.entries {
		if entry.LocalPath == filePath {
			m.mu.RUnlock()
			return
		}
	}
	m.mu.RUnlock()
	m.removeFile(name, "download_failed")
}

func (m *Manager) logSoftMiss(fields logrus.Fields, key, finalURL string) {
	entry := m.logger.WithFields(fields).WithFields(logrus.Fields{
		"status":   http.StatusNotFound,
		"upstream": finalURL,
	})
	if m.isStreamKey(key) {
		entry = entry.WithField("hint", "static rendition may not be processed yet; adaptive streaming remains the fallback")
	}
	entry.Warn("media_soft_miss")
}

func timeoutCause(ctx context.Context, target *url.URL, err error) error {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrDownloadTimeout):
		return fmt.Errorf("%w: %s", ErrDownloadTimeout, target)
	case errors.Is(cause, ErrClosed):
		return ErrClosed
	}
	return err
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func withDisambiguator(raw string) string {
	if strings.Contains(raw, "?") {
		return raw
	}
	if idx := strings.Index(raw, "#"); idx >= 0 {
		return raw[:idx] + "?" + disambiguatorParam + raw[idx:]
	}
	return raw + "?" + disambiguatorParam
}

func normalizeContentType(value string) string {
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}

// idleWatchdog 在超过 timeout 没有任何进展时触发 onIdle，每次读到数据都会重置。
type idleWatchdog struct {
	timeout time.Duration
	timer   *time.Timer
}

func newIdleWatchdog(timeout time.Duration, onIdle func()) *idleWatchdog {
	return &idleWatchdog{
		timeout: timeout,
		timer:   time.AfterFunc(timeout, onIdle),
	}
}

func (w *idleWatchdog) kick() {
	w.timer.Reset(w.timeout)
}

func (w *idleWatchdog) stop() {
	w.timer.Stop()
}

func (w *idleWatchdog) wrap(r io.Reader) io.Reader {
	return &idleReader{reader: r, watchdog: w}
}

type idleReader struct {
	reader   io.Reader
	watchdog *idleWatchdog
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.watchdog.kick()
	}
	return n, err
}
