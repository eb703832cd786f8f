package mediacache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/config"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
)

const lockFileName = ".lock"

// NoRedirects 作为 Options.MaxRedirects 时表示不跟随任何重定向；0 表示使用默认值。
const NoRedirects = -1

// Options 控制 Manager 的行为，零值字段使用默认值。
type Options struct {
	CacheDir        string
	StreamHost      string
	UserAgent       string
	DownloadTimeout time.Duration
	MaxRedirects    int
	FlushDebounce   time.Duration

	Client *http.Client
	Logger *logrus.Logger
	Now    func() time.Time
}

// OptionsFromConfig 将全局配置映射为 Manager 选项，Client/Logger 由调用方注入。
func OptionsFromConfig(g config.GlobalConfig) Options {
	maxRedirects := g.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = NoRedirects
	}
	return Options{
		CacheDir:        g.CacheDir(),
		StreamHost:      g.StreamHost,
		UserAgent:       g.UserAgent,
		DownloadTimeout: g.DownloadTimeout.DurationValue(),
		MaxRedirects:    maxRedirects,
		FlushDebounce:   g.FlushDebounce.DurationValue(),
	}
}

func (o *Options) applyDefaults() {
	defaults := config.Defaults()
	if o.StreamHost == "" {
		o.StreamHost = defaults.StreamHost
	}
	o.StreamHost = strings.ToLower(o.StreamHost)
	if o.UserAgent == "" {
		o.UserAgent = defaults.UserAgent
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = defaults.DownloadTimeout.DurationValue()
	}
	switch {
	case o.MaxRedirects == 0:
		o.MaxRedirects = defaults.MaxRedirects
	case o.MaxRedirects < 0:
		o.MaxRedirects = 0
	}
	if o.FlushDebounce <= 0 {
		o.FlushDebounce = defaults.FlushDebounce.DurationValue()
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager 持有缓存目录与内存索引，是缓存目录的唯一写入者。
type Manager struct {
	opts     Options
	store    cache.Store
	snapshot *cache.SnapshotFile
	lock     *flock.Flock
	client   *http.Client
	logger   *logrus.Logger

	mu      sync.RWMutex
	entries map[string]*CacheEntry
	// pending 记录正在落盘、尚未写入索引的文件名，防止孤儿清理误删。
	pending map[string]struct{}

	inflight singleflight.Group
	// lifetime 是所有共享下载的父 context，Close 时以 ErrClosed 取消。
	lifetime  context.Context
	stop      context.CancelCauseFunc
	downloads sync.WaitGroup

	flushMu sync.Mutex
	// released 在目录锁释放前置位，之后任何落盘都会被跳过，受 flushMu 保护。
	released  bool
	debounced func(func())
	dirty     atomic.Bool
	closed    atomic.Bool
	flushes   atomic.Int64
}

// New 创建缓存目录（如不存在）、获取目录锁并加载索引。索引缺失时从空索引开始，
// 无法解析时记录日志后重置为空索引。
func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.CacheDir) == "" {
		return nil, errors.New("cache dir required")
	}
	opts.applyDefaults()

	store, err := cache.NewStore(opts.CacheDir)
	if err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(store.Dir(), lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire cache lock: %w", err)
	}
	if !locked {
		return nil, ErrCacheLocked
	}

	client := *opts.Client
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	lifetime, stop := context.WithCancelCause(context.Background())
	m := &Manager{
		lifetime:  lifetime,
		stop:      stop,
		opts:      opts,
		store:     store,
		snapshot:  cache.NewSnapshotFile(filepath.Join(store.Dir(), cache.IndexFileName)),
		lock:      lock,
		client:    &client,
		logger:    opts.Logger,
		entries:   make(map[string]*CacheEntry),
		pending:   make(map[string]struct{}),
		debounced: debounce.New(opts.FlushDebounce),
	}
	m.loadIndex()
	return m, nil
}

func (m *Manager) loadIndex() {
	var list []CacheEntry
	err := m.snapshot.Load(&list)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound):
		m.logger.WithFields(logrus.Fields{
			"action": "index_load",
			"path":   m.snapshot.Path(),
		}).Debug("index_missing")
		return
	default:
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action": "index_load",
			"path":   m.snapshot.Path(),
		}).Warn("index_reset")
		return
	}

	for i := range list {
		entry := list[i]
		if entry.URL == "" || entry.LocalPath == "" {
			continue
		}
		m.entries[entry.URL] = &entry
	}
	metrics.Entries.Set(float64(len(m.entries)))
	m.logger.WithFields(logrus.Fields{
		"action":  "index_load",
		"path":    m.snapshot.Path(),
		"entries": len(m.entries),
	}).Info("index_loaded")
}

// Dir 返回缓存目录的绝对路径。
func (m *Manager) Dir() string {
	return m.store.Dir()
}

// CacheKey 返回 rawURL 的缓存键；false 表示该 URL 不可缓存。
func (m *Manager) CacheKey(rawURL string) (string, bool) {
	return NormalizeKey(rawURL, m.opts.StreamHost)
}

func (m *Manager) isStreamKey(key string) bool {
	return strings.HasPrefix(key, "https://"+m.opts.StreamHost+"/")
}

// LocalPath 在不访问网络的前提下返回 rawURL 的本地文件路径。未命中或不可缓存时
// 返回 false，调用方应回退为直接播放远端地址。
func (m *Manager) LocalPath(rawURL string) (string, bool) {
	key, ok := m.CacheKey(rawURL)
	if !ok {
		metrics.Uncacheable.Inc()
		return "", false
	}
	localPath, hit := m.lookup(key)
	if hit {
		metrics.CacheHits.WithLabelValues("lookup").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("lookup").Inc()
	}
	return localPath, hit
}

// lookup 命中时刷新 LastUsed 并安排一次防抖落盘；索引存在但文件丢失时移除该条目。
func (m *Manager) lookup(key string) (string, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	var localPath string
	if ok {
		localPath = entry.LocalPath
	}
	m.mu.RUnlock()
	if !ok {
		return "", false
	}

	if !fileExists(localPath) {
		m.mu.Lock()
		if current, ok := m.entries[key]; ok && current.LocalPath == localPath {
			delete(m.entries, key)
			metrics.Entries.Set(float64(len(m.entries)))
		}
		m.mu.Unlock()
		metrics.Evictions.WithLabelValues("file_missing").Inc()
		m.logger.WithFields(logging.MediaFields("lookup", key, "")).
			WithField("local_path", localPath).
			Warn("cache_file_missing")
		m.scheduleFlush()
		return "", false
	}

	m.mu.Lock()
	if current, ok := m.entries[key]; ok {
		current.LastUsed = m.opts.Now()
	}
	m.mu.Unlock()
	m.scheduleFlush()
	return localPath, true
}

// CleanupUnusedMedia 删除所有不在 referenced 中的索引条目及其文件。referenced
// 必须由调用方通过 CacheKey 规范化后构建。有条目被删除时立即落盘索引。
// 之后还会清理缓存目录内没有任何条目引用的孤儿文件。返回被淘汰的条目数。
func (m *Manager) CleanupUnusedMedia(ctx context.Context, referenced map[string]struct{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.closed.Load() {
		return 0, ErrClosed
	}

	m.mu.Lock()
	var removed []*CacheEntry
	for key, entry := range m.entries {
		if _, ok := referenced[key]; ok {
			continue
		}
		removed = append(removed, entry)
		delete(m.entries, key)
	}
	metrics.Entries.Set(float64(len(m.entries)))
	m.mu.Unlock()

	for _, entry := range removed {
		m.removeFile(filepath.Base(entry.LocalPath), "unreferenced")
		metrics.Evictions.WithLabelValues("unreferenced").Inc()
		m.logger.WithFields(logging.MediaFields("evict", entry.URL, "")).
			WithField("local_path", entry.LocalPath).
			Info("cache_entry_evicted")
	}
	if len(removed) > 0 {
		m.flushNow("evict")
	}

	m.sweepOrphans()
	return len(removed), nil
}

// sweepOrphans 删除缓存目录中既不在索引、也不在下载中的媒体文件，通常是
// 文件落盘后、索引写入前进程退出留下的。
func (m *Manager) sweepOrphans() {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.store.List()
	if err != nil {
		m.logger.WithError(err).WithField("action", "sweep").Warn("cache_list_failed")
		return
	}

	known := make(map[string]struct{}, len(m.entries)+len(m.pending))
	for _, entry := range m.entries {
		known[filepath.Base(entry.LocalPath)] = struct{}{}
	}
	for name := range m.pending {
		known[name] = struct{}{}
	}

	for _, name := range names {
		if _, ok := known[name]; ok {
			continue
		}
		m.removeFile(name, "orphan")
		metrics.Evictions.WithLabelValues("orphan").Inc()
	}
}

// ContentTypeForFile 查找 LocalPath 以 filename 结尾的条目并返回其 Content-Type。
func (m *Manager) ContentTypeForFile(filename string) (string, bool) {
	if filename == "" {
		return "", false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.entries {
		if strings.HasSuffix(entry.LocalPath, filename) {
			return entry.ContentType, entry.ContentType != ""
		}
	}
	return "", false
}

// CachedURLs 返回当前所有缓存键，按字典序排列。
func (m *Manager) CachedURLs() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// MediaFile 返回缓存目录中名为 name 的媒体文件信息，不访问网络。索引、隐藏文件
// 与非法文件名一律视为不存在。
func (m *Manager) MediaFile(name string) (cache.Entry, bool) {
	if strings.HasPrefix(name, ".") {
		return cache.Entry{}, false
	}
	stat, err := m.store.Stat(name)
	if err != nil {
		return cache.Entry{}, false
	}
	return *stat, true
}

// Entry 返回指定缓存键的条目副本。
func (m *Manager) Entry(key string) (CacheEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	return *entry, true
}

// Close 以 ErrClosed 取消进行中的下载并等待其退出，随后写出尚未落盘的变更并释放
// 目录锁。释放锁之后本实例不再写 index.json。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return nil
	}
	m.closed.Store(true)
	m.mu.Unlock()

	m.stop(ErrClosed)
	m.downloads.Wait()

	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if m.dirty.Load() {
		m.flushLocked("close")
	}
	m.released = true
	return m.lock.Unlock()
}

// beginDownload 登记一次共享下载；Manager 已关闭时返回 false。与 Close 共用 m.mu，
// 保证 Close 等待时不会再有新的下载加入。
func (m *Manager) beginDownload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return false
	}
	m.downloads.Add(1)
	return true
}

func (m *Manager) scheduleFlush() {
	m.dirty.Store(true)
	m.debounced(func() {
		if m.closed.Load() || !m.dirty.Load() {
			return
		}
		m.flushNow("debounced")
	})
}

// flushNow 在 flushMu 下取快照并写出完整索引。写入失败只记录日志，内存状态保持不变。
func (m *Manager) flushNow(mode string) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if m.released {
		return
	}
	m.flushLocked(mode)
}

func (m *Manager) flushLocked(mode string) {
	m.dirty.Store(false)
	list := m.snapshotEntries()
	m.flushes.Add(1)

	if err := m.snapshot.Save(list); err != nil {
		metrics.IndexFlushes.WithLabelValues(mode, "error").Inc()
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "index_flush",
			"mode":    mode,
			"entries": len(list),
		}).Error("index_flush_failed")
		return
	}
	metrics.IndexFlushes.WithLabelValues(mode, "ok").Inc()
	m.logger.WithFields(logrus.Fields{
		"action":  "index_flush",
		"mode":    mode,
		"entries": len(list),
	}).Debug("index_flushed")
}

func (m *Manager) snapshotEntries() []CacheEntry {
	m.mu.RLock()
	list := make([]CacheEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		list = append(list, *entry)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].URL < list[j].URL
	})
	return list
}

// removeFile 尽力删除缓存目录中的文件，任何错误只记录 warn 日志。
func (m *Manager) removeFile(name, reason string) {
	if name == "" {
		return
	}
	if err := m.store.Remove(context.Background(), name); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cleanup",
			"name":   name,
			"reason": reason,
		}).Warn("cache_file_remove_failed")
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
