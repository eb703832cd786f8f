package refsync

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/media-cache/internal/logging"
)

// MediaCache 是 Syncer 依赖的缓存能力，由 *mediacache.Manager 实现。
type MediaCache interface {
	CacheKey(rawURL string) (string, bool)
	LocalPath(rawURL string) (string, bool)
	DownloadMedia(ctx context.Context, rawURL string) (string, error)
	CleanupUnusedMedia(ctx context.Context, referenced map[string]struct{}) (int, error)
}

// Options 控制同步行为。
type Options struct {
	Concurrency int
	SoftMissTTL time.Duration
	Logger      *logrus.Logger
}

// Failure 描述单个 URL 的下载失败。
type Failure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Report 汇总一次同步的结果。
type Report struct {
	Referenced  int       `json:"referenced"`
	Cached      int       `json:"cached"`
	Downloaded  int       `json:"downloaded"`
	SoftMissed  int       `json:"softMissed"`
	Skipped     int       `json:"skipped"`
	Uncacheable int       `json:"uncacheable"`
	Evicted     int       `json:"evicted"`
	Failed      []Failure `json:"failed"`
}

// Syncer 让缓存内容与调用方给出的引用集合保持一致：缺失的下载，多余的淘汰。
type Syncer struct {
	cache       MediaCache
	concurrency int
	softMisses  *gocache.Cache
	logger      *logrus.Logger

	// 同一时刻只允许一次同步，避免一次同步的淘汰删除另一次刚下载的文件。
	mu sync.Mutex
}

// New 构建 Syncer。SoftMissTTL 为 0 时不记忆 404。
func New(cache MediaCache, opts Options) *Syncer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	var softMisses *gocache.Cache
	if opts.SoftMissTTL > 0 {
		softMisses = gocache.New(opts.SoftMissTTL, opts.SoftMissTTL*2)
	}
	return &Syncer{
		cache:       cache,
		concurrency: opts.Concurrency,
		softMisses:  softMisses,
		logger:      opts.Logger,
	}
}

// Sync 下载 urls 中尚未缓存的媒体，然后淘汰不再被引用的条目。
//
// 单个 URL 的失败只记入 Report，不会中断其它下载，也不会阻止淘汰；
// ctx 被取消时跳过淘汰并返回 ctx 的错误。
func (s *Syncer) Sync(ctx context.Context, urls []string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	report := Report{Failed: []Failure{}}
	referenced := make(map[string]struct{}, len(urls))
	var work []string
	for _, raw := range urls {
		key, ok := s.cache.CacheKey(raw)
		if !ok {
			report.Uncacheable++
			continue
		}
		if _, seen := referenced[key]; seen {
			continue
		}
		referenced[key] = struct{}{}
		work = append(work, raw)
	}
	report.Referenced = len(referenced)

	var mu sync.Mutex
	record := func(fn func(r *Report)) {
		mu.Lock()
		fn(&report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, raw := range work {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s.syncOne(gctx, raw, record)
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(report.Failed, func(i, j int) bool {
		return report.Failed[i].URL < report.Failed[j].URL
	})
	if err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	evicted, err := s.cache.CleanupUnusedMedia(ctx, referenced)
	if err != nil {
		return report, err
	}
	report.Evicted = evicted

	s.logger.WithFields(logrus.Fields{
		"action":      "sync",
		"referenced":  report.Referenced,
		"cached":      report.Cached,
		"downloaded":  report.Downloaded,
		"soft_missed": report.SoftMissed,
		"skipped":     report.Skipped,
		"uncacheable": report.Uncacheable,
		"failed":      len(report.Failed),
		"evicted":     report.Evicted,
		"elapsed_ms":  time.Since(started).Milliseconds(),
	}).Info("sync_completed")
	return report, nil
}

func (s *Syncer) syncOne(ctx context.Context, raw string, record func(func(*Report))) {
	if _, hit := s.cache.LocalPath(raw); hit {
		record(func(r *Report) { r.Cached++ })
		return
	}

	key, _ := s.cache.CacheKey(raw)
	if s.softMisses != nil {
		if _, found := s.softMisses.Get(key); found {
			record(func(r *Report) { r.Skipped++ })
			return
		}
	}

	localPath, err := s.cache.DownloadMedia(ctx, raw)
	switch {
	case err != nil:
		s.logger.WithError(err).WithFields(logging.MediaFields("sync", raw, key)).Warn("sync_download_failed")
		record(func(r *Report) {
			r.Failed = append(r.Failed, Failure{URL: raw, Error: err.Error()})
		})
	case localPath == "":
		if s.softMisses != nil {
			s.softMisses.Set(key, struct{}{}, gocache.DefaultExpiration)
		}
		record(func(r *Report) { r.SoftMissed++ })
	default:
		record(func(r *Report) { r.Downloaded++ })
	}
}

// ForgetSoftMisses 清空 404 记忆，下一次同步会重新尝试全部未缓存的 URL。
func (s *Syncer) ForgetSoftMisses() {
	if s.softMisses != nil {
		s.softMisses.Flush()
	}
}
