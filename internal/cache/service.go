package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/imgcache/imgcache/internal/logging"
)

const (
	// DefaultTTL 是未指定 TTL 时条目的有效期。
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultMaxSize 是缓存目录的默认容量上限。
	DefaultMaxSize int64 = 50 * 1024 * 1024
	// DefaultEvictionTarget 是回收后需要降到的容量比例。
	DefaultEvictionTarget = 0.8

	prefetchConcurrency = 4
	maxFlightAttempts   = 3
)

// ErrClosed 表示 Service 已关闭，不再接受新的订阅。
var ErrClosed = errors.New("image cache closed")

// ErrKeyBusy 表示条目 key 持续被其他 URI 的下载占用。
var ErrKeyBusy = errors.New("cache key busy with another uri")

// Source 标记一次解析结果的来源。
type Source string

const (
	SourceNone     Source = "none"
	SourceMemory   Source = "memory"
	SourceDisk     Source = "disk"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Request 描述一次图片解析请求。TTL <= 0 时使用 Service 的默认 TTL。
type Request struct {
	URI      string
	CacheKey string
	TTL      time.Duration
}

// Result 是解析结果。LocalReference 为空表示没有可显示的图片（URI 为空）；
// 回退时 LocalReference 为原始 URI，Err 给出失败原因。
//
// Key 是正文实际所在的条目 key。内存索引按 URI 查找，因此同一 URI 换用新的
// cacheKey 时仍会命中旧条目，Key 返回的是旧条目的 key。
type Result struct {
	LocalReference string
	Loading        bool
	Err            error
	Source         Source
	Key            string
}

// Cached reports whether LocalReference points at a local payload file.
func (r Result) Cached() bool {
	switch r.Source {
	case SourceMemory, SourceDisk, SourceNetwork:
		return true
	default:
		return false
	}
}

// Options 配置 Service。
type Options struct {
	Dir            string
	MaxSize        int64
	EvictionTarget float64
	DefaultTTL     time.Duration
	Downloader     Downloader
	Logger         *logrus.Logger
	Now            func() time.Time
}

// Stats 汇总缓存当前状态。
type Stats struct {
	Dir          string `json:"dir"`
	Entries      int    `json:"entries"`
	TotalBytes   int64  `json:"total_bytes"`
	MaxBytes     int64  `json:"max_bytes"`
	TargetBytes  int64  `json:"target_bytes"`
	IndexEntries int    `json:"index_entries"`
}

// Service 串联内存索引、元数据、回收与下载，是显示层唯一需要依赖的对象。
// 由调用方显式构造并注入，Close 后等待所有进行中的订阅任务结束。
type Service struct {
	store      Store
	metadata   *MetadataStore
	index      *MemoryIndex
	evictor    *Evictor
	writer     entryWriter
	downloader Downloader
	logger     *logrus.Logger
	now        func() time.Time
	defaultTTL time.Duration

	flights singleflight.Group

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New 创建缓存目录并从 metadata 重建内存索引。
func New(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("cache dir required")
	}
	if opts.Downloader == nil {
		return nil, errors.New("downloader required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	store, err := NewStore(opts.Dir)
	if err != nil {
		return nil, err
	}
	metadata := NewMetadataStore(store.Root(), logger)
	index := NewMemoryIndex()

	svc := &Service{
		store:      store,
		metadata:   metadata,
		index:      index,
		evictor:    NewEvictor(store, metadata, index, maxSize, opts.EvictionTarget, logger),
		writer:     entryWriter{store: store, metadata: metadata, index: index, now: now},
		downloader: opts.Downloader,
		logger:     logger,
		now:        now,
		defaultTTL: ttl,
	}

	md := metadata.Load(context.Background())
	loaded := index.Rebuild(md, store.Path, now())
	promGaugeForCacheSize.Set(float64(md.TotalSize()))
	logger.WithFields(logrus.Fields{
		"action":  "index_rebuild",
		"dir":     store.Root(),
		"records": len(md),
		"indexed": loaded,
	}).Debug("memory_index_rebuilt")

	return svc, nil
}

// Dir returns the absolute cache directory.
func (s *Service) Dir() string {
	return s.store.Root()
}

// Resolve 按“内存索引 → 目录 → 磁盘+元数据 → 回收 → 下载 → 记录”的顺序解析 URI。
// 缓存链路上的任何失败都回退为原始 URI 并通过 Result.Err 返回。
func (s *Service) Resolve(ctx context.Context, req Request) Result {
	req = s.normalize(req)
	if req.URI == "" {
		promCounterForRequests.WithLabelValues(string(SourceNone)).Inc()
		return Result{Source: SourceNone}
	}
	key := EntryKey(req.URI, req.CacheKey)

	if entry, ok := s.index.Get(req.URI, s.now()); ok {
		if fileExists(entry.Path) {
			return s.settle(req, entry.Key, entry.Path, SourceMemory)
		}
		s.index.DeleteIfPath(req.URI, entry.Path)
	}

	path, source, err := s.resolveSlow(ctx, req, key)
	if err != nil {
		promCounterForRequests.WithLabelValues(string(SourceFallback)).Inc()
		s.logger.WithError(err).
			WithFields(logging.CacheFields(req.URI, key, string(SourceFallback))).
			Warn("image_cache_failed")
		return Result{LocalReference: req.URI, Err: err, Source: SourceFallback, Key: key}
	}
	return s.settle(req, key, path, source)
}

// flightResult 是一次 flight 的产出，uri 用于识别共享同一 key 的其他 URI。
type flightResult struct {
	uri    string
	path   string
	source Source
	err    error
}

// resolveSlow 把同一 key 的磁盘校验、回收与下载放在同一个 flight 中执行，
// 正在写入的正文不会被并发请求当作过期文件删除。flight 脱离调用方的取消信号，
// 调用方离开后仍会完成落盘。
func (s *Service) resolveSlow(ctx context.Context, req Request, key string) (string, Source, error) {
	if err := s.store.EnsureDir(ctx); err != nil {
		return "", "", fmt.Errorf("ensure cache dir: %w", err)
	}

	for attempt := 0; attempt < maxFlightAttempts; attempt++ {
		ch := s.flights.DoChan(key, func() (interface{}, error) {
			return s.fill(context.WithoutCancel(ctx), req, key), nil
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return "", "", ctx.Err()
		}

		out := res.Val.(flightResult)
		if out.uri != req.URI {
			// 加入的是同 key 其他 URI 的 flight，等它结束后重新来过。
			continue
		}
		return out.path, out.source, out.err
	}
	return "", "", ErrKeyBusy
}

// fill 只在持有 key 对应的 flight 时调用。
func (s *Service) fill(ctx context.Context, req Request, key string) flightResult {
	if path, ok := s.lookupDisk(ctx, req, key); ok {
		return flightResult{uri: req.URI, path: path, source: SourceDisk}
	}

	if _, err := s.evictor.Enforce(ctx); err != nil {
		s.logger.WithError(err).WithField("action", "evict").Warn("evict_failed")
	}

	entry, err := s.fetch(ctx, req, key)
	if err != nil {
		return flightResult{uri: req.URI, err: err}
	}
	return flightResult{uri: req.URI, path: entry.FilePath, source: SourceNetwork}
}

// lookupDisk 在正文存在且元数据有效（同一 URI、未过期）时命中；否则尽力清理
// 正文与元数据，交由下载覆盖。缺失正文的记录也一并删除，避免回收时误删新正文。
func (s *Service) lookupDisk(ctx context.Context, req Request, key string) (string, bool) {
	entry, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		now := s.now()
		rec, ok := s.metadata.Load(ctx)[key]
		if ok && rec.URI == req.URI && !rec.Expired(now) {
			s.index.Set(req.URI, IndexEntry{Path: entry.FilePath, Key: key, Expires: rec.ExpiresAt()}, now)
			return entry.FilePath, true
		}
	case !errors.Is(err, ErrNotFound):
		s.logger.WithError(err).WithFields(logging.CacheFields(req.URI, key, "disk")).Warn("cache_stat_failed")
	}

	s.discard(ctx, key)
	return "", false
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.store.Remove(ctx, key); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("stale_remove_failed")
	}
	path, _ := s.store.Path(key)
	err := s.metadata.Update(ctx, func(md Metadata) bool {
		rec, ok := md[key]
		if !ok {
			return false
		}
		if rec.URI != "" {
			s.index.DeleteIfPath(rec.URI, path)
		}
		delete(md, key)
		return true
	})
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("metadata_save_failed")
	}
}

func (s *Service) fetch(ctx context.Context, req Request, key string) (*Entry, error) {
	promCounterForDownloads.Inc()
	body, err := s.downloader.Download(ctx, req.URI)
	if err != nil {
		promCounterForDownloadFailures.Inc()
		return nil, fmt.Errorf("download: %w", err)
	}
	defer body.Close()

	entry, err := s.writer.Put(ctx, key, req.URI, body, req.TTL)
	if err != nil {
		promCounterForDownloadFailures.Inc()
		return nil, err
	}

	s.logger.WithFields(logging.CacheFields(req.URI, key, string(SourceNetwork))).
		WithField("size", entry.SizeBytes).
		Debug("image_cached")
	return entry, nil
}

func (s *Service) settle(req Request, key, path string, source Source) Result {
	promCounterForRequests.WithLabelValues(string(source)).Inc()
	s.logger.WithFields(logging.CacheFields(req.URI, key, string(source))).Debug("image_resolved")
	return Result{LocalReference: path, Source: source, Key: key}
}

// ClearAll 删除整个缓存目录、清空内存索引并重建空目录。失败直接返回给调用方。
func (s *Service) ClearAll(ctx context.Context) error {
	err := s.metadata.Exclusive(func() error {
		if err := s.store.Purge(ctx); err != nil {
			return fmt.Errorf("clear image cache: %w", err)
		}
		s.index.Flush()
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("action", "clear").Error("cache_clear_failed")
		return err
	}

	promCounterForClears.Inc()
	promGaugeForCacheSize.Set(0)
	s.logger.WithFields(logrus.Fields{"action": "clear", "dir": s.store.Root()}).Info("cache_cleared")
	return nil
}

// Stats 读取 metadata 汇总当前状态。
func (s *Service) Stats(ctx context.Context) Stats {
	md := s.metadata.Load(ctx)
	return Stats{
		Dir:          s.store.Root(),
		Entries:      len(md),
		TotalBytes:   md.TotalSize(),
		MaxBytes:     s.evictor.MaxSize(),
		TargetBytes:  s.evictor.Threshold(),
		IndexEntries: s.index.Len(),
	}
}

// Prefetch 以有限并发预热一批 URI，结果顺序与 reqs 一致。
func (s *Service) Prefetch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(prefetchConcurrency)
	for i := range reqs {
		group.Go(func() error {
			results[i] = s.Resolve(groupCtx, reqs[i])
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// Close 拒绝新的订阅并等待进行中的订阅任务结束。
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// track 登记一个后台任务；Service 已关闭时返回 false。
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) normalize(req Request) Request {
	req.URI = strings.TrimSpace(req.URI)
	req.CacheKey = strings.TrimSpace(req.CacheKey)
	if req.TTL <= 0 {
		req.TTL = s.defaultTTL
	}
	return req
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
