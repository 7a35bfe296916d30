package cache

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Evictor 将 metadata 记录的总大小控制在 maxSize 以内。超限时按创建时间从旧到新
// 删除，直到总量不超过 maxSize*target。
//
// 回收顺序基于创建时间而非最近访问时间，经常被访问的旧图片会先于从未复用的新图片
// 被回收。
type Evictor struct {
	store    Store
	metadata *MetadataStore
	index    *MemoryIndex
	maxSize  int64
	target   float64
	logger   *logrus.Logger
}

// EvictionReport 汇总一次回收的结果。
type EvictionReport struct {
	Before  int64    `json:"before_bytes"`
	After   int64    `json:"after_bytes"`
	Evicted []string `json:"evicted"`
	Failed  int      `json:"failed"`
}

// NewEvictor 构造回收器；target 不在 (0,1] 时使用 DefaultEvictionTarget。
func NewEvictor(store Store, metadata *MetadataStore, index *MemoryIndex, maxSize int64, target float64, logger *logrus.Logger) *Evictor {
	if target <= 0 || target > 1 {
		target = DefaultEvictionTarget
	}
	return &Evictor{
		store:    store,
		metadata: metadata,
		index:    index,
		maxSize:  maxSize,
		target:   target,
		logger:   logger,
	}
}

// MaxSize returns the configured ceiling in bytes.
func (e *Evictor) MaxSize() int64 {
	return e.maxSize
}

// Threshold 返回回收后需要达到的目标总量。
func (e *Evictor) Threshold() int64 {
	return int64(float64(e.maxSize) * e.target)
}

// Enforce 执行一次回收。单个正文删除失败只记录日志，对应元数据仍被移除，
// 留下的孤儿文件由 ClearAll 清理。元数据在整轮结束后只写回一次。
func (e *Evictor) Enforce(ctx context.Context) (EvictionReport, error) {
	var report EvictionReport
	var freed int64

	err := e.metadata.Update(ctx, func(md Metadata) bool {
		total := md.TotalSize()
		report.Before = total
		report.After = total
		if total <= e.maxSize {
			return false
		}

		threshold := e.Threshold()
		for _, key := range md.OldestFirst() {
			if total <= threshold {
				break
			}
			rec := md[key]
			if err := e.store.Remove(ctx, key); err != nil {
				report.Failed++
				e.logger.WithError(err).WithFields(logrus.Fields{
					"action": "evict",
					"key":    key,
					"uri":    rec.URI,
				}).Warn("evict_remove_failed")
			}
			if path, err := e.store.Path(key); err == nil && rec.URI != "" {
				e.index.DeleteIfPath(rec.URI, path)
			}
			delete(md, key)
			if rec.Size > 0 {
				total -= rec.Size
				freed += rec.Size
			}
			report.Evicted = append(report.Evicted, key)
		}
		report.After = total
		return true
	})

	if len(report.Evicted) > 0 {
		promCounterForEvictions.Add(float64(len(report.Evicted)))
		promCounterForEvictedBytes.Add(float64(freed))
		e.logger.WithFields(logrus.Fields{
			"action":  "evict",
			"before":  report.Before,
			"after":   report.After,
			"evicted": len(report.Evicted),
			"failed":  report.Failed,
		}).Info("cache_evicted")
	}
	if err == nil {
		promGaugeForCacheSize.Set(float64(report.After))
	}
	return report, err
}
