package cache

import (
	"context"
	"fmt"
	"io"
	"time"
)

// entryWriter 负责下载成功后的落盘：写正文、记录元数据、更新内存索引。
// 元数据写入失败时删除刚写入的正文，避免出现未计入总量的文件。
type entryWriter struct {
	store    Store
	metadata *MetadataStore
	index    *MemoryIndex
	now      func() time.Time
}

func (w entryWriter) Put(ctx context.Context, key, uri string, body io.Reader, ttl time.Duration) (*Entry, error) {
	entry, err := w.store.Put(ctx, key, body)
	if err != nil {
		return nil, fmt.Errorf("persist payload: %w", err)
	}

	rec := NewRecord(uri, w.now(), ttl, entry.SizeBytes)
	var total int64
	err = w.metadata.Update(ctx, func(md Metadata) bool {
		md[key] = rec
		total = md.TotalSize()
		return true
	})
	if err != nil {
		_ = w.store.Remove(context.WithoutCancel(ctx), key)
		return nil, fmt.Errorf("record metadata: %w", err)
	}
	promGaugeForCacheSize.Set(float64(total))

	w.index.Set(uri, IndexEntry{Path: entry.FilePath, Key: key, Expires: rec.ExpiresAt()}, w.now())
	return entry, nil
}
