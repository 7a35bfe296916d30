package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const indexCleanupInterval = 10 * time.Minute

// IndexEntry 是内存索引中的一项：正文路径、条目 key 与过期时间。
type IndexEntry struct {
	Path    string
	Key     string
	Expires time.Time
}

// MemoryIndex 是进程内 uri → 本地正文的加速索引，随时可以从 metadata 重建。
// 命中与否由调用方传入的 now 与 Expires 比较决定；go-cache 的过期时间只负责
// 回收内存。
type MemoryIndex struct {
	items *gocache.Cache
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		items: gocache.New(gocache.NoExpiration, indexCleanupInterval),
	}
}

// Get returns the entry recorded for uri while it is still valid at now.
func (i *MemoryIndex) Get(uri string, now time.Time) (IndexEntry, bool) {
	entry, ok := i.lookup(uri)
	if !ok || !entry.Expires.After(now) {
		return IndexEntry{}, false
	}
	return entry, true
}

// Set records uri → entry. An entry already expired at now is removed instead.
func (i *MemoryIndex) Set(uri string, entry IndexEntry, now time.Time) {
	ttl := entry.Expires.Sub(now)
	if ttl <= 0 || entry.Path == "" {
		i.items.Delete(uri)
		return
	}
	i.items.Set(uri, entry, ttl)
}

// Delete removes uri from the index.
func (i *MemoryIndex) Delete(uri string) {
	i.items.Delete(uri)
}

// DeleteIfPath removes uri only while it still points at path.
func (i *MemoryIndex) DeleteIfPath(uri, path string) {
	if current, ok := i.lookup(uri); ok && current.Path == path {
		i.items.Delete(uri)
	}
}

// Flush empties the index.
func (i *MemoryIndex) Flush() {
	i.items.Flush()
}

// Len returns the number of entries not yet reclaimed.
func (i *MemoryIndex) Len() int {
	return len(i.items.Items())
}

// Rebuild 用 metadata 中未过期的记录填充索引，返回写入的条目数。
func (i *MemoryIndex) Rebuild(md Metadata, pathFor func(key string) (string, error), now time.Time) int {
	count := 0
	for key, rec := range md {
		if rec.URI == "" || rec.Expired(now) {
			continue
		}
		path, err := pathFor(key)
		if err != nil {
			continue
		}
		i.Set(rec.URI, IndexEntry{Path: path, Key: key, Expires: rec.ExpiresAt()}, now)
		count++
	}
	return count
}

func (i *MemoryIndex) lookup(uri string) (IndexEntry, bool) {
	value, ok := i.items.Get(uri)
	if !ok {
		return IndexEntry{}, false
	}
	entry, ok := value.(IndexEntry)
	return entry, ok && entry.Path != ""
}
