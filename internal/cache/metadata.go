package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MetadataFileName 是缓存目录中元数据文件的固定名称。
const MetadataFileName = "metadata.json"

// Record 是 metadata.json 中单个条目的持久化形式，时间均为毫秒时间戳。
type Record struct {
	URI       string `json:"uri"`
	Timestamp int64  `json:"timestamp"`
	Expires   int64  `json:"expires"`
	Size      int64  `json:"size"`
}

// NewRecord 以 created 为创建时间、created+ttl 为过期时间构造记录。
func NewRecord(uri string, created time.Time, ttl time.Duration, size int64) Record {
	return Record{
		URI:       uri,
		Timestamp: created.UnixMilli(),
		Expires:   created.Add(ttl).UnixMilli(),
		Size:      size,
	}
}

// CreatedAt 返回最近一次成功下载的时间。
func (r Record) CreatedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// ExpiresAt 返回记录的过期时间。
func (r Record) ExpiresAt() time.Time {
	return time.UnixMilli(r.Expires)
}

// Expired 在 expires <= now 时返回 true，此时正文不得再作为命中返回。
func (r Record) Expired(now time.Time) bool {
	return r.Expires <= now.UnixMilli()
}

// Metadata 以条目 key 为索引的全部缓存记录。
type Metadata map[string]Record

// TotalSize 汇总所有记录的 size；负值按 0 计。
func (m Metadata) TotalSize() int64 {
	var total int64
	for _, rec := range m {
		if rec.Size > 0 {
			total += rec.Size
		}
	}
	return total
}

// OldestFirst 按创建时间升序返回 key，创建时间相同时按 key 排序。
func (m Metadata) OldestFirst() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m[keys[i]], m[keys[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return keys[i] < keys[j]
	})
	return keys
}

// MetadataStore 负责 metadata.json 的读写。进程内所有修改都经过 Update，
// 由 mu 串行化“读取-修改-写回”，写入使用临时文件 + rename。
type MetadataStore struct {
	path   string
	logger *logrus.Logger

	mu sync.Mutex
}

// NewMetadataStore 构造位于 dir/metadata.json 的元数据存储。
func NewMetadataStore(dir string, logger *logrus.Logger) *MetadataStore {
	return &MetadataStore{
		path:   filepath.Join(dir, MetadataFileName),
		logger: logger,
	}
}

// Path 返回 metadata.json 的绝对路径。
func (m *MetadataStore) Path() string {
	return m.path
}

// Load 读取元数据；文件缺失或内容损坏都按“没有元数据”处理，只记录日志。
func (m *MetadataStore) Load(ctx context.Context) Metadata {
	if ctx.Err() != nil {
		return Metadata{}
	}

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.WithError(err).WithField("path", m.path).Warn("metadata_load_failed")
		}
		return Metadata{}
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		m.logger.WithError(err).WithField("path", m.path).Warn("metadata_corrupt")
		return Metadata{}
	}
	if md == nil {
		md = Metadata{}
	}
	return md
}

// Save 覆盖写入全部元数据。
func (m *MetadataStore) Save(ctx context.Context, md Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(ctx, md)
}

// Update 在写锁内加载元数据并交给 fn 修改；fn 返回 true 时写回一次。
func (m *MetadataStore) Update(ctx context.Context, fn func(Metadata) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md := m.Load(ctx)
	if !fn(md) {
		return nil
	}
	return m.save(ctx, md)
}

// Exclusive 持有写锁执行 fn，期间不会有其他元数据写入。
func (m *MetadataStore) Exclusive(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

func (m *MetadataStore) save(ctx context.Context, md Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if md == nil {
		md = Metadata{}
	}

	payload, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-metadata-*")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return fmt.Errorf("write metadata: %w", err)
	}

	if err := os.Rename(tempName, m.path); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("replace metadata: %w", err)
	}
	return nil
}
