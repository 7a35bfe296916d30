package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理缓存目录中的正文文件。磁盘布局遵循：
//
//	<CacheDir>/<key>            # 下载得到的图片正文
//	<CacheDir>/metadata.json    # 由 MetadataStore 维护
//
// key 由 EntryKey 生成，只包含 [a-z0-9_]，因此不会与 metadata.json 或临时文件冲突。
type Store interface {
	// Get 返回正文文件的描述信息。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key string) (*Entry, error)

	// Put 将下载正文写入缓存。实现需通过临时文件 + rename 保证写入原子性，
	// 失败时清理临时文件，旧正文保持不变。
	Put(ctx context.Context, key string, body io.Reader) (*Entry, error)

	// Remove 删除正文文件；文件不存在不视为错误。
	Remove(ctx context.Context, key string) error

	// EnsureDir 幂等地创建缓存目录。
	EnsureDir(ctx context.Context) error

	// Purge 删除整个缓存目录并重新创建空目录。
	Purge(ctx context.Context) error

	// Path 返回 key 对应的绝对路径。
	Path(key string) (string, error)

	// Root 返回缓存目录的绝对路径。
	Root() string
}

// Entry 描述一个已落盘的正文文件。
type Entry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ErrNotFound 表示缓存正文不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidKey 表示 key 不能安全地映射为缓存目录下的文件名。
var ErrInvalidKey = errors.New("invalid cache key")
