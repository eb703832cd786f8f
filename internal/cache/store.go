package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// IndexFileName 是缓存目录内索引快照的固定文件名。
const IndexFileName = "index.json"

// Store 负责管理缓存目录内媒体文件的读写。磁盘布局遵循：
//
//	<CacheDir>/<hash>.<ext>   # 媒体正文
//	<CacheDir>/index.json     # 索引快照
//
// 以 "." 开头的文件（临时文件、锁文件）不属于缓存内容。
type Store interface {
	// Put 将 body 流式写入 name 对应的文件。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, name string, body io.Reader) (*Entry, error)

	// Stat 返回 name 对应文件的信息，不存在时返回 ErrNotFound。
	Stat(name string) (*Entry, error)

	// Remove 删除 name 对应的文件，文件不存在视为成功。
	Remove(ctx context.Context, name string) error

	// List 返回目录下所有媒体文件名（不含索引与隐藏文件）。
	List() ([]string, error)

	// Path 返回 name 在缓存目录中的绝对路径。
	Path(name string) (string, error)

	// Dir 返回缓存目录的绝对路径。
	Dir() string
}

// Entry 描述一个已落盘的媒体文件。
type Entry struct {
	Name      string    `json:"name"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ErrNotFound 表示缓存文件不存在。
var ErrNotFound = errors.New("cache entry not found")
