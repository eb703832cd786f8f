package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// SnapshotFile 以完整快照的方式持久化一个 JSON 文档：先写同目录临时文件、
// fsync，再 rename 覆盖目标文件。进程在任意时刻崩溃时，目标文件要么是旧快照，
// 要么是新快照。
type SnapshotFile struct {
	path string

	mu     sync.Mutex
	rename func(oldPath, newPath string) error
}

// NewSnapshotFile 返回指向 path 的快照文件，不会立即创建文件。
func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path, rename: os.Rename}
}

// Path 返回快照文件路径。
func (f *SnapshotFile) Path() string {
	return f.path
}

// Load 读取并解码快照到 v。文件不存在时返回 ErrNotFound。
func (f *SnapshotFile) Load(v any) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", filepath.Base(f.path), err)
	}
	return nil
}

// Save 将 v 编码为 JSON 并原子替换快照文件。多次并发调用按顺序串行执行。
func (f *SnapshotFile) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := f.rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}
