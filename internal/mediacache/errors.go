package mediacache

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyRedirects 表示重定向次数超过 MaxRedirects。
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrDownloadTimeout 表示下载在 DownloadTimeout 内没有任何进展。
	ErrDownloadTimeout = errors.New("download timed out")
	// ErrCacheLocked 表示缓存目录已被另一个进程持有。
	ErrCacheLocked = errors.New("cache directory is locked by another process")
	// ErrClosed 表示 Manager 已关闭。
	ErrClosed = errors.New("media cache closed")
)

// StatusError 描述源站返回的非 200/404 状态。
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}
