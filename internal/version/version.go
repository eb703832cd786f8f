package version

import (
	"fmt"
	"runtime"
)

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("media-cache %s (%s, %s/%s)", Version, Commit, runtime.GOOS, runtime.GOARCH)
}

// UserAgent 返回下载请求默认携带的 UA。部分源站拒绝不带浏览器标识的请求，因此保留 Mozilla 前缀。
func UserAgent() string {
	return fmt.Sprintf("Mozilla/5.0 (compatible; media-cache/%s)", Version)
}
