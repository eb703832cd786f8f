package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// appDirName 是用户数据目录下的应用子目录名。
const appDirName = "media-cache"

// GlobalConfig 描述进程级运行参数，缓存管理器、HTTP 服务与同步器共享同一份。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// DataDir 对应宿主应用的 per-user 数据目录，留空时使用 UserDataDir()。
	DataDir      string `mapstructure:"DataDir"`
	CacheDirName string `mapstructure:"CacheDirName"`

	StreamHost      string   `mapstructure:"StreamHost"`
	UserAgent       string   `mapstructure:"UserAgent"`
	DownloadTimeout Duration `mapstructure:"DownloadTimeout"`
	MaxRedirects    int      `mapstructure:"MaxRedirects"`
	FlushDebounce   Duration `mapstructure:"FlushDebounce"`

	SyncConcurrency int      `mapstructure:"SyncConcurrency"`
	SoftMissTTL     Duration `mapstructure:"SoftMissTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}

// CacheDir 返回缓存目录的绝对路径：<DataDir>/<CacheDirName>。
func (g GlobalConfig) CacheDir() string {
	return filepath.Join(g.DataDir, g.CacheDirName)
}

// UserDataDir 返回当前用户的应用数据目录，无法解析时退回临时目录。
func UserDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, appDirName)
}
