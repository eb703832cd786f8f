package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/media-cache/internal/version"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absData, err := filepath.Abs(cfg.Global.DataDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析数据目录: %w", err)
	}
	cfg.Global.DataDir = absData

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5100)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("DataDir", "")
	v.SetDefault("CacheDirName", "media-cache")
	v.SetDefault("StreamHost", "stream.mux.com")
	v.SetDefault("UserAgent", DefaultUserAgent)
	v.SetDefault("DownloadTimeout", "300s")
	v.SetDefault("MaxRedirects", 5)
	v.SetDefault("FlushDebounce", "5s")
	v.SetDefault("SyncConcurrency", 4)
	v.SetDefault("SoftMissTTL", "10m")
}

// DefaultUserAgent 是下载请求使用的通用 UA，版本号随构建注入。
var DefaultUserAgent = version.UserAgent()

// Defaults 返回填充完默认值的全局配置，供测试与嵌入方直接使用。
func Defaults() GlobalConfig {
	var g GlobalConfig
	g.LogLevel = "info"
	g.MaxRedirects = 5
	g.SoftMissTTL = Duration(10 * time.Minute)
	applyGlobalDefaults(&g)
	return g
}

// applyGlobalDefaults 补齐留空的字段。MaxRedirects 与 SoftMissTTL 的 0 是合法取值
// （不跟随重定向 / 不记忆 404），其缺省值只由 setDefaults 提供。
func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5100
	}
	if strings.TrimSpace(g.DataDir) == "" {
		g.DataDir = UserDataDir()
	}
	if strings.TrimSpace(g.CacheDirName) == "" {
		g.CacheDirName = "media-cache"
	}
	if strings.TrimSpace(g.StreamHost) == "" {
		g.StreamHost = "stream.mux.com"
	}
	g.StreamHost = strings.ToLower(strings.TrimSpace(g.StreamHost))
	if strings.TrimSpace(g.UserAgent) == "" {
		g.UserAgent = DefaultUserAgent
	}
	if g.DownloadTimeout.DurationValue() == 0 {
		g.DownloadTimeout = Duration(300 * time.Second)
	}
	if g.FlushDebounce.DurationValue() == 0 {
		g.FlushDebounce = Duration(5 * time.Second)
	}
	if g.SyncConcurrency == 0 {
		g.SyncConcurrency = 4
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
