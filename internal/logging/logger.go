package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/media-cache/internal/config"
	"github.com/any-hub/media-cache/internal/version"
)

// serviceName 是每条日志的 service 字段取值。
const serviceName = "media-cache"

// InitLogger 按全局配置构建 JSON logger 并同步到 logrus 标准 logger。
// 日志文件不可用时退回 stdout，并补记一条 logger_fallback。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(serviceHook{version: version.Version})

	target := LogFilePath(cfg)
	out, openErr := openSink(target, cfg)
	logger.SetOutput(out)

	std := logrus.StandardLogger()
	std.SetFormatter(logger.Formatter)
	std.SetOutput(out)
	std.SetLevel(level)

	if openErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", openErr)
		logger.WithError(openErr).WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   target,
		}).Warn("log_file_unavailable")
	}
	return logger, nil
}

// LogFilePath 返回实际写入的日志文件路径。相对路径挂在 DataDir 下，与缓存目录同处
// 一个 per-user 目录；空字符串表示写 stdout。
func LogFilePath(cfg config.GlobalConfig) string {
	path := strings.TrimSpace(cfg.LogFilePath)
	if path == "" || filepath.IsAbs(path) || cfg.DataDir == "" {
		return path
	}
	return filepath.Join(cfg.DataDir, path)
}

// Discard 返回丢弃所有输出的 logger，供测试或嵌入方在未注入 logger 时使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openSink(path string, cfg config.GlobalConfig) (io.Writer, error) {
	if path == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// serviceHook 为每条日志补充 service/version 字段，调用方显式设置的同名字段优先。
type serviceHook struct {
	version string
}

func (serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = serviceName
	}
	if _, ok := entry.Data["version"]; !ok {
		entry.Data["version"] = h.version
	}
	return nil
}
