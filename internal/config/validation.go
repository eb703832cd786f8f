package config

import (
	"errors"
	"strings"
)

var supportedLogLevels = map[string]struct{}{
	"trace": {},
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
	"fatal": {},
	"panic": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if _, ok := supportedLogLevels[strings.ToLower(strings.TrimSpace(g.LogLevel))]; !ok {
		return newFieldError(globalField("LogLevel"), "仅支持 trace/debug/info/warn/error/fatal/panic")
	}
	if strings.TrimSpace(g.DataDir) == "" {
		return newFieldError(globalField("DataDir"), "不能为空")
	}
	if err := validateDirName(g.CacheDirName); err != nil {
		return newFieldError(globalField("CacheDirName"), err.Error())
	}
	if err := validateHost(g.StreamHost); err != nil {
		return newFieldError(globalField("StreamHost"), err.Error())
	}
	if g.DownloadTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("DownloadTimeout"), "必须大于 0")
	}
	if g.MaxRedirects < 0 {
		return newFieldError(globalField("MaxRedirects"), "不能为负数")
	}
	if g.FlushDebounce.DurationValue() <= 0 {
		return newFieldError(globalField("FlushDebounce"), "必须大于 0")
	}
	if g.SyncConcurrency <= 0 {
		return newFieldError(globalField("SyncConcurrency"), "必须大于 0")
	}
	if g.SoftMissTTL.DurationValue() < 0 {
		return newFieldError(globalField("SoftMissTTL"), "不能为负数")
	}
	return nil
}

func validateDirName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.New("只能是单级目录名")
	}
	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("不能为空")
	}
	if strings.Contains(host, "/") {
		return errors.New("不允许包含路径")
	}
	if strings.Contains(host, " ") {
		return errors.New("不允许包含空格")
	}
	if strings.HasPrefix(host, "http") {
		return errors.New("不应包含协议头")
	}
	return nil
}
