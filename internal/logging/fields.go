package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// MediaFields 描述一次缓存操作涉及的原始 URL 与规范化后的缓存键。
func MediaFields(action, rawURL, cacheKey string) logrus.Fields {
	fields := logrus.Fields{
		"action": action,
		"url":    rawURL,
	}
	if cacheKey != "" && cacheKey != rawURL {
		fields["cache_key"] = cacheKey
	}
	return fields
}

// RequestFields 提供 HTTP 请求日志的公共字段。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
	}
}
