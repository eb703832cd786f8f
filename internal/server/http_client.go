package server

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/media-cache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置连接级超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回用于媒体下载的共享 http.Client。
//
// 不设置 Client.Timeout：大文件下载可能持续很久，无进展超时由下载器按
// DownloadTimeout 自行控制。响应头超时沿用 DownloadTimeout。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	if cfg != nil && cfg.Global.DownloadTimeout.DurationValue() > 0 {
		transport.ResponseHeaderTimeout = cfg.Global.DownloadTimeout.DurationValue()
	}
	return &http.Client{
		Transport: transport,
	}
}
