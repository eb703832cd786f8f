package mediacache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

const (
	manifestExt        = ".m3u8"
	staticRendition    = "highest.mp4"
	defaultVideoExt    = "mp4"
	defaultImageExt    = "jpg"
	fileNameHashLength = 16
)

var videoExts = []string{"mp4", "webm", "mov", "avi", "mkv"}

var imageExts = []string{"jpg", "jpeg", "png", "gif", "webp", "svg", "avif"}

// imagePathMarkers 是常见图床的路径约定。
var imagePathMarkers = []string{"/image/", "/images/", "/img/", "/photo/", "/photos/", "/thumbnails/"}

var imageHosts = []string{
	"images.unsplash.com",
	"plus.unsplash.com",
	"i.imgur.com",
	"res.cloudinary.com",
	"images.pexels.com",
	"cdn.pixabay.com",
	"image.mux.com",
	"i.ytimg.com",
}

// NormalizeKey 将任意媒体 URL 规范化为缓存键。第二个返回值为 false 表示该 URL
// 不可缓存（非流媒体平台的 HLS 清单），调用方不应尝试下载或查询。
//
// streamHost 命中时，同一 playback id 的清单、旧版直链与静态转码三种形式都会
// 折叠为 https://<streamHost>/<id>/highest.mp4；无法提取 id 时原样返回。
func NormalizeKey(rawURL, streamHost string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err == nil && isStreamHost(parsed, streamHost) {
		if id := playbackID(parsed); id != "" {
			return canonicalStreamURL(streamHost, id), true
		}
		return rawURL, true
	}

	if isManifest(rawURL, parsed, err) {
		return "", false
	}
	return rawURL, true
}

func isStreamHost(parsed *url.URL, streamHost string) bool {
	if streamHost == "" || parsed == nil {
		return false
	}
	return strings.Contains(strings.ToLower(parsed.Host), streamHost)
}

// playbackID 取 host 之后的第一个路径段，兼容 /<id>.m3u8 的清单写法。
func playbackID(parsed *url.URL) string {
	trimmed := strings.TrimPrefix(parsed.Path, "/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if strings.HasSuffix(strings.ToLower(trimmed), manifestExt) {
		trimmed = trimmed[:len(trimmed)-len(manifestExt)]
	}
	return trimmed
}

func canonicalStreamURL(streamHost, id string) string {
	return "https://" + streamHost + "/" + id + "/" + staticRendition
}

func isManifest(rawURL string, parsed *url.URL, parseErr error) bool {
	p := rawURL
	if parseErr == nil && parsed != nil {
		p = parsed.Path
	} else if idx := strings.IndexAny(p, "?#"); idx >= 0 {
		p = p[:idx]
	}
	return strings.HasSuffix(strings.ToLower(p), manifestExt)
}

// FileName 根据已规范化的缓存键生成稳定的本地文件名：<hash>.<ext>。
func FileName(cacheKey string) string {
	return hashKey(cacheKey) + "." + fileExtension(cacheKey)
}

// hashKey 取 SHA-256 的前 16 字节，32 位十六进制足以避免碰撞。
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:fileNameHashLength])
}

func fileExtension(cacheKey string) string {
	parsed, err := url.Parse(cacheKey)
	if err != nil {
		return defaultVideoExt
	}

	p := strings.ToLower(parsed.Path)
	for _, ext := range videoExts {
		if strings.HasSuffix(p, "."+ext) {
			return ext
		}
	}
	for _, ext := range imageExts {
		if strings.HasSuffix(p, "."+ext) {
			return ext
		}
	}

	if looksLikeImage(parsed) {
		return defaultImageExt
	}
	return defaultVideoExt
}

func looksLikeImage(parsed *url.URL) bool {
	host := strings.ToLower(parsed.Hostname())
	for _, known := range imageHosts {
		if host == known {
			return true
		}
	}
	if strings.HasPrefix(host, "images.") || strings.HasPrefix(host, "img.") {
		return true
	}

	p := strings.ToLower(parsed.Path)
	for _, marker := range imagePathMarkers {
		if strings.Contains(p, marker) {
			return true
		}
	}
	return false
}
