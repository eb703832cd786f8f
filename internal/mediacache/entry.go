package mediacache

import (
	"encoding/json"
	"time"
)

// CacheEntry 是索引中的一条记录，URL 即缓存键。
type CacheEntry struct {
	URL         string
	LocalPath   string
	LastUsed    time.Time
	ContentType string
}

// entryDocument 是 index.json 中的持久化形态，lastUsed 为毫秒时间戳。
type entryDocument struct {
	URL         string `json:"url"`
	LocalPath   string `json:"localPath"`
	LastUsed    int64  `json:"lastUsed"`
	ContentType string `json:"contentType,omitempty"`
}

func (e CacheEntry) MarshalJSON() ([]byte, error) {
	doc := entryDocument{
		URL:         e.URL,
		LocalPath:   e.LocalPath,
		ContentType: e.ContentType,
	}
	if !e.LastUsed.IsZero() {
		doc.LastUsed = e.LastUsed.UnixMilli()
	}
	return json.Marshal(doc)
}

func (e *CacheEntry) UnmarshalJSON(data []byte) error {
	var doc entryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*e = CacheEntry{
		URL:         doc.URL,
		LocalPath:   doc.LocalPath,
		ContentType: doc.ContentType,
	}
	if doc.LastUsed > 0 {
		e.LastUsed = time.UnixMilli(doc.LastUsed)
	}
	return nil
}
