package refsync

import (
	"strings"
	"testing"
)

func TestReadURLList(t *testing.T) {
	input := `
# 首页轮播
https://a.example/one.mp4
   https://a.example/two.jpg

#https://a.example/disabled.mp4
https://stream.mux.com/abc/hls.m3u8
`
	urls, err := ReadURLList(strings.NewReader(input))
	if err != nil {
		t.Fatalf("read list: %v", err)
	}
	want := []string{
		"https://a.example/one.mp4",
		"https://a.example/two.jpg",
		"https://stream.mux.com/abc/hls.m3u8",
	}
	if len(urls) != len(want) {
		t.Fatalf("expected %d urls, got %v", len(want), urls)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Fatalf("url %d = %s, want %s", i, urls[i], want[i])
		}
	}
}
