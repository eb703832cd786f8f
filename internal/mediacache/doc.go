// Package mediacache maps remote media URLs to files in a local cache
// directory. It normalizes URLs to cache keys (collapsing the several URL shapes
// a stream platform uses for one playback id), downloads and persists media,
// answers lookups without network activity, and evicts entries that are no
// longer referenced by the application.
//
// The index is kept in memory and mirrored to <cacheDir>/index.json. Mutations
// that must survive a crash (a committed download, an eviction) are flushed
// immediately; last-used bookkeeping is coalesced behind a debounce window.
package mediacache
