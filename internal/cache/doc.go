// Package cache owns the on-disk layout of the media cache directory. Media
// bodies live as flat <name> files next to a single JSON index snapshot; both
// are written through temp file + rename so a crash never leaves a truncated
// file under its final name. Higher layers (mediacache) decide what to store
// and when to persist; this package only guarantees the filesystem semantics.
package cache
