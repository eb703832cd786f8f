// Package refsync reconciles the media cache against a list of referenced
// URLs: it downloads what is missing with bounded concurrency, remembers
// recent 404s for a while, and evicts everything no longer referenced.
package refsync
