// Package server hosts the Fiber HTTP service that sits in front of the media
// cache: it serves cached files by name, redirects resolve requests either to
// the local copy or back to the origin, and stamps every response with a
// request id. Diagnostics routes live in the routes subpackage so the core app
// stays testable with a fake MediaSource.
package server
