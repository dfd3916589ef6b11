// Package cache defines the disk-backed store that holds local copies of remote
// and volume images under RuntimePath/<namespace>/<path>. The store exposes
// stat and staging primitives with safe semantics (unique temp file + rename),
// the validity checker that decides when a copy must be refreshed (size floor
// and mtime-based TTL), and the registry that records which paths hold
// fetched content so an external cleanup job knows what it may evict.
package cache
