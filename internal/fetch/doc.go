// Package fetch guarantees that a resolved source has a valid local copy.
//
// Passthrough sources (document-root files, managed cache files, local-backed
// volumes) are only checked for existence. Remote URLs and copy-out volumes
// are validated against the size floor and TTL, and refreshed through the
// cache store's staging protocol when needed. Concurrent refreshes of the
// same path inside one process share a single transfer.
package fetch
