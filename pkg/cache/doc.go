// Package cache stores synthesized audio keyed by a hash of the request
// parameters that determine it.
//
// Entries are tracked in recency order by github.com/hashicorp/golang-lru
// and evicted oldest-first once the total payload size exceeds MaxBytes or
// the entry count exceeds MaxEntries. Entries older than TTL are treated as
// misses and removed on access or by PruneExpired.
//
// With a Dir the payloads live on disk, one file per entry, and the index
// is rebuilt from the directory on startup. Without one they are held in
// memory.
package cache
