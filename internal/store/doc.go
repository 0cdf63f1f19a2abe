// Package store provides the versioned store underneath snapdb transactions.
//
// A store is identified by its canonical file path and is shared by every
// transaction in the process through a reference-counted registry. It keeps:
//   - The latest committed Snapshot and any older versions still pinned
//   - The store-wide write lock (in-process semaphore plus flock on .lock)
//   - The durable engine: SQLite for Full durability, nothing for MemoryOnly
//
// # Versions
//
// Every commit is stamped with the next sequence number. Snapshots are
// immutable and share structure (github.com/benbjohnson/immutable), so
// pinning a version is O(1) and readers never block writers.
//
// Unpinned versions beyond Config.RetainVersions are reclaimed after each
// commit or release; pinning a reclaimed version fails with
// VersionUnavailable.
//
// # Files
//
//   - <path>          SQLite database (WAL mode)
//   - <path>.lock     exclusive flock while writing
//   - <path>.lock_a   shared flock while open; compact/delete need it exclusively
//   - <path>.lock_b   legacy auxiliary lock, removed on delete
//   - <path>.log      commit journal, one JSON line per commit
//
// # Encryption
//
// A 64-byte key seals every row payload with XChaCha20-Poly1305 (first 32
// bytes) and is fingerprinted with keyed BLAKE3 (last 32 bytes) so a wrong
// key is detected at open.
package store
