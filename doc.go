// Package mmapcache provides a shared, persistent, fixed-size key/value
// cache backed by a single memory-mapped file.
//
// Multiple independent processes may open the same file and read or mutate
// it concurrently; mutual exclusion is per-bucket, using byte-range advisory
// locks (fcntl) held on the file itself. The cache can sit in front of a
// user-supplied backing store and transparently pulls values on miss, writes
// values through on update (or lazily on eviction), and removes values on
// delete.
//
// # Basic Usage
//
//	cache, err := mmapcache.Open("/tmp/my.cache", mmapcache.Options{
//	    Buckets:    89,
//	    BucketSize: 4096,
//	})
//	if err != nil {
//	    // handle ErrNotCacheFile / ErrUnsupportedVersion by deleting
//	    // and recreating, ErrInvalidInput by fixing the options
//	}
//	defer cache.Close()
//
//	err = cache.Write("answer", 42)
//	v, found, err := cache.Read("answer")
//
// # Geometry
//
// The file consists of a header page followed by a fixed number of
// equal-sized buckets. Geometry (Buckets, BucketSize, PageSize) and the
// Strings flag are fixed when the file is created; opening an existing file
// adopts the on-disk values and ignores the caller's.
//
// Within a bucket, entries are kept in rough most-recently-used order: a
// read moves the hit entry one slot toward the bucket head, and overflow
// evicts from the tail. An entry larger than a bucket's capacity is never
// cached.
//
// # Backing store
//
// The Read, Write and Delete callbacks in [Options] connect the cache to an
// authoritative data source. They are invoked while the bucket lock is held,
// so a slow callback blocks that bucket, and a callback must never re-enter
// the same cache. See [ReadFunc], [WriteFunc], [DeleteFunc].
//
// # Concurrency
//
// Every bucket access, reads included, takes that bucket's exclusive
// byte-range lock; there is no shared-read mode. POSIX record locks are
// per-process, so handles of the same file within one process additionally
// serialize through a process-wide per-file mutex. At most one lock is held
// at a time, and locks are released on all exit paths, including panics
// raised by user callbacks.
//
// # Error Handling
//
// Sentinel errors are checked with [errors.Is]: [ErrInvalidInput] for bad
// options, [ErrNotCacheFile] and [ErrUnsupportedVersion] for foreign or
// newer files, [ErrCorrupt] for damaged bucket contents (the error chain
// carries a [*CorruptionError] with offset and hex dump) or a header with
// nonsensical geometry, [ErrClosed] after Close. Errors returned by user callbacks propagate unchanged.
//
// mmapcache is not crash-consistent: a process killed mid-mutation can
// leave one bucket inconsistent until it is next overwritten. It is a
// cache, not a database of record.
package mmapcache
