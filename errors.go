package mmapcache

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Sentinel errors returned by mmapcache operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, mmapcache.ErrCorrupt) {
//	    os.Remove(path)
//	    // recreate cache
//	}
var (
	// ErrInvalidInput indicates invalid options or arguments.
	//
	// Common causes: negative geometry values, PageSize below the
	// header size, a negative expiry, a non-string value on a strings
	// cache.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("mmapcache: invalid input")

	// ErrNotCacheFile indicates the file exists but does not start with
	// the cache magic number.
	//
	// Recovery: point the cache at a different path, or delete the file.
	ErrNotCacheFile = errors.New("mmapcache: not a valid cache file")

	// ErrUnsupportedVersion indicates the file carries a format version
	// other than 1.
	//
	// Recovery: upgrade mmapcache, or delete and recreate the cache.
	ErrUnsupportedVersion = errors.New("mmapcache: only supports format v1")

	// ErrCorrupt indicates damaged bucket contents, or a file header whose
	// geometry is nonsensical.
	//
	// For damaged bucket contents the error chain carries a
	// [*CorruptionError] with the file name, offset and a hex dump of the
	// surrounding bytes; the header case carries no such value.
	//
	// Recovery: delete and recreate the cache.
	ErrCorrupt = errors.New("mmapcache: corrupt")

	// ErrClosed indicates the [Cache] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("mmapcache: closed")
)

// Corruption kinds reported by [CorruptionError].
const (
	// corruptZeroSized: an entry header reports size == 0, so the bucket
	// walk cannot make progress.
	corruptZeroSized = "zero-sized"

	// corruptSuperSized: an entry claims to extend past the end of its
	// bucket.
	corruptSuperSized = "super-sized"
)

// CorruptionError describes a damaged entry found during a bucket walk.
//
// It wraps [ErrCorrupt], so errors.Is(err, ErrCorrupt) matches.
type CorruptionError struct {
	// Path is the cache file the corruption was found in.
	Path string

	// Offset is the byte offset of the damaged entry within the file.
	Offset int64

	// Kind is a short classifier ("zero-sized" or "super-sized").
	Kind string

	// Dump is a hex dump of the bytes surrounding Offset.
	Dump string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("mmapcache: %s entry in %s at offset 0x%x: corrupt\n%s",
		e.Kind, e.Path, e.Offset, e.Dump)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorrupt
}

// corruptionContext is the number of bytes dumped on each side of a
// corrupt entry offset.
const corruptionContext = 64

// newCorruptionError builds a CorruptionError for the entry at off,
// including a hex dump of the surrounding mapped bytes.
func newCorruptionError(path string, data []byte, off int, kind string) *CorruptionError {
	lo := max(off-corruptionContext, 0)
	hi := min(off+corruptionContext, len(data))

	return &CorruptionError{
		Path:   path,
		Offset: int64(off),
		Kind:   kind,
		Dump:   hex.Dump(data[lo:hi]),
	}
}
