package mmapcache

import (
	"fmt"
	"os"
	"time"
)

// Callback signatures connecting the cache to a backing store. All three
// run while the bucket lock is held; they must not re-enter the same cache
// and should not block on resources another cache operation might hold.

// ReadFunc fetches a value from the backing store on cache miss.
//
// It returns the value and whether the key exists. An error propagates to
// the caller of [Cache.Read] unchanged.
type ReadFunc func(key string, context any) (any, bool, error)

// WriteFunc commits a value to the backing store. It runs synchronously
// from [Cache.Write] in write-through mode, otherwise when a dirty entry
// is evicted.
type WriteFunc func(key string, value any, context any) error

// DeleteFunc removes a key from the backing store. It is called by
// [Cache.Delete] when the cached entry exists and is clean; a dirty
// entry's value was never committed, so there is nothing to delete there.
type DeleteFunc func(key string, value any, context any) error

// Defaults applied by [Open] for zero-valued options.
const (
	DefaultBuckets    = 13
	DefaultBucketSize = 1024
	DefaultPageSize   = 1024

	defaultPermissions = os.FileMode(0o600)
)

// Options configures opening or creating a cache file.
//
// Geometry fields (Buckets, BucketSize, PageSize) and Strings apply only
// when the file is created; opening an existing file adopts the on-disk
// values and the accessors report those.
type Options struct {
	// Buckets is the number of buckets for a newly created file.
	//
	// Default 13.
	Buckets int

	// BucketSize is the bucket size in bytes for a newly created file,
	// rounded up to the next multiple of PageSize.
	//
	// Default 1024. A single entry occupies 40 bytes of header plus its
	// encoded key and value; anything larger than BucketSize-40 is never
	// cached.
	BucketSize int

	// PageSize is the size of the header page and the alignment unit for
	// buckets. Must be at least 40.
	//
	// Default 1024.
	PageSize int

	// Strings stores values as raw byte strings instead of running them
	// through the codec. Persisted in the file header.
	Strings bool

	// Expiry is the time-to-live for cache entries; 0 disables expiry.
	// On-disk granularity is whole seconds (sub-second values round up).
	//
	// An expired clean entry is reported as missing and removed on the
	// read that observes it. Expired dirty entries are still returned
	// and are written back on eviction as usual.
	Expiry time.Duration

	// Permissions is the POSIX mode for a newly created file.
	//
	// Default 0600.
	Permissions os.FileMode

	// Context is an opaque value passed to every callback. It can be
	// read and replaced later via [Cache.Context] and [Cache.SetContext].
	Context any

	// Read, Write, Delete connect the cache to a backing store. All are
	// optional; a nil Write in writeback mode means evicted dirty
	// entries are simply discarded.
	Read   ReadFunc
	Write  WriteFunc
	Delete DeleteFunc

	// CacheNegative caches backing-store misses, so subsequent reads of
	// an absent key skip the store until the negative entry expires or
	// is evicted.
	CacheNegative bool

	// Writeback defers flushing to the backing store until eviction.
	// The default (false) is write-through: the Write callback runs
	// synchronously from [Cache.Write].
	Writeback bool

	// Codec serializes structured values. Ignored on strings caches.
	//
	// Default [JSONCodec].
	Codec Codec
}

// withDefaults validates opts and fills in defaults. Geometry values must
// be positive; zero means "use the default".
func (o Options) withDefaults() (Options, error) {
	if o.Buckets < 0 {
		return o, fmt.Errorf("buckets must be positive, got %d: %w", o.Buckets, ErrInvalidInput)
	}

	if o.BucketSize < 0 {
		return o, fmt.Errorf("bucketsize must be positive, got %d: %w", o.BucketSize, ErrInvalidInput)
	}

	if o.PageSize < 0 {
		return o, fmt.Errorf("pagesize must be positive, got %d: %w", o.PageSize, ErrInvalidInput)
	}

	if o.Expiry < 0 {
		return o, fmt.Errorf("expiry must not be negative, got %v: %w", o.Expiry, ErrInvalidInput)
	}

	if o.Buckets == 0 {
		o.Buckets = DefaultBuckets
	}

	if o.BucketSize == 0 {
		o.BucketSize = DefaultBucketSize
	}

	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}

	if o.PageSize < headSize {
		return o, fmt.Errorf("pagesize %d is below the %d-byte header: %w", o.PageSize, headSize, ErrInvalidInput)
	}

	// Geometry must fit the signed 32-bit header words and int offsets.
	if o.Buckets > maxBuckets {
		return o, fmt.Errorf("buckets %d exceeds max %d: %w", o.Buckets, maxBuckets, ErrInvalidInput)
	}

	if o.BucketSize > maxBucketSize {
		return o, fmt.Errorf("bucketsize %d exceeds max %d: %w", o.BucketSize, maxBucketSize, ErrInvalidInput)
	}

	if o.PageSize > maxBucketSize {
		return o, fmt.Errorf("pagesize %d exceeds max %d: %w", o.PageSize, maxBucketSize, ErrInvalidInput)
	}

	// Round the bucket size up to the next multiple of the page size.
	if rem := o.BucketSize % o.PageSize; rem != 0 {
		o.BucketSize += o.PageSize - rem
	}

	if o.Permissions == 0 {
		o.Permissions = defaultPermissions
	}

	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}

	total := int64(o.PageSize) + int64(o.Buckets)*int64(o.BucketSize)
	if total > maxCacheFileSize {
		return o, fmt.Errorf("file size %d exceeds max %d: %w", total, maxCacheFileSize, ErrInvalidInput)
	}

	return o, nil
}

// expirySeconds converts the configured expiry to whole on-disk seconds,
// rounding sub-second values up so a tiny positive expiry still expires.
func expirySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}

	secs := (d + time.Second - 1) / time.Second

	return int32(secs)
}

// Hardcoded implementation limits.
//
// These keep the 32-bit header arithmetic and the mmap length (an int)
// safely away from overflow boundaries.
const (
	maxBuckets       = 1 << 24        // 16M buckets
	maxBucketSize    = 1 << 28        // 256 MiB per bucket / header page
	maxCacheFileSize = int64(1) << 35 // 32 GiB file
)
