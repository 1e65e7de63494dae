package mmapcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a handle to an open cache file.
//
// A Cache must be obtained via [Open]; the zero value is not usable. The
// handle owns the open file descriptor and the mapped region; release both
// with [Cache.Close].
//
// Operations on one handle are safe for concurrent use by multiple
// goroutines: each operation serializes on the file's in-process registry
// mutex before taking the cross-process bucket lock.
type Cache struct {
	_ [0]func() // prevent external construction

	// mu protects closed. Held only at operation entry and during Close.
	mu sync.Mutex

	fd   int
	data []byte
	path string

	// Geometry and flags, authoritative from the on-disk header.
	buckets    int
	bucketsize int
	pagesize   int
	strings    bool

	expiry     time.Duration
	expirySecs int32

	// ctx is the opaque callback context; replaceable at runtime.
	ctx atomic.Pointer[any]

	readFn        ReadFunc
	writeFn       WriteFunc
	deleteFn      DeleteFunc
	cacheNegative bool
	writeback     bool
	codec         Codec

	identity fileIdentity
	registry *registryEntry

	closed bool
}

// Open opens or creates a cache file at path.
//
// A new file is laid out with the caller's geometry; an existing file's
// on-disk geometry and Strings flag override the caller's, so the
// accessors may report different values than the options carried. Header
// initialization runs under an exclusive lock on the header range, so
// exactly one process lays out a freshly created file.
//
// Possible errors:
//   - [ErrInvalidInput]: invalid options
//   - [ErrNotCacheFile]: existing file without the cache magic
//   - [ErrUnsupportedVersion]: format version other than 1
//   - [ErrCorrupt]: header carries nonsensical geometry
//   - I/O errors from open, extend, lock or mmap, wrapped with context
func Open(path string, opts Options) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	fd, err := openOrCreate(path, opts.Permissions)
	if err != nil {
		return nil, err
	}

	identity, err := getFileIdentity(fd)
	if err != nil {
		// No registry entry exists to serialize against here; with the
		// identity unknown there is no way to find one either.
		_ = closeFD(fd)

		return nil, err
	}

	registry := acquireRegistryEntry(identity)

	c, err := initUnderHeaderLock(fd, path, registry, opts)
	if err != nil {
		releaseRegistryEntry(identity)

		return nil, err
	}

	c.identity = identity

	return c, nil
}

// initUnderHeaderLock performs header validation, file sizing and the
// mmap, all under the exclusive header lock. The lock is released on every
// exit path, and on error the descriptor is closed before the registry
// mutex drops: POSIX record locks die with any close of any descriptor of
// the file, so a stray close outside the mutex could strip a lock another
// handle of this process is relying on.
func initUnderHeaderLock(fd int, path string, registry *registryEntry, opts Options) (cache *Cache, err error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	defer func() {
		_ = unlockAll(fd)

		if err != nil {
			_ = closeFD(fd)
		}
	}()

	err = lockRange(fd, 0, headSize)
	if err != nil {
		return nil, err
	}

	size, err := fileSize(fd)
	if err != nil {
		return nil, err
	}

	// An existing header dictates geometry; caller options only shape a
	// fresh file. Files shorter than the header (including empty ones
	// just created) are initialized from scratch.
	fresh := size < headSize

	if !fresh {
		hdr, err := readHeader(fd)
		if err != nil {
			return nil, err
		}

		opts.Buckets = int(hdr.Buckets)
		opts.BucketSize = int(hdr.BucketSize)
		opts.PageSize = int(hdr.PageSize)
		opts.Strings = hdr.Flags&flagStrings != 0
	}

	total := int64(opts.PageSize) + int64(opts.Buckets)*int64(opts.BucketSize)
	if total <= 0 || total > maxCacheFileSize {
		return nil, fmt.Errorf("header geometry implies %d-byte file: %w", total, ErrCorrupt)
	}

	err = ensureSize(fd, total)
	if err != nil {
		return nil, err
	}

	if fresh {
		hdr := fileHeader{
			Magic:      cacheMagic,
			Buckets:    int32(opts.Buckets),
			BucketSize: int32(opts.BucketSize),
			PageSize:   int32(opts.PageSize),
			Version:    formatVersion,
		}
		if opts.Strings {
			hdr.Flags |= flagStrings
		}

		err = writeHeader(fd, hdr)
		if err != nil {
			return nil, err
		}
	}

	data, err := mapFile(fd, int(total))
	if err != nil {
		return nil, err
	}

	c := &Cache{
		fd:            fd,
		data:          data,
		path:          path,
		buckets:       opts.Buckets,
		bucketsize:    opts.BucketSize,
		pagesize:      opts.PageSize,
		strings:       opts.Strings,
		expiry:        opts.Expiry,
		expirySecs:    expirySeconds(opts.Expiry),
		readFn:        opts.Read,
		writeFn:       opts.Write,
		deleteFn:      opts.Delete,
		cacheNegative: opts.CacheNegative,
		writeback:     opts.Writeback,
		codec:         opts.Codec,
		registry:      registry,
	}
	c.ctx.Store(&opts.Context)

	return c, nil
}

// readHeader reads and validates the fixed-width file header.
func readHeader(fd int) (fileHeader, error) {
	buf := make([]byte, headSize)

	err := preadFull(fd, buf, 0)
	if err != nil {
		return fileHeader{}, fmt.Errorf("read header: %w", err)
	}

	hdr := decodeHeader(buf)

	if hdr.Magic != cacheMagic {
		return fileHeader{}, ErrNotCacheFile
	}

	if hdr.Version != formatVersion {
		return fileHeader{}, fmt.Errorf("file has format v%d: %w", hdr.Version, ErrUnsupportedVersion)
	}

	if hdr.Buckets <= 0 || hdr.BucketSize <= 0 || hdr.PageSize < headSize {
		return fileHeader{}, fmt.Errorf("header geometry buckets=%d bucketsize=%d pagesize=%d: %w",
			hdr.Buckets, hdr.BucketSize, hdr.PageSize, ErrCorrupt)
	}

	return hdr, nil
}

// writeHeader persists a fresh header: the six defined words followed by
// zero padding to headSize.
func writeHeader(fd int, hdr fileHeader) error {
	err := pwriteFull(fd, encodeHeader(hdr), 0)
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	return nil
}

// Close unmaps the file and closes the descriptor.
//
// After Close, all other methods return [ErrClosed]. Close is idempotent;
// subsequent calls are no-ops. Dirty entries are not flushed: in writeback
// mode they stay in the file and flush whenever a later open evicts them.
func (c *Cache) Close() error {
	// Taking the registry mutex first lets in-flight operations of this
	// process finish against a valid mapping before it disappears.
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	err := unmapFile(c.data)
	c.data = nil

	if cerr := closeFD(c.fd); err == nil {
		err = cerr
	}

	c.fd = -1

	releaseRegistryEntry(c.identity)

	return err
}

// checkOpen reports ErrClosed once Close has run.
func (c *Cache) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	return nil
}

// lockBucket serializes on the in-process registry mutex and then takes
// the cross-process byte-range lock covering bucket i. The returned
// function releases both and must run on every exit path, panics
// included.
func (c *Cache) lockBucket(i int) (func(), error) {
	c.registry.mu.Lock()

	// Re-check under the registry mutex: Close serializes on it, so the
	// mapping is valid for as long as we hold it.
	if err := c.checkOpen(); err != nil {
		c.registry.mu.Unlock()

		return nil, err
	}

	err := lockRange(c.fd, int64(c.bucketOffset(i)), int64(c.bucketsize))
	if err != nil {
		c.registry.mu.Unlock()

		return nil, err
	}

	return func() {
		_ = unlockAll(c.fd)
		c.registry.mu.Unlock()
	}, nil
}

// contextValue returns the current callback context.
func (c *Cache) contextValue() any {
	return *c.ctx.Load()
}

// Accessors for the configured (and, for geometry, on-disk) parameters.

// Buckets returns the number of buckets in the file.
func (c *Cache) Buckets() int { return c.buckets }

// BucketSize returns the bucket size in bytes.
func (c *Cache) BucketSize() int { return c.bucketsize }

// PageSize returns the header/alignment unit in bytes.
func (c *Cache) PageSize() int { return c.pagesize }

// Strings reports whether the cache stores raw byte strings.
func (c *Cache) Strings() bool { return c.strings }

// Expiry returns the configured time-to-live; 0 means no expiry.
func (c *Cache) Expiry() time.Duration { return c.expiry }

// Writeback reports whether backing-store flushes are deferred to
// eviction.
func (c *Cache) Writeback() bool { return c.writeback }

// CacheNegative reports whether backing-store misses are cached.
func (c *Cache) CacheNegative() bool { return c.cacheNegative }

// Path returns the cache file path.
func (c *Cache) Path() string { return c.path }

// Context returns the opaque value passed to callbacks.
func (c *Cache) Context() any { return c.contextValue() }

// SetContext replaces the opaque value passed to callbacks.
func (c *Cache) SetContext(ctx any) {
	c.ctx.Store(&ctx)
}
