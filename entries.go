package mmapcache

import (
	"fmt"
	"time"
)

// Detail selects how much of each entry [Cache.Entries] reports.
type Detail int

const (
	// DetailKeys lists keys only.
	DetailKeys Detail = iota

	// DetailMeta adds insertion time and the dirty flag.
	DetailMeta

	// DetailValues additionally decodes values.
	DetailValues
)

// Entry is one cache entry as reported by [Cache.Entries].
type Entry struct {
	Key string

	// Time is the entry's last insertion time. Zero unless the listing
	// ran with [DetailMeta] or higher.
	Time time.Time

	// Dirty reports a cached write not yet flushed to the backing store.
	Dirty bool

	// Value is the decoded value. Nil unless the listing ran with
	// [DetailValues] (a nil negative-cache value is indistinguishable).
	Value any
}

// Entries produces a point-in-time listing of the cache.
//
// Buckets are walked in sequence, each under its own lock, so the listing
// is per-bucket consistent but not a global snapshot: it may already be
// stale when it returns. Expired entries are skipped.
func (c *Cache) Entries(detail Detail) ([]Entry, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	if detail < DetailKeys || detail > DetailValues {
		return nil, fmt.Errorf("entries detail %d out of range: %w", detail, ErrInvalidInput)
	}

	var out []Entry

	for i := range c.buckets {
		err := c.collectBucket(i, detail, &out)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// collectBucket appends bucket i's live entries to out under the bucket
// lock.
func (c *Cache) collectBucket(i int, detail Detail, out *[]Entry) error {
	unlock, err := c.lockBucket(i)
	if err != nil {
		return err
	}
	defer unlock()

	boff := c.bucketOffset(i)
	now := c.now()

	return c.walkBucket(boff, func(off int, hdr entryHeader) error {
		if c.expirySecs != 0 && now-hdr.Time > c.expirySecs {
			return nil
		}

		key, kerr := c.decodeKey(c.data[off+eheadSize : off+eheadSize+int(hdr.Klen)])
		if kerr != nil {
			return kerr
		}

		entry := Entry{Key: key}

		if detail >= DetailMeta {
			entry.Time = time.Unix(int64(hdr.Time), 0)
			entry.Dirty = hdr.dirty()
		}

		if detail >= DetailValues {
			valStart := off + eheadSize + int(hdr.Klen)

			value, verr := c.decodeValue(c.data[valStart:valStart+int(hdr.Vlen)], false)
			if verr != nil {
				return verr
			}

			entry.Value = value
		}

		*out = append(*out, entry)

		return nil
	})
}

// walkBucket visits every entry in the bucket at boff, with the same
// corruption checks as a keyed search. The caller holds the bucket lock.
func (c *Cache) walkBucket(boff int, visit func(off int, hdr entryHeader) error) error {
	filled := int(getInt32(c.data, boff))
	bucketEnd := boff + c.bucketsize

	pos := boff + bheadSize
	end := pos + filled

	for pos < end {
		if pos >= bucketEnd || pos+eheadSize > bucketEnd {
			return newCorruptionError(c.path, c.data, pos, corruptSuperSized)
		}

		hdr := decodeEntryHeader(c.data, pos)
		if hdr.Size <= 0 {
			return newCorruptionError(c.path, c.data, pos, corruptZeroSized)
		}

		klen, vlen := int(hdr.Klen), int(hdr.Vlen)
		if klen < 0 || vlen < 0 || int(hdr.Size) < eheadSize+klen+vlen || pos+eheadSize+klen+vlen > bucketEnd {
			return newCorruptionError(c.path, c.data, pos, corruptSuperSized)
		}

		err := visit(pos, hdr)
		if err != nil {
			return err
		}

		pos += int(hdr.Size)
	}

	return nil
}

// QuickClear wipes every bucket.
//
// This is the explicitly destructive fast path: it locks only the header
// range and overwrites all bucket bytes with zeros. Dirty entries are NOT
// flushed to the backing store.
func (c *Cache) QuickClear() error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}

	err := lockRange(c.fd, 0, headSize)
	if err != nil {
		return err
	}
	defer func() { _ = unlockAll(c.fd) }()

	body := c.data[c.pagesize:]
	for i := range body {
		body[i] = 0
	}

	return nil
}

// Stats summarizes cache occupancy as observed by [Cache.Stat].
type Stats struct {
	// Entries is the number of physically present entries, expired ones
	// included.
	Entries int

	// DirtyEntries counts entries awaiting writeback.
	DirtyEntries int

	// ExpiredEntries counts entries past their time-to-live that have
	// not been dropped yet.
	ExpiredEntries int

	// BytesUsed sums the filled bytes of all buckets.
	BytesUsed int
}

// Stat walks all buckets and returns occupancy totals. Like
// [Cache.Entries] it is per-bucket consistent, not a global snapshot.
func (c *Cache) Stat() (Stats, error) {
	if err := c.checkOpen(); err != nil {
		return Stats{}, err
	}

	var stats Stats

	for i := range c.buckets {
		err := c.statBucket(i, &stats)
		if err != nil {
			return Stats{}, err
		}
	}

	return stats, nil
}

func (c *Cache) statBucket(i int, stats *Stats) error {
	unlock, err := c.lockBucket(i)
	if err != nil {
		return err
	}
	defer unlock()

	boff := c.bucketOffset(i)
	now := c.now()

	stats.BytesUsed += int(getInt32(c.data, boff))

	return c.walkBucket(boff, func(_ int, hdr entryHeader) error {
		stats.Entries++

		if hdr.dirty() {
			stats.DirtyEntries++
		}

		if c.expirySecs != 0 && now-hdr.Time > c.expirySecs {
			stats.ExpiredEntries++
		}

		return nil
	})
}

// Flush msyncs the mapping (MS_SYNC), pushing dirty pages to stable
// storage. This is a best-effort durability hook; the cache makes no
// crash-consistency promises.
func (c *Cache) Flush() error {
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}

	return syncFile(c.data)
}
