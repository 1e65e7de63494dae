package mmapcache

import "time"

// Bucket engine. Every function in this file must be called with the
// bucket's exclusive lock held (registry mutex + fcntl range, see
// registry.go); none of them lock on their own.
//
// Bucket layout: a bheadSize-byte bucket header whose first word is
// `filled` (bytes of live entries), then packed variable-length entries.
// The entry at the lowest offset is the bucket head and the most recently
// touched; reads drift a hit entry one slot toward the head, inserts
// prepend, and overflow evicts from the tail.

// bucketOffset returns the file offset of bucket i.
func (c *Cache) bucketOffset(i int) int {
	return c.pagesize + i*c.bucketsize
}

// bucketCapacity is the number of entry bytes a bucket can hold.
func (c *Cache) bucketCapacity() int {
	return c.bucketsize - bheadSize
}

// now is the wall clock stored in entry headers.
func (c *Cache) now() int32 {
	return int32(time.Now().Unix())
}

// findResult describes the outcome of a bucket walk for one key.
type findResult struct {
	found bool

	// expired is set when the entry's age exceeds the configured expiry.
	// Callers decide what that means: Read drops clean expired entries
	// but returns dirty ones, Delete ignores expiry.
	expired bool

	// prevOff is the file offset of the preceding entry, or 0 when the
	// found entry is the bucket head.
	prevOff int

	// off is the file offset of the found entry.
	off int

	hdr entryHeader
}

// findEntry walks the bucket at boff looking for key. The walk validates
// every entry header it crosses: a zero size or an entry reaching past the
// bucket end is a fatal CorruptionError.
func (c *Cache) findEntry(boff int, key string) (findResult, error) {
	filled := int(getInt32(c.data, boff))
	bucketEnd := boff + c.bucketsize

	pos := boff + bheadSize
	end := pos + filled
	prev := 0
	now := c.now()

	for pos < end {
		if pos >= bucketEnd || pos+eheadSize > bucketEnd {
			return findResult{}, newCorruptionError(c.path, c.data, pos, corruptSuperSized)
		}

		hdr := decodeEntryHeader(c.data, pos)
		if hdr.Size <= 0 {
			return findResult{}, newCorruptionError(c.path, c.data, pos, corruptZeroSized)
		}

		klen, vlen := int(hdr.Klen), int(hdr.Vlen)
		if klen < 0 || vlen < 0 || int(hdr.Size) < eheadSize+klen+vlen || pos+eheadSize+klen+vlen > bucketEnd {
			return findResult{}, newCorruptionError(c.path, c.data, pos, corruptSuperSized)
		}

		k, err := c.decodeKey(c.data[pos+eheadSize : pos+eheadSize+klen])
		if err != nil {
			return findResult{}, err
		}

		if k == key {
			expired := c.expirySecs != 0 && now-hdr.Time > c.expirySecs

			return findResult{
				found:   true,
				expired: expired,
				prevOff: prev,
				off:     pos,
				hdr:     hdr,
			}, nil
		}

		prev = pos
		pos += int(hdr.Size)
	}

	return findResult{}, nil
}

// entryValue decodes the value bytes of the entry described by fr.
func (c *Cache) entryValue(fr findResult) (any, error) {
	start := fr.off + eheadSize + int(fr.hdr.Klen)

	return c.decodeValue(c.data[start:start+int(fr.hdr.Vlen)], false)
}

// removeEntry splices the entry described by fr out of its bucket: the
// tail shifts left by the entry's size, the freed bytes are zeroed, and
// filled shrinks.
func (c *Cache) removeEntry(boff int, fr findResult) {
	filled := int(getInt32(c.data, boff))
	size := int(fr.hdr.Size)

	// A corrupt filled value must not push the shift past the bucket.
	entriesEnd := min(boff+bheadSize+filled, boff+c.bucketsize)
	copy(c.data[fr.off:], c.data[fr.off+size:entriesEnd])

	freed := c.data[entriesEnd-size : entriesEnd]
	for i := range freed {
		freed[i] = 0
	}

	putInt32(c.data, boff, int32(filled-size))
}

// promoteEntry swaps the entry described by fr with its predecessor, so
// the hit entry moves one slot toward the bucket head. Swapping adjacent
// ranges is deliberately cheap and local; a move-to-front would shift the
// whole bucket on every read.
func (c *Cache) promoteEntry(fr findResult) {
	prevSize := int(getInt32(c.data, fr.prevOff+entOffSize))
	size := int(fr.hdr.Size)

	tmp := make([]byte, prevSize+size)
	copy(tmp, c.data[fr.off:fr.off+size])
	copy(tmp[size:], c.data[fr.prevOff:fr.prevOff+prevSize])
	copy(c.data[fr.prevOff:], tmp)
}

// insertEntry prepends a new entry built from the encoded key and value to
// the bucket at boff, evicting from the tail when the bucket overflows.
// Evicted dirty entries are flushed through the Write callback first when
// one is configured and the cache runs in writeback mode. An entry larger
// than the bucket's capacity is silently not stored.
func (c *Cache) insertEntry(boff int, keyEnc, valEnc []byte, isWrite bool) error {
	size := eheadSize + len(keyEnc) + len(valEnc)
	capacity := c.bucketCapacity()

	if size > capacity {
		return nil
	}

	var flags int32
	if isWrite && c.writeback {
		flags |= entryDirty
	}

	filled := int(getInt32(c.data, boff))
	if filled < 0 || filled > capacity {
		return newCorruptionError(c.path, c.data, boff, corruptSuperSized)
	}

	// Assemble the new bucket content off to the side: new entry first,
	// then the existing entries. The mapping is only touched once the
	// eviction walk (and any writeback callbacks) have finished.
	combined := make([]byte, size+filled)
	encodeEntryHeader(combined, 0, entryHeader{
		Size:  int32(size),
		Time:  c.now(),
		Klen:  int32(len(keyEnc)),
		Vlen:  int32(len(valEnc)),
		Flags: flags,
	})
	copy(combined[eheadSize:], keyEnc)
	copy(combined[eheadSize+len(keyEnc):], valEnc)
	copy(combined[size:], c.data[boff+bheadSize:boff+bheadSize+filled])

	newFilled := len(combined)

	if newFilled > capacity {
		cutoff, err := c.evictionCutoff(boff, combined, capacity, size)
		if err != nil {
			return err
		}

		err = c.flushEvictees(boff, combined, cutoff, size)
		if err != nil {
			return err
		}

		newFilled = cutoff
	}

	putInt32(c.data, boff, int32(newFilled))
	copy(c.data[boff+bheadSize:], combined[:newFilled])

	return nil
}

// evictionCutoff walks the assembled bucket content and returns the last
// entry boundary that still fits within capacity. Entries at or beyond the
// cutoff are the evictees.
func (c *Cache) evictionCutoff(boff int, combined []byte, capacity, newEntrySize int) (int, error) {
	cur := 0

	for cur < len(combined) {
		if cur+eheadSize > len(combined) {
			break
		}

		esize := int(getInt32(combined, cur+entOffSize))
		if esize <= 0 {
			return 0, newCorruptionError(c.path, c.data, combinedToFileOffset(boff, cur, newEntrySize), corruptZeroSized)
		}

		if cur+esize > capacity {
			break
		}

		cur += esize
	}

	return cur, nil
}

// flushEvictees runs the writeback callback for every dirty evictee at or
// beyond cutoff. Field order follows the entry header schema: size, time,
// klen, vlen, flags.
func (c *Cache) flushEvictees(boff int, combined []byte, cutoff, newEntrySize int) error {
	flush := c.writeFn != nil && c.writeback

	for cur := cutoff; cur+eheadSize <= len(combined); {
		hdr := decodeEntryHeader(combined, cur)
		if hdr.Size <= 0 {
			return newCorruptionError(c.path, c.data, combinedToFileOffset(boff, cur, newEntrySize), corruptZeroSized)
		}

		entryEnd := cur + int(hdr.Size)
		klen, vlen := int(hdr.Klen), int(hdr.Vlen)

		if entryEnd > len(combined) || klen < 0 || vlen < 0 || cur+eheadSize+klen+vlen > len(combined) {
			return newCorruptionError(c.path, c.data, combinedToFileOffset(boff, cur, newEntrySize), corruptSuperSized)
		}

		if flush && hdr.dirty() {
			key, err := c.decodeKey(combined[cur+eheadSize : cur+eheadSize+int(hdr.Klen)])
			if err != nil {
				return err
			}

			valStart := cur + eheadSize + int(hdr.Klen)

			value, err := c.decodeValue(combined[valStart:valStart+int(hdr.Vlen)], false)
			if err != nil {
				return err
			}

			err = c.writeFn(key, value, c.contextValue())
			if err != nil {
				return err
			}
		}

		cur = entryEnd
	}

	return nil
}

// combinedToFileOffset maps an offset within the assembled bucket content
// back to a file offset for diagnostics. Offsets past the new entry
// correspond to pre-existing entries still present in the mapping.
func combinedToFileOffset(boff, cur, newEntrySize int) int {
	if cur >= newEntrySize {
		return boff + bheadSize + (cur - newEntrySize)
	}

	return boff + bheadSize
}
