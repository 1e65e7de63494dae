package mmapcache

// Read returns the cached value for key.
//
// On a hit the entry moves one slot toward its bucket head. A hit on an
// expired clean entry removes it and counts as a miss; an expired dirty
// entry is still returned because its value has not reached the backing
// store yet.
//
// On a miss with a Read callback configured, the callback fetches the
// value under the bucket lock (so concurrent readers of the same key do
// not issue duplicate fetches) and the result is cached. With
// CacheNegative, store misses are cached too; a later Read of that key
// reports found with a nil value.
func (c *Cache) Read(key string) (any, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}

	idx := bucketIndex(key, c.buckets)

	unlock, err := c.lockBucket(idx)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	boff := c.bucketOffset(idx)

	fr, err := c.findEntry(boff, key)
	if err != nil {
		return nil, false, err
	}

	if fr.found {
		if fr.expired && !fr.hdr.dirty() {
			// Expired and already flushed: drop it and fall through to
			// the miss path.
			c.removeEntry(boff, fr)
		} else {
			value, verr := c.entryValue(fr)
			if verr != nil {
				return nil, false, verr
			}

			if fr.prevOff != 0 {
				c.promoteEntry(fr)
			}

			return value, true, nil
		}
	}

	if c.readFn == nil {
		return nil, false, nil
	}

	value, found, err := c.readFn(key, c.contextValue())
	if err != nil {
		return nil, false, err
	}

	if found || c.cacheNegative {
		ierr := c.insertDecoded(boff, key, value, false)
		if ierr != nil {
			return nil, false, ierr
		}
	}

	if !found {
		return nil, false, nil
	}

	return value, true, nil
}

// Write stores value under key.
//
// If the encoded entry fits a bucket, any previous entry for the key is
// replaced and the new entry becomes its bucket's head. In write-through
// mode the Write callback then commits the value before the bucket lock is
// released; in writeback mode the entry is marked dirty and flushes on
// eviction.
//
// An entry too large for a bucket is never cached: with a Write callback
// the value goes straight to the backing store (after deleting any stale
// cached copy); without one the value is silently dropped.
func (c *Cache) Write(key string, value any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	keyEnc, err := c.encodeValue(key, true)
	if err != nil {
		return err
	}

	valEnc, err := c.encodeValue(value, false)
	if err != nil {
		return err
	}

	if eheadSize+len(keyEnc)+len(valEnc) <= c.bucketCapacity() {
		idx := bucketIndex(key, c.buckets)

		unlock, lerr := c.lockBucket(idx)
		if lerr != nil {
			return lerr
		}
		defer unlock()

		boff := c.bucketOffset(idx)

		fr, ferr := c.findEntry(boff, key)
		if ferr != nil {
			return ferr
		}

		if fr.found {
			c.removeEntry(boff, fr)
		}

		ierr := c.insertEntry(boff, keyEnc, valEnc, true)
		if ierr != nil {
			return ierr
		}

		if !c.writeback && c.writeFn != nil {
			return c.writeFn(key, value, c.contextValue())
		}

		return nil
	}

	if c.writeFn != nil {
		_, _, derr := c.Delete(key)
		if derr != nil {
			return derr
		}

		return c.writeFn(key, value, c.contextValue())
	}

	// No cache slot and no backing store: the value has nowhere to go.
	return nil
}

// Delete removes key from the cache and reports the removed value.
//
// When the entry exists and is clean, the Delete callback (if configured)
// runs first, under the bucket lock; a dirty entry's value never reached
// the backing store, so there is nothing to delete there. Expiry is
// ignored: an expired entry is still deleted and returned.
func (c *Cache) Delete(key string) (any, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}

	idx := bucketIndex(key, c.buckets)

	unlock, err := c.lockBucket(idx)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	boff := c.bucketOffset(idx)

	fr, err := c.findEntry(boff, key)
	if err != nil {
		return nil, false, err
	}

	if !fr.found {
		return nil, false, nil
	}

	value, err := c.entryValue(fr)
	if err != nil {
		return nil, false, err
	}

	if c.deleteFn != nil && !fr.hdr.dirty() {
		err = c.deleteFn(key, value, c.contextValue())
		if err != nil {
			return nil, false, err
		}
	}

	c.removeEntry(boff, fr)

	return value, true, nil
}

// insertDecoded encodes key and value and inserts them into the bucket at
// boff. Used by the miss path, where the value arrives decoded from the
// Read callback.
func (c *Cache) insertDecoded(boff int, key string, value any, isWrite bool) error {
	keyEnc, err := c.encodeValue(key, true)
	if err != nil {
		return err
	}

	valEnc, err := c.encodeValue(value, false)
	if err != nil {
		return err
	}

	return c.insertEntry(boff, keyEnc, valEnc, isWrite)
}
