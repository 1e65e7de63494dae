package mmapcache_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/mmapcache"
)

// kvPair records one callback invocation.
type kvPair struct {
	Key   string
	Value any
}

func Test_Read_Miss_Pulls_From_Backing_Store_And_Caches(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	var calls int

	cache := openCache(t, path, mmapcache.Options{
		Strings: true,
		Read: func(key string, _ any) (any, bool, error) {
			calls++

			if key == "present" {
				return "from-store", true, nil
			}

			return nil, false, nil
		},
	})

	value, found, err := cache.Read("present")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if !found || value != any("from-store") {
		t.Fatalf("read=(%v,%v), want=(from-store,true)", value, found)
	}

	if calls != 1 {
		t.Fatalf("callback calls=%d, want=1", calls)
	}

	// The fetched value is now cached; the store is not consulted again.
	value, found, err = cache.Read("present")
	if err != nil || !found || value != any("from-store") {
		t.Fatalf("second read=(%v,%v,%v), want cached hit", value, found, err)
	}

	if calls != 1 {
		t.Fatalf("callback calls after cached read=%d, want=1", calls)
	}
}

func Test_Read_Miss_Without_Negative_Caching_Requeries_Store(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	var calls int

	cache := openCache(t, path, mmapcache.Options{
		Strings: true,
		Read: func(_ string, _ any) (any, bool, error) {
			calls++

			return nil, false, nil
		},
	})

	for range 3 {
		_, found, err := cache.Read("absent")
		if err != nil || found {
			t.Fatalf("read=(%v,%v), want miss", found, err)
		}
	}

	if calls != 3 {
		t.Fatalf("callback calls=%d, want=3", calls)
	}
}

func Test_Negative_Caching_Skips_Store_On_Repeat_Misses(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	var calls int

	cache := openCache(t, path, mmapcache.Options{
		Strings:       true,
		CacheNegative: true,
		Read: func(_ string, _ any) (any, bool, error) {
			calls++

			return nil, false, nil
		},
	})

	_, found, err := cache.Read("absent")
	if err != nil || found {
		t.Fatalf("first read=(%v,%v), want miss", found, err)
	}

	// The miss is cached: later reads hit the negative entry, report it
	// as found with a nil value, and skip the store.
	value, found, err := cache.Read("absent")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}

	if !found || value != nil {
		t.Fatalf("negative hit=(%v,%v), want=(nil,true)", value, found)
	}

	if calls != 1 {
		t.Fatalf("callback calls=%d, want=1", calls)
	}
}

func Test_Write_Through_Commits_To_Store_Before_Returning(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	var committed []kvPair

	cache := openCache(t, path, mmapcache.Options{
		Strings: true,
		Write: func(key string, value any, _ any) error {
			committed = append(committed, kvPair{key, value})

			return nil
		},
	})

	err := cache.Write("k", "v")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	want := []kvPair{{"k", "v"}}
	if diff := cmp.Diff(want, committed); diff != "" {
		t.Fatalf("committed (-want +got):\n%s", diff)
	}

	// Write-through entries are clean.
	entries, err := cache.Entries(mmapcache.DetailMeta)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}

	if len(entries) != 1 || entries[0].Dirty {
		t.Fatalf("entries=%+v, want one clean entry", entries)
	}
}

func Test_Writeback_Flushes_Each_Evicted_Dirty_Entry_Exactly_Once(t *testing.T) {
	t.Parallel()

	// One bucket, capacity 88: two 44-byte entries fit. Every overflow
	// evicts exactly the tail entry, which is dirty in writeback mode.
	path := filepath.Join(t.TempDir(), "test.cache")

	var flushed []kvPair

	cache := openCache(t, path, mmapcache.Options{
		Buckets:    1,
		BucketSize: 128,
		PageSize:   64,
		Strings:    true,
		Writeback:  true,
		Write: func(key string, value any, _ any) error {
			flushed = append(flushed, kvPair{key, value})

			return nil
		},
	})

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}} {
		if err := cache.Write(kv[0], kv[1]); err != nil {
			t.Fatalf("write %q: %v", kv[0], err)
		}
	}

	// Writing c evicted a, writing d evicted b; each with its original
	// value, each exactly once.
	want := []kvPair{{"a", "1"}, {"b", "2"}}
	if diff := cmp.Diff(want, flushed); diff != "" {
		t.Fatalf("flushed (-want +got):\n%s", diff)
	}

	// Surviving entries are still dirty.
	entries, err := cache.Entries(mmapcache.DetailMeta)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}

	for _, e := range entries {
		if !e.Dirty {
			t.Fatalf("entry %q clean, want dirty", e.Key)
		}
	}
}

func Test_Writeback_Does_Not_Flush_Clean_Evictees(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	var flushed []kvPair

	cache := openCache(t, path, mmapcache.Options{
		Buckets:    1,
		BucketSize: 128,
		PageSize:   64,
		Strings:    true,
		Writeback:  true,
		Read: func(key string, _ any) (any, bool, error) {
			return "fetched", true, nil
		},
		Write: func(key string, value any, _ any) error {
			flushed = append(flushed, kvPair{key, value})

			return nil
		},
	})

	// Entries pulled in via the read callback are clean; evicting them
	// must not trigger writeback.
	for _, key := range []string{"a", "b", "c", "d"} {
		if _, _, err := cache.Read(key); err != nil {
			t.Fatalf("read %q: %v", key, err)
		}
	}

	if len(flushed) != 0 {
		t.Fatalf("flushed=%v, want none", flushed)
	}
}

func Test_Oversized_Write_Bypasses_Cache_Straight_To_Store(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	var committed []kvPair

	cache := openCache(t, path, mmapcache.Options{
		Buckets:    1,
		BucketSize: 128,
		PageSize:   64,
		Strings:    true,
		Write: func(key string, value any, _ any) error {
			committed = append(committed, kvPair{key, value})

			return nil
		},
	})

	big := make([]byte, 300)
	for i := range big {
		big[i] = 'x'
	}

	err := cache.Write("big", string(big))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if len(committed) != 1 || committed[0].Key != "big" {
		t.Fatalf("committed=%v, want the oversized value", committed)
	}

	_, found, err := cache.Read("big")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if found {
		t.Fatal("oversized value found in cache")
	}
}

func Test_Delete_Invokes_Callback_Only_For_Clean_Entries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	var deleted []kvPair

	cache := openCache(t, path, mmapcache.Options{
		Strings:   true,
		Writeback: true,
		Delete: func(key string, value any, _ any) error {
			deleted = append(deleted, kvPair{key, value})

			return nil
		},
	})

	// A writeback-mode write leaves the entry dirty: its value never
	// reached the store, so Delete must not call the callback.
	err := cache.Write("dirty-key", "v1")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	old, found, err := cache.Delete("dirty-key")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	if !found || old != any("v1") {
		t.Fatalf("delete=(%v,%v), want=(v1,true)", old, found)
	}

	if len(deleted) != 0 {
		t.Fatalf("delete callback ran for dirty entry: %v", deleted)
	}

	// A clean entry (pulled from the store) does trigger the callback.
	cache2 := openCache(t, filepath.Join(t.TempDir(), "clean.cache"), mmapcache.Options{
		Strings: true,
		Read: func(_ string, _ any) (any, bool, error) {
			return "v2", true, nil
		},
		Delete: func(key string, value any, _ any) error {
			deleted = append(deleted, kvPair{key, value})

			return nil
		},
	})

	_, _, err = cache2.Read("clean-key")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	_, found, err = cache2.Delete("clean-key")
	if err != nil || !found {
		t.Fatalf("delete=(%v,%v), want hit", found, err)
	}

	want := []kvPair{{"clean-key", "v2"}}
	if diff := cmp.Diff(want, deleted); diff != "" {
		t.Fatalf("deleted (-want +got):\n%s", diff)
	}
}

func Test_Delete_Reports_Removed_Value_And_Miss(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")
	cache := openCache(t, path, mmapcache.Options{Strings: true})

	err := cache.Write("k", "v")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	old, found, err := cache.Delete("k")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	if !found || old != any("v") {
		t.Fatalf("delete=(%v,%v), want=(v,true)", old, found)
	}

	_, found, err = cache.Read("k")
	if err != nil || found {
		t.Fatalf("read after delete=(%v,%v), want miss", found, err)
	}

	// Deleting again is a miss, not an error.
	old, found, err = cache.Delete("k")
	if err != nil || found || old != nil {
		t.Fatalf("second delete=(%v,%v,%v), want=(nil,false,nil)", old, found, err)
	}
}

func Test_Callback_Errors_Propagate_And_Release_The_Lock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	errStore := errors.New("store down")
	failing := true

	cache := openCache(t, path, mmapcache.Options{
		Strings: true,
		Write: func(_ string, _ any, _ any) error {
			if failing {
				return errStore
			}

			return nil
		},
	})

	err := cache.Write("k", "v")
	if !errors.Is(err, errStore) {
		t.Fatalf("write err=%v, want the callback's error unchanged", err)
	}

	// The bucket lock was released on the error path: the same bucket
	// is immediately usable again.
	failing = false

	err = cache.Write("k", "v2")
	if err != nil {
		t.Fatalf("write after failure: %v", err)
	}

	value, found, err := cache.Read("k")
	if err != nil || !found || value != any("v2") {
		t.Fatalf("read=(%v,%v,%v), want=(v2,true,nil)", value, found, err)
	}
}

func Test_Callback_Panic_Releases_The_Lock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	panicking := true

	cache := openCache(t, path, mmapcache.Options{
		Strings: true,
		Read: func(_ string, _ any) (any, bool, error) {
			if panicking {
				panic("callback exploded")
			}

			return "ok", true, nil
		},
	})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected the callback panic to propagate")
			}
		}()

		_, _, _ = cache.Read("k")
	}()

	// The panic unwound through the deferred unlock; the bucket is free.
	panicking = false

	value, found, err := cache.Read("k")
	if err != nil || !found || value != any("ok") {
		t.Fatalf("read after panic=(%v,%v,%v), want=(ok,true,nil)", value, found, err)
	}
}

func Test_Writeback_Flush_Error_Aborts_The_Insert(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")

	errStore := errors.New("store down")
	failing := false

	cache := openCache(t, path, mmapcache.Options{
		Buckets:    1,
		BucketSize: 128,
		PageSize:   64,
		Strings:    true,
		Writeback:  true,
		Write: func(_ string, _ any, _ any) error {
			if failing {
				return errStore
			}

			return nil
		},
	})

	for _, key := range []string{"a", "b"} {
		if err := cache.Write(key, "v"); err != nil {
			t.Fatalf("write %q: %v", key, err)
		}
	}

	failing = true

	// The third write must evict dirty "a"; the flush fails and the
	// error surfaces. The bucket was not rewritten, so "a" is intact.
	err := cache.Write("c", "v")
	if !errors.Is(err, errStore) {
		t.Fatalf("write err=%v, want flush error", err)
	}

	value, found, rerr := cache.Read("a")
	if rerr != nil || !found || value != any("v") {
		t.Fatalf("read a=(%v,%v,%v), want still cached", value, found, rerr)
	}
}
