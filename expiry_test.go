package mmapcache_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/calvinalkan/mmapcache"
)

// Expiry granularity on disk is whole seconds, so these tests sleep just
// past the boundary. They stay serial-friendly via t.Parallel.

func Test_Clean_Entry_Expires_And_Is_Removed_On_Read(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")
	cache := openCache(t, path, mmapcache.Options{
		Strings: true,
		Expiry:  time.Second,
	})

	err := cache.Write("old", "dlo")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(2100 * time.Millisecond)

	err = cache.Write("new", "wen")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	value, found, err := cache.Read("new")
	if err != nil || !found || value != any("wen") {
		t.Fatalf("read new=(%v,%v,%v), want=(wen,true,nil)", value, found, err)
	}

	value, found, err = cache.Read("old")
	if err != nil {
		t.Fatalf("read old: %v", err)
	}

	if found || value != nil {
		t.Fatalf("read old=(%v,%v), want expired miss", value, found)
	}

	// The expiring read physically removed the entry.
	stats, err := cache.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if stats.Entries != 1 {
		t.Fatalf("entries=%d, want only the fresh one", stats.Entries)
	}
}

func Test_Expired_Dirty_Entry_Is_Still_Returned(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")
	cache := openCache(t, path, mmapcache.Options{
		Strings:   true,
		Expiry:    time.Second,
		Writeback: true,
		Write: func(_ string, _ any, _ any) error {
			return nil
		},
	})

	err := cache.Write("k", "v")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(2100 * time.Millisecond)

	// The entry is past its expiry but dirty: its value never reached
	// the backing store, so Read keeps returning it.
	value, found, err := cache.Read("k")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if !found || value != any("v") {
		t.Fatalf("read=(%v,%v), want dirty entry returned", value, found)
	}
}

func Test_Expired_Entries_Are_Skipped_By_Entries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")
	cache := openCache(t, path, mmapcache.Options{
		Strings: true,
		Expiry:  time.Second,
	})

	err := cache.Write("stale", "v")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(2100 * time.Millisecond)

	err = cache.Write("fresh", "v")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := cache.Entries(mmapcache.DetailKeys)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}

	if len(entries) != 1 || entries[0].Key != "fresh" {
		t.Fatalf("entries=%v, want only fresh", entries)
	}

	// The stale entry is skipped, not removed: Stat still sees it.
	stats, err := cache.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if stats.Entries != 2 || stats.ExpiredEntries != 1 {
		t.Fatalf("stats=%+v, want 2 physical / 1 expired", stats)
	}
}

func Test_Zero_Expiry_Disables_Expiration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")
	cache := openCache(t, path, mmapcache.Options{Strings: true})

	err := cache.Write("k", "v")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	value, found, err := cache.Read("k")
	if err != nil || !found || value != any("v") {
		t.Fatalf("read=(%v,%v,%v), want hit", value, found, err)
	}
}

func Test_Delete_Ignores_Expiry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.cache")
	cache := openCache(t, path, mmapcache.Options{
		Strings: true,
		Expiry:  time.Second,
	})

	err := cache.Write("k", "v")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(2100 * time.Millisecond)

	old, found, err := cache.Delete("k")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	if !found || old != any("v") {
		t.Fatalf("delete=(%v,%v), want the expired entry", old, found)
	}
}
