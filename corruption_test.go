package mmapcache_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/mmapcache"
)

// patchFile overwrites len(value) bytes at off in the cache file.
func patchFile(t *testing.T, path string, off int64, value []byte) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open for patching: %v", err)
	}
	defer f.Close()

	_, err = f.WriteAt(value, off)
	if err != nil {
		t.Fatalf("patch at %d: %v", off, err)
	}
}

func le32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)

	return buf
}

func Test_Open_Rejects_File_Without_Magic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bogus.cache")

	// Ten little-endian words, the first of which is not the magic.
	header := make([]byte, 40)
	binary.LittleEndian.PutUint32(header, 12345)

	err := os.WriteFile(path, header, 0o600)
	if err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err = mmapcache.Open(path, mmapcache.Options{})
	if !errors.Is(err, mmapcache.ErrNotCacheFile) {
		t.Fatalf("open err=%v, want ErrNotCacheFile", err)
	}
}

func Test_Open_Rejects_Unsupported_Format_Version(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "v2.cache")

	// Create a valid cache, then bump the version word to 2.
	cache, err := mmapcache.Open(path, mmapcache.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = cache.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	patchFile(t, path, 20, le32(2))

	_, err = mmapcache.Open(path, mmapcache.Options{})
	if !errors.Is(err, mmapcache.ErrUnsupportedVersion) {
		t.Fatalf("open err=%v, want ErrUnsupportedVersion", err)
	}
}

func Test_Open_Rejects_Nonsensical_Header_Geometry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "geom.cache")

	cache, err := mmapcache.Open(path, mmapcache.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = cache.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// Zero buckets cannot be a real cache file.
	patchFile(t, path, 4, le32(0))

	_, err = mmapcache.Open(path, mmapcache.Options{})
	if !errors.Is(err, mmapcache.ErrCorrupt) {
		t.Fatalf("open err=%v, want ErrCorrupt", err)
	}
}

func Test_Super_Sized_Entry_Is_Detected_During_Walk(t *testing.T) {
	t.Parallel()

	// Single 100-byte bucket: the "abc" entry (40+4+4 bytes) fits its
	// 60-byte capacity. Corrupting filled and the entry size makes the
	// walk step past the bucket end.
	path := filepath.Join(t.TempDir(), "super.cache")

	cache := openCache(t, path, mmapcache.Options{
		Buckets:    1,
		BucketSize: 100,
		PageSize:   100,
		Strings:    true,
	})

	err := cache.Write("abc", "def")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	value, found, err := cache.Read("abc")
	if err != nil || !found || value != any("def") {
		t.Fatalf("read=(%v,%v,%v), want=(def,true,nil)", value, found, err)
	}

	// Bucket starts at the page boundary: filled at +0, first entry
	// size at +40.
	patchFile(t, path, 100, le32(1000))
	patchFile(t, path, 140, le32(100))

	_, _, err = cache.Read("abs")
	if !errors.Is(err, mmapcache.ErrCorrupt) {
		t.Fatalf("read err=%v, want ErrCorrupt", err)
	}

	var corrupt *mmapcache.CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("read err=%v, want *CorruptionError in chain", err)
	}

	if corrupt.Kind != "super-sized" {
		t.Fatalf("kind=%q, want super-sized", corrupt.Kind)
	}

	if corrupt.Path != path {
		t.Fatalf("path=%q, want=%q", corrupt.Path, path)
	}

	if corrupt.Dump == "" {
		t.Fatal("corruption error carries no hex dump")
	}
}

func Test_Zero_Sized_Entry_Is_Detected_During_Walk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "zero.cache")

	cache := openCache(t, path, mmapcache.Options{
		Buckets:    1,
		BucketSize: 1024,
		PageSize:   1024,
		Strings:    true,
	})

	err := cache.Write("abc", "def")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	// Zero the first entry's size word while filled still claims bytes.
	patchFile(t, path, 1024+40, le32(0))

	_, _, err = cache.Read("abc")
	if !errors.Is(err, mmapcache.ErrCorrupt) {
		t.Fatalf("read err=%v, want ErrCorrupt", err)
	}

	var corrupt *mmapcache.CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("read err=%v, want *CorruptionError in chain", err)
	}

	if corrupt.Kind != "zero-sized" {
		t.Fatalf("kind=%q, want zero-sized", corrupt.Kind)
	}

	if corrupt.Offset != 1024+40 {
		t.Fatalf("offset=%d, want=%d", corrupt.Offset, 1024+40)
	}
}

func Test_Entries_Surface_Corruption_Too(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "walk.cache")

	cache := openCache(t, path, mmapcache.Options{
		Buckets:    1,
		BucketSize: 1024,
		PageSize:   1024,
		Strings:    true,
	})

	err := cache.Write("abc", "def")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	patchFile(t, path, 1024+40, le32(0))

	_, err = cache.Entries(mmapcache.DetailKeys)
	if !errors.Is(err, mmapcache.ErrCorrupt) {
		t.Fatalf("entries err=%v, want ErrCorrupt", err)
	}

	_, err = cache.Stat()
	if !errors.Is(err, mmapcache.ErrCorrupt) {
		t.Fatalf("stat err=%v, want ErrCorrupt", err)
	}
}
