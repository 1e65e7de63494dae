package mmapcache

import (
	"encoding/binary"
)

// On-disk format constants.
//
// The file is a header page followed by `buckets` equal-sized buckets.
// All integers are 32-bit signed little-endian. The original implementation
// persisted host byte order; this implementation fixes little-endian (see
// DESIGN.md), which is byte-identical to the original on little-endian
// hosts only.
const (
	// File magic number, first header word.
	cacheMagic = int32(0x015ACACE)

	// Supported format version.
	formatVersion = 1

	// Fixed sizes of the file header, bucket header and entry header.
	headSize  = 40
	bheadSize = 40
	eheadSize = 40
)

// File header word offsets (bytes from file start). The header occupies
// the first headSize bytes of the header page; the rest of the page is
// padding.
const (
	offMagic      = 0  // int32, cacheMagic
	offBuckets    = 4  // int32, bucket count
	offBucketSize = 8  // int32, bucket size in bytes
	offPageSize   = 12 // int32, header/alignment unit
	offFlags      = 16 // int32, cache-wide flag bits
	offVersion    = 20 // int32, formatVersion
	// 24..39 reserved, zero.
)

// Cache-wide flag bits (header flags word).
const (
	// flagStrings: the cache stores raw byte strings, not serialized
	// structured values.
	flagStrings = int32(0x0001)
)

// Entry header field offsets (bytes from entry start).
const (
	entOffSize  = 0  // int32, total entry bytes including this header
	entOffTime  = 4  // int32, seconds since epoch of last insertion
	entOffKlen  = 8  // int32, encoded key length
	entOffVlen  = 12 // int32, encoded value length
	entOffFlags = 16 // int32, per-entry flag bits
	// 20..39 reserved; not required to be zero when read.
)

// Per-entry flag bits (entry flags word).
const (
	// entryDirty: a cached write not yet flushed to the backing store.
	entryDirty = int32(0x0001)
)

// getInt32 reads a 32-bit signed little-endian integer at off.
func getInt32(data []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(data[off:]))
}

// putInt32 writes a 32-bit signed little-endian integer at off.
func putInt32(data []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(data[off:], uint32(v))
}

// fileHeader is the decoded fixed-width file header.
type fileHeader struct {
	Magic      int32
	Buckets    int32
	BucketSize int32
	PageSize   int32
	Flags      int32
	Version    int32
}

// encodeHeader serializes the header to headSize bytes. The four reserved
// words stay zero.
func encodeHeader(h fileHeader) []byte {
	buf := make([]byte, headSize)
	putInt32(buf, offMagic, h.Magic)
	putInt32(buf, offBuckets, h.Buckets)
	putInt32(buf, offBucketSize, h.BucketSize)
	putInt32(buf, offPageSize, h.PageSize)
	putInt32(buf, offFlags, h.Flags)
	putInt32(buf, offVersion, h.Version)

	return buf
}

// decodeHeader deserializes headSize bytes into a fileHeader.
func decodeHeader(buf []byte) fileHeader {
	return fileHeader{
		Magic:      getInt32(buf, offMagic),
		Buckets:    getInt32(buf, offBuckets),
		BucketSize: getInt32(buf, offBucketSize),
		PageSize:   getInt32(buf, offPageSize),
		Flags:      getInt32(buf, offFlags),
		Version:    getInt32(buf, offVersion),
	}
}

// entryHeader is the decoded fixed-width entry header.
type entryHeader struct {
	Size  int32
	Time  int32
	Klen  int32
	Vlen  int32
	Flags int32
}

// encodeEntryHeader writes an entry header into buf at off. Reserved bytes
// are left as-is; readers never depend on them.
func encodeEntryHeader(buf []byte, off int, h entryHeader) {
	putInt32(buf, off+entOffSize, h.Size)
	putInt32(buf, off+entOffTime, h.Time)
	putInt32(buf, off+entOffKlen, h.Klen)
	putInt32(buf, off+entOffVlen, h.Vlen)
	putInt32(buf, off+entOffFlags, h.Flags)
}

// decodeEntryHeader reads the entry header at off. Field order is the
// header schema: size, time, klen, vlen, flags.
func decodeEntryHeader(buf []byte, off int) entryHeader {
	return entryHeader{
		Size:  getInt32(buf, off+entOffSize),
		Time:  getInt32(buf, off+entOffTime),
		Klen:  getInt32(buf, off+entOffKlen),
		Vlen:  getInt32(buf, off+entOffVlen),
		Flags: getInt32(buf, off+entOffFlags),
	}
}

func (h entryHeader) dirty() bool {
	return h.Flags&entryDirty != 0
}

// hashKey computes the bucket hash over the raw key bytes as supplied by
// the caller, before any encoding: h := h*33 + b with wrapping 32-bit
// arithmetic. The accumulated value is reinterpreted as unsigned before the
// bucket modulo so negative 32-bit values do not skew placement.
func hashKey(key string) uint32 {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*33 + uint32(key[i])
	}

	return h
}

// bucketIndex maps a key to a bucket number.
func bucketIndex(key string, buckets int) int {
	return int(uint64(hashKey(key)) % uint64(buckets))
}
