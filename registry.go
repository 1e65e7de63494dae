package mmapcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
)

// Locking architecture
//
//  1. Cache.mu — per-handle closed state. (The callback context is an
//     atomic pointer and needs no lock.)
//
//  2. registryEntry.mu — per-file in-process guard. POSIX record locks are
//     per-process: if two handles in one process both issued F_SETLKW for
//     the same bucket, the kernel would grant both. Every operation
//     therefore holds the file's registry mutex for its duration before
//     taking the fcntl lock.
//
//  3. fcntl byte-range locks — cross-process mutual exclusion, one range
//     per bucket plus one for the header. At most one range is held at a
//     time by an operation, and it is released on all exit paths.
//
// Lock ordering: registryEntry.mu → Cache.mu → fcntl range lock.
// Operations take the registry mutex first and re-check the handle's
// closed flag under it; Close takes the same mutex before unmapping, so an
// in-flight operation always runs against a live mapping.

// fileRegistry maps file identities to their per-file lock state.
var fileRegistry sync.Map // map[fileIdentity]*registryEntry

// fileIdentity uniquely identifies a file by device and inode.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// registryEntry tracks per-file state shared across all Cache handles
// backed by the same file (identified by device:inode pair) within this
// process.
type registryEntry struct {
	// mu serializes operations among same-process handles of one file.
	mu sync.Mutex

	// openCount tracks the number of open Cache handles for this file.
	// When it reaches zero, the entry is removed from fileRegistry.
	openCount atomic.Int32
}

// getFileIdentity returns the device and inode for an open descriptor.
func getFileIdentity(fd int) (fileIdentity, error) {
	var stat syscall.Stat_t

	err := syscall.Fstat(fd, &stat)
	if err != nil {
		return fileIdentity{}, fmt.Errorf("stat: %w", err)
	}

	return fileIdentity{dev: uint64(stat.Dev), ino: uint64(stat.Ino)}, nil
}

// acquireRegistryEntry gets or creates the registryEntry for the given
// identity, incrementing its open count. Callers must call
// releaseRegistryEntry when done.
func acquireRegistryEntry(id fileIdentity) *registryEntry {
	for {
		if val, loaded := fileRegistry.Load(id); loaded {
			entry, ok := val.(*registryEntry)
			if !ok {
				fileRegistry.CompareAndDelete(id, val)

				continue
			}

			// Try to increment openCount. If it's 0, the entry is being
			// removed; create a fresh one instead.
			claimed := false

			for {
				old := entry.openCount.Load()
				if old <= 0 {
					break
				}

				if entry.openCount.CompareAndSwap(old, old+1) {
					claimed = true

					break
				}
			}

			if claimed {
				return entry
			}
		}

		entry := &registryEntry{}
		entry.openCount.Store(1)

		_, loaded := fileRegistry.LoadOrStore(id, entry)
		if !loaded {
			return entry
		}

		// Another goroutine created the entry first, retry the loop.
	}
}

// releaseRegistryEntry decrements the open count for a registryEntry and
// removes it from fileRegistry when the count reaches zero.
func releaseRegistryEntry(id fileIdentity) {
	val, ok := fileRegistry.Load(id)
	if !ok {
		return
	}

	entry, ok := val.(*registryEntry)
	if !ok {
		fileRegistry.CompareAndDelete(id, val)

		return
	}

	if entry.openCount.Add(-1) <= 0 {
		fileRegistry.CompareAndDelete(id, entry)
	}
}
