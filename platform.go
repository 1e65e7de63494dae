package mmapcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Platform layer: the only OS-dependent piece. Opens/creates the file,
// grows it, memory-maps a range, and acquires/releases byte-range advisory
// locks. Unix-only; the advisory locks are POSIX record locks
// (fcntl F_SETLKW), which coordinate across processes but not between file
// descriptors of the same process (see registry.go for the in-process
// half).

// growChunkSize is the size of the zero pads appended when extending the
// file to its configured total.
const growChunkSize = 1024

// openOrCreate opens path for read+write, creating it with perm if absent.
func openOrCreate(path string, perm os.FileMode) (int, error) {
	fd, err := retryEINTR(func() (int, error) {
		return unix.Open(path, unix.O_RDWR|unix.O_CREAT, uint32(perm.Perm()))
	})
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}

	return fd, nil
}

// closeFD closes an open descriptor, tolerating the -1 sentinel.
func closeFD(fd int) error {
	if fd < 0 {
		return nil
	}

	return unix.Close(fd)
}

// preadFull reads exactly len(buf) bytes at off.
func preadFull(fd int, buf []byte, off int64) error {
	for read := 0; read < len(buf); {
		n, err := unix.Pread(fd, buf[read:], off+int64(read))
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			return err
		}

		if n == 0 {
			return io.ErrUnexpectedEOF
		}

		read += n
	}

	return nil
}

// pwriteFull writes all of buf at off.
func pwriteFull(fd int, buf []byte, off int64) error {
	for written := 0; written < len(buf); {
		n, err := unix.Pwrite(fd, buf[written:], off+int64(written))
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			return err
		}

		written += n
	}

	return nil
}

// fileSize returns the current size of the open file.
func fileSize(fd int) (int64, error) {
	var stat unix.Stat_t

	err := unix.Fstat(fd, &stat)
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}

	return stat.Size, nil
}

// ensureSize extends the file to at least total bytes by appending
// zero-filled pads, then confirms the final size. The file is never
// shrunk.
func ensureSize(fd int, total int64) error {
	size, err := fileSize(fd)
	if err != nil {
		return err
	}

	if size >= total {
		return nil
	}

	pad := make([]byte, growChunkSize)
	for size < total {
		werr := pwriteFull(fd, pad, size)
		if werr != nil {
			return fmt.Errorf("extend file: %w", werr)
		}

		size += growChunkSize
	}

	size, err = fileSize(fd)
	if err != nil {
		return err
	}

	if size < total {
		return fmt.Errorf("extend file: size %d after padding, want >= %d", size, total)
	}

	return nil
}

// mapFile memory-maps exactly total bytes of the file, read/write, shared.
// The OS propagates stores through the shared mapping to every process
// mapping the same file.
func mapFile(fd int, total int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", total, err)
	}

	return data, nil
}

// unmapFile releases a mapping created by mapFile. Safe to call with nil.
func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}

	err := unix.Munmap(data)
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}

// syncFile flushes the mapped range to stable storage (MS_SYNC).
func syncFile(data []byte) error {
	err := unix.Msync(data, unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

// lockRange acquires a blocking exclusive byte-range lock of the given
// offset and length. Cancellation of a blocked acquisition is not
// supported.
func lockRange(fd int, offset, length int64) error {
	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  offset,
		Len:    length,
	}

	err := fcntlRetryEINTR(fd, unix.F_SETLKW, &flock)
	if err != nil {
		return fmt.Errorf("lock range [%d,+%d): %w", offset, length, err)
	}

	return nil
}

// unlockAll releases every byte-range lock held by this descriptor
// (offset 0, length 0 covers the whole file).
func unlockAll(fd int) error {
	flock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  0,
		Len:    0,
	}

	err := fcntlRetryEINTR(fd, unix.F_SETLK, &flock)
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	return nil
}

// fcntlRetryEINTR issues a fcntl record-lock call, retrying when the
// syscall is interrupted by a signal. Blocking F_SETLKW in particular
// returns EINTR whenever the Go runtime's own signals land while the
// process waits for a contended lock.
func fcntlRetryEINTR(fd int, cmd int, flock *unix.Flock_t) error {
	for {
		err := unix.FcntlFlock(uintptr(fd), cmd, flock)
		if err == nil {
			return nil
		}

		if !errors.Is(err, syscall.EINTR) {
			return err
		}
	}
}

// retryEINTR retries an interruptible syscall wrapper until it completes
// without EINTR.
func retryEINTR[T any](call func() (T, error)) (T, error) {
	for {
		v, err := call()
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return v, err
		}
	}
}
