// Package fd provides a scoped, exclusively owned file descriptor with checked
// exact-size I/O and a sticky failure flag.
//
// A Handle is never copied: ownership moves with Move, which leaves the source
// closed. Once a read, write or size probe fails, the handle stays broken and
// every later operation fails without touching the descriptor.
package fd

import (
	"fmt"
	"io"

	"github.com/viant/dedupvol/storage"
	"golang.org/x/sys/unix"
)

// noCopy makes go vet's copylocks check flag accidental Handle copies.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Handle owns exactly one open file descriptor.
type Handle struct {
	noCopy noCopy
	fd     int
	path   string
	flags  int
	mode   uint32
	err    error
}

// Open opens path with the given open(2) flags and creation mode.
func Open(path string, flags int, mode uint32) (*Handle, error) {
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, fmt.Errorf("fd: open %s: %w", path, err)
	}
	return &Handle{fd: fd, path: path, flags: flags, mode: mode}, nil
}

// OpenAt opens path relative to the directory descriptor dirfd.
// Use unix.AT_FDCWD to resolve against the working directory.
func OpenAt(dirfd int, path string, flags int, mode uint32) (*Handle, error) {
	fd, err := unix.Openat(dirfd, path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, fmt.Errorf("fd: openat %s: %w", path, err)
	}
	return &Handle{fd: fd, path: path, flags: flags, mode: mode}, nil
}

// OpenDir opens a directory for use as the dirfd of OpenAt.
func OpenDir(path string) (*Handle, error) {
	return Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
}

// IsOk reports whether the descriptor is valid and no failure was latched.
func (h *Handle) IsOk() bool {
	return h != nil && h.fd >= 0 && h.err == nil
}

// Err returns the latched failure, if any.
func (h *Handle) Err() error {
	return h.err
}

// Fd returns the raw descriptor, or -1 once closed or moved.
func (h *Handle) Fd() int {
	return h.fd
}

// Path returns the path the handle was opened with.
func (h *Handle) Path() string {
	return h.path
}

// Flags returns the open flags the handle was created with.
func (h *Handle) Flags() int {
	return h.flags
}

// Mode returns the creation mode the handle was opened with.
func (h *Handle) Mode() uint32 {
	return h.mode
}

// Move transfers the descriptor to a new Handle. The receiver is left closed.
func (h *Handle) Move() *Handle {
	moved := &Handle{fd: h.fd, path: h.path, flags: h.flags, mode: h.mode, err: h.err}
	h.fd = -1
	h.err = nil
	return moved
}

// Write writes all of p or latches a failure.
func (h *Handle) Write(p []byte) error {
	if err := h.check(); err != nil {
		return err
	}
	n, err := unix.Write(h.fd, p)
	if err != nil {
		return h.latch(fmt.Errorf("fd: write %s: %w", h.path, err))
	}
	if n != len(p) {
		return h.latch(fmt.Errorf("fd: write %s: %d of %d bytes: %w", h.path, n, len(p), storage.ErrShortIO))
	}
	return nil
}

// Read fills all of p or latches a failure.
func (h *Handle) Read(p []byte) error {
	if err := h.check(); err != nil {
		return err
	}
	n, err := unix.Read(h.fd, p)
	if err != nil {
		return h.latch(fmt.Errorf("fd: read %s: %w", h.path, err))
	}
	if n != len(p) {
		return h.latch(fmt.Errorf("fd: read %s: %d of %d bytes: %w", h.path, n, len(p), storage.ErrShortIO))
	}
	return nil
}

// SeekTo positions the descriptor at offset from the start of the file.
// A failed seek is reported but not latched; callers repositioning as part of
// a structured transfer latch it themselves.
func (h *Handle) SeekTo(offset int64) error {
	if err := h.check(); err != nil {
		return err
	}
	at, err := unix.Seek(h.fd, offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("fd: seek %s to %d: %w", h.path, offset, err)
	}
	if at != offset {
		return fmt.Errorf("fd: seek %s: at %d, want %d: %w", h.path, at, offset, storage.ErrShortIO)
	}
	return nil
}

// Resize truncates or extends the file to exactly size bytes. Not latched.
func (h *Handle) Resize(size int64) error {
	if err := h.check(); err != nil {
		return err
	}
	if err := unix.Ftruncate(h.fd, size); err != nil {
		return fmt.Errorf("fd: resize %s to %d: %w", h.path, size, err)
	}
	return nil
}

// Flush asks the OS to make the file durable.
func (h *Handle) Flush() error {
	if err := h.check(); err != nil {
		return err
	}
	if err := unix.Fsync(h.fd); err != nil {
		return fmt.Errorf("fd: fsync %s: %w", h.path, err)
	}
	return nil
}

// SizeThenReset returns the file length and leaves the descriptor at offset 0.
func (h *Handle) SizeThenReset() (int64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	size, err := unix.Seek(h.fd, 0, io.SeekEnd)
	if err != nil {
		return 0, h.latch(fmt.Errorf("fd: seek end %s: %w", h.path, err))
	}
	at, err := unix.Seek(h.fd, 0, io.SeekStart)
	if err != nil {
		return 0, h.latch(fmt.Errorf("fd: seek start %s: %w", h.path, err))
	}
	if at != 0 {
		return 0, h.latch(fmt.Errorf("fd: seek start %s: at %d: %w", h.path, at, storage.ErrShortIO))
	}
	return size, nil
}

// Close releases the descriptor. Closing a closed or moved handle is a no-op.
func (h *Handle) Close() error {
	if h == nil || h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	if err != nil {
		return fmt.Errorf("fd: close %s: %w", h.path, err)
	}
	return nil
}

func (h *Handle) check() error {
	if h == nil || h.fd < 0 {
		return storage.ErrClosed
	}
	if h.err != nil {
		return fmt.Errorf("fd: %s: %w: %w", h.path, storage.ErrBroken, h.err)
	}
	return nil
}

func (h *Handle) latch(err error) error {
	if h.err == nil {
		h.err = err
	}
	return err
}
