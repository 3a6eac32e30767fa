// Package filevec implements a growable array of fixed-size records backed by
// a single file.
//
// Records are stored little-endian, back to back, with no header: the number of
// used records lives with the owner (see the volume config), while the physical
// capacity is recovered from the file length. Capacity grows in whole chunks.
//
// Every transfer positions the file explicitly and returns it to the cursor
// afterwards, so the file offset always mirrors the cursor between calls.
// An OS failure or internal invariant violation breaks the vector for good;
// bounds and overflow rejections leave it untouched and usable.
package filevec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/viant/dedupvol/storage"
	"github.com/viant/dedupvol/storage/fd"
)

// Vector is a file-backed sequence of records of type T.
// T must have a fixed encoding/binary size.
type Vector[T any] struct {
	used      int
	capacity  int
	chunkSize int
	cursor    int
	elemSize  int
	file      *fd.Handle
	err       error
}

// New attaches a vector to file, declaring used records already present.
// The vector takes ownership of file and closes it when construction fails.
func New[T any](file *fd.Handle, used, chunkSize int) (*Vector[T], error) {
	var zero T
	elemSize := binary.Size(zero)
	if elemSize <= 0 {
		_ = file.Close()
		return nil, fmt.Errorf("filevec: %T has no fixed size: %w", zero, storage.ErrInvariant)
	}
	if used < 0 || chunkSize < 1 {
		_ = file.Close()
		return nil, fmt.Errorf("filevec: used=%d chunk=%d: %w", used, chunkSize, storage.ErrInvariant)
	}
	if !file.IsOk() {
		_ = file.Close()
		return nil, fmt.Errorf("filevec: %s: %w", file.Path(), storage.ErrBroken)
	}
	size, err := file.SizeThenReset()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("filevec: capacity of %s: %w", file.Path(), err)
	}
	capacity := size / int64(elemSize)
	if capacity > math.MaxInt {
		_ = file.Close()
		return nil, fmt.Errorf("filevec: %s: capacity %d: %w", file.Path(), capacity, storage.ErrOverflow)
	}
	if int64(used) > capacity {
		_ = file.Close()
		return nil, fmt.Errorf("filevec: %s: used %d exceeds capacity %d: %w", file.Path(), used, capacity, storage.ErrInvariant)
	}
	return &Vector[T]{
		used:      used,
		capacity:  int(capacity),
		chunkSize: chunkSize,
		elemSize:  elemSize,
		file:      file,
	}, nil
}

// Len returns the number of used records.
func (v *Vector[T]) Len() int { return v.used }

// Cap returns the number of records the file can hold without growing.
func (v *Vector[T]) Cap() int { return v.capacity }

// Current returns the sequential cursor.
func (v *Vector[T]) Current() int { return v.cursor }

// ChunkSize returns the growth granularity in records.
func (v *Vector[T]) ChunkSize() int { return v.chunkSize }

// ElemSize returns the on-disk size of one record.
func (v *Vector[T]) ElemSize() int { return v.elemSize }

// Path returns the backing file path.
func (v *Vector[T]) Path() string { return v.file.Path() }

// IsOk reports whether the vector and its file are usable.
func (v *Vector[T]) IsOk() bool { return v.err == nil && v.file.IsOk() }

// Err returns the failure that broke the vector, if any.
func (v *Vector[T]) Err() error {
	if v.err != nil {
		return v.err
	}
	return v.file.Err()
}

// Reserve appends count unwritten records at the end and returns the index of
// the first one. The cursor moves past the reserved region.
func (v *Vector[T]) Reserve(count int) (int, error) {
	start, err := v.reserveAt(v.used, count)
	if err != nil {
		return 0, err
	}
	if v.cursor != v.used {
		v.cursor = v.used
		if err := v.file.SeekTo(v.offset(v.cursor)); err != nil {
			return 0, v.latch(err)
		}
	}
	return start, nil
}

// Write stores items at the cursor, growing the vector as needed, and advances
// the cursor past them. It returns the index of the first item.
// On failure the cursor is restored; space reserved for the items stays allocated.
func (v *Vector[T]) Write(items ...T) (int, error) {
	start, err := v.reserveAt(v.cursor, len(items))
	if err != nil {
		return 0, err
	}
	prev := v.cursor
	// writeAt returns the file to the cursor, so move it first to save a seek.
	v.cursor += len(items)
	if _, err := v.WriteAt(start, items...); err != nil {
		v.cursor = prev
		return 0, err
	}
	return start, nil
}

// WriteAt overwrites already reserved records starting at start.
func (v *Vector[T]) WriteAt(start int, items ...T) (int, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	if start < 0 || start > v.used || len(items) > v.used-start {
		return 0, fmt.Errorf("filevec: write [%d,+%d) of %d: %w", start, len(items), v.used, storage.ErrBounds)
	}
	if len(items) == 0 {
		return start, nil
	}
	buf := make([]byte, len(items)*v.elemSize)
	if _, err := binary.Encode(buf, binary.LittleEndian, items); err != nil {
		return 0, v.latch(fmt.Errorf("filevec: encode: %w: %w", storage.ErrInvariant, err))
	}
	if err := v.file.SeekTo(v.offset(start)); err != nil {
		return 0, v.latch(err)
	}
	if err := v.file.Write(buf); err != nil {
		return 0, v.latch(err)
	}
	if err := v.file.SeekTo(v.offset(v.cursor)); err != nil {
		return 0, v.latch(err)
	}
	return start, nil
}

// Read returns count records from the cursor and advances it.
// The cursor is unchanged when the read fails.
func (v *Vector[T]) Read(count int) ([]T, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	if count < 0 || count > v.used-v.cursor {
		return nil, fmt.Errorf("filevec: read [%d,+%d) of %d: %w", v.cursor, count, v.used, storage.ErrBounds)
	}
	prev := v.cursor
	v.cursor += count
	items, err := v.ReadAt(prev, count)
	if err != nil {
		v.cursor = prev
		return nil, err
	}
	return items, nil
}

// ReadAt returns count records starting at start without moving the cursor.
func (v *Vector[T]) ReadAt(start, count int) ([]T, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	if start < 0 || count < 0 || start > v.used || count > v.used-start {
		return nil, fmt.Errorf("filevec: read [%d,+%d) of %d: %w", start, count, v.used, storage.ErrBounds)
	}
	buf := make([]byte, count*v.elemSize)
	if err := v.file.SeekTo(v.offset(start)); err != nil {
		return nil, v.latch(err)
	}
	if err := v.file.Read(buf); err != nil {
		return nil, v.latch(err)
	}
	if err := v.file.SeekTo(v.offset(v.cursor)); err != nil {
		return nil, v.latch(err)
	}
	items := make([]T, count)
	if _, err := binary.Decode(buf, binary.LittleEndian, items); err != nil {
		return nil, v.latch(fmt.Errorf("filevec: decode: %w: %w", storage.ErrInvariant, err))
	}
	return items, nil
}

// Peek returns the next count records without consuming them.
func (v *Vector[T]) Peek(count int) ([]T, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	return v.ReadAt(v.cursor, count)
}

// MoveTo relocates the cursor to start, which may equal Len.
func (v *Vector[T]) MoveTo(start int) error {
	if err := v.check(); err != nil {
		return err
	}
	if start < 0 || start > v.used {
		return fmt.Errorf("filevec: move to %d of %d: %w", start, v.used, storage.ErrBounds)
	}
	if start == v.cursor {
		return nil
	}
	v.cursor = start
	if err := v.file.SeekTo(v.offset(start)); err != nil {
		return v.latch(err)
	}
	return nil
}

// Flush makes written records durable.
func (v *Vector[T]) Flush() error {
	if err := v.check(); err != nil {
		return err
	}
	if err := v.file.Flush(); err != nil {
		return v.latch(err)
	}
	return nil
}

// Close releases the backing file.
func (v *Vector[T]) Close() error {
	return v.file.Close()
}

func (v *Vector[T]) reserveAt(at, count int) (int, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	if count < 0 || count > math.MaxInt-at {
		return 0, fmt.Errorf("filevec: reserve %d at %d: %w", count, at, storage.ErrOverflow)
	}
	if at > v.used {
		return 0, v.latch(fmt.Errorf("filevec: reserve at %d beyond used %d: %w", at, v.used, storage.ErrInvariant))
	}
	need := at + count
	if need > v.capacity {
		delta := need - v.capacity
		chunks := delta / v.chunkSize
		if delta%v.chunkSize != 0 {
			chunks++
		}
		if chunks > (math.MaxInt-v.capacity)/v.chunkSize {
			return 0, fmt.Errorf("filevec: grow by %d chunks: %w", chunks, storage.ErrOverflow)
		}
		newCapacity := v.capacity + chunks*v.chunkSize
		if newCapacity < need {
			return 0, fmt.Errorf("filevec: capacity %d below %d: %w", newCapacity, need, storage.ErrInvariant)
		}
		if int64(newCapacity) > math.MaxInt64/int64(v.elemSize) {
			return 0, fmt.Errorf("filevec: capacity %d records: %w", newCapacity, storage.ErrOverflow)
		}
		if err := v.file.Resize(v.offset(newCapacity)); err != nil {
			return 0, v.latch(err)
		}
		v.capacity = newCapacity
	}
	if need > v.used {
		v.used = need
	}
	return at, nil
}

func (v *Vector[T]) offset(index int) int64 {
	return int64(index) * int64(v.elemSize)
}

func (v *Vector[T]) check() error {
	if v.err != nil {
		return fmt.Errorf("filevec: %s: %w: %w", v.file.Path(), storage.ErrBroken, v.err)
	}
	if !v.file.IsOk() {
		if v.file.Fd() < 0 {
			return storage.ErrClosed
		}
		return fmt.Errorf("filevec: %s: %w: %w", v.file.Path(), storage.ErrBroken, v.file.Err())
	}
	return nil
}

func (v *Vector[T]) latch(err error) error {
	if v.err == nil {
		v.err = err
	}
	return err
}
