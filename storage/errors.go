package storage

import "errors"

var (
	// ErrClosed is returned when a handle, array or volume has been closed.
	ErrClosed = errors.New("storage: closed")

	// ErrBroken is returned by every operation on an object whose sticky
	// error flag has been set. The object must be discarded.
	ErrBroken = errors.New("storage: broken")

	// ErrShortIO indicates fewer bytes were transferred than requested.
	ErrShortIO = errors.New("storage: short transfer")

	// ErrInvariant indicates an internal precondition was violated.
	ErrInvariant = errors.New("storage: invariant violation")

	// ErrBounds indicates an access outside the used region.
	ErrBounds = errors.New("storage: out of bounds")

	// ErrOverflow indicates index or size arithmetic would overflow.
	ErrOverflow = errors.New("storage: arithmetic overflow")

	// ErrIncompatible indicates persisted data was written by an incompatible format.
	ErrIncompatible = errors.New("storage: incompatible format")

	// ErrStructure indicates a structurally invalid configuration.
	ErrStructure = errors.New("storage: invalid structure")

	// ErrDuplicateRecord indicates two unfinished records share one identity.
	ErrDuplicateRecord = errors.New("storage: duplicate unfinished record")

	// ErrUnknownRecord indicates no unfinished record exists for an identity.
	ErrUnknownRecord = errors.New("storage: unknown unfinished record")

	// ErrReadOnly is returned by mutating operations on a volume opened read-only.
	ErrReadOnly = errors.New("storage: read-only")

	// ErrCorrupt indicates on-disk data corruption was detected.
	ErrCorrupt = errors.New("storage: data corruption detected")
)
