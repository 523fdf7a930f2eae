package shm

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrAllocation  = errors.New("shm: engine out of addressable memory")
	ErrReleased    = errors.New("shm: region already released")
	ErrOutOfBounds = errors.New("shm: access outside region")
)

// BoundsError provides detail about an access that would leave its region.
type BoundsError struct {
	Op     string // "read" or "write"
	Offset uint32 // Offset into the region
	Length uint64 // Bytes requested
	Size   uint32 // Region size
}

// Error implements the error interface.
func (e *BoundsError) Error() string {
	return fmt.Sprintf("shm: %s of %d bytes at offset %d exceeds region of %d bytes",
		e.Op, e.Length, e.Offset, e.Size)
}

// Is makes errors.Is(err, ErrOutOfBounds) hold for every BoundsError.
func (e *BoundsError) Is(target error) bool {
	return target == ErrOutOfBounds
}
