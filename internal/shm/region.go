package shm

import (
	"context"

	"github.com/born-ml/detbridge/internal/engine"
)

// Region is a byte range in engine memory owned by exactly one caller.
type Region struct {
	_        noCopy
	alloc    *Allocator
	ptr      engine.Ptr
	size     uint32
	released bool
}

// Addr returns the engine address of the region.
func (r *Region) Addr() engine.Ptr {
	return r.ptr
}

// Len returns the usable length of the region in bytes.
func (r *Region) Len() uint32 {
	return r.size
}

// Released reports whether the region has been released.
func (r *Region) Released() bool {
	return r.released
}

// Write copies data into the region starting at offset.
func (r *Region) Write(offset uint32, data []byte) error {
	if r.released {
		return ErrReleased
	}
	if err := r.check("write", offset, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return r.alloc.mem.WriteMemory(r.ptr+engine.Ptr(offset), data)
}

// Read copies length bytes out of the region starting at offset.
func (r *Region) Read(offset, length uint32) ([]byte, error) {
	if r.released {
		return nil, ErrReleased
	}
	if err := r.check("read", offset, uint64(length)); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	return r.alloc.mem.ReadMemory(r.ptr+engine.Ptr(offset), length)
}

// Release returns the region to the engine. A second call returns ErrReleased
// without reaching the engine.
func (r *Region) Release(ctx context.Context) error {
	return r.alloc.release(ctx, r)
}

func (r *Region) check(op string, offset uint32, length uint64) error {
	if uint64(offset)+length > uint64(r.size) {
		return &BoundsError{Op: op, Offset: offset, Length: length, Size: r.size}
	}
	return nil
}
