// Package codec converts typed numeric sequences to and from engine memory.
//
// Elements are 4 bytes wide and little-endian, the byte order of wasm linear
// memory. The engine has no type information about the bytes it is handed, so
// every decode takes an element count that the caller derived from an
// authoritative shape query; it is never inferred from a region's length.
package codec

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/multierr"

	"github.com/born-ml/detbridge/internal/shm"
	"github.com/born-ml/detbridge/internal/tensor"
)

// ByteSize returns the byte length of count elements of dtype, or an error if
// it does not fit in a 32-bit byte count.
func ByteSize(dtype tensor.DataType, count int) (uint32, error) {
	if count < 0 {
		return 0, fmt.Errorf("negative element count %d", count)
	}
	size := uint64(count) * uint64(dtype.Size())
	if size > math.MaxUint32 {
		return 0, fmt.Errorf("%d %s elements exceed 32-bit address space", count, dtype)
	}
	return uint32(size), nil
}

// PutFloats encodes values into a new little-endian byte slice.
func PutFloats(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// PutInts encodes values into a new little-endian byte slice.
func PutInts(values []int32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v)) //nolint:gosec // bit reinterpretation
	}
	return buf
}

// Floats decodes a little-endian byte slice. len(b) must be a multiple of 4.
func Floats(b []byte) []float32 {
	values := make([]float32, len(b)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return values
}

// Ints decodes a little-endian byte slice. len(b) must be a multiple of 4.
func Ints(b []byte) []int32 {
	values := make([]int32, len(b)/4)
	for i := range values {
		values[i] = int32(binary.LittleEndian.Uint32(b[4*i:])) //nolint:gosec // bit reinterpretation
	}
	return values
}

// EncodeFloats allocates a region of 4*len(values) bytes and writes values in
// row-major order. The caller owns the returned region.
func EncodeFloats(ctx context.Context, a shm.RegionAllocator, values []float32) (*shm.Region, error) {
	size, err := ByteSize(tensor.Float32, len(values))
	if err != nil {
		return nil, err
	}
	return encode(ctx, a, size, PutFloats(values))
}

// EncodeInts allocates a region of 4*len(values) bytes and writes values.
// The caller owns the returned region.
func EncodeInts(ctx context.Context, a shm.RegionAllocator, values []int32) (*shm.Region, error) {
	size, err := ByteSize(tensor.Int32, len(values))
	if err != nil {
		return nil, err
	}
	return encode(ctx, a, size, PutInts(values))
}

// Alloc allocates an uninitialized region for count elements of dtype, for
// the engine to fill.
func Alloc(ctx context.Context, a shm.RegionAllocator, dtype tensor.DataType, count int) (*shm.Region, error) {
	size, err := ByteSize(dtype, count)
	if err != nil {
		return nil, err
	}
	return a.Allocate(ctx, size)
}

func encode(ctx context.Context, a shm.RegionAllocator, size uint32, data []byte) (*shm.Region, error) {
	r, err := a.Allocate(ctx, size)
	if err != nil {
		return nil, err
	}
	if err := r.Write(0, data); err != nil {
		// The region never left this function; give it back before reporting.
		return nil, multierr.Append(err, r.Release(ctx))
	}
	return r, nil
}

// DecodeFloats reads count float32 elements from the start of r. It fails
// with shm.ErrOutOfBounds if count elements do not fit in the region.
func DecodeFloats(r *shm.Region, count int) ([]float32, error) {
	raw, err := read(r, tensor.Float32, count)
	if err != nil {
		return nil, err
	}
	return Floats(raw), nil
}

// DecodeInts reads count int32 elements from the start of r.
func DecodeInts(r *shm.Region, count int) ([]int32, error) {
	raw, err := read(r, tensor.Int32, count)
	if err != nil {
		return nil, err
	}
	return Ints(raw), nil
}

func read(r *shm.Region, dtype tensor.DataType, count int) ([]byte, error) {
	size, err := ByteSize(dtype, count)
	if err != nil {
		return nil, err
	}
	return r.Read(0, size)
}
