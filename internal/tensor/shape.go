package tensor

import (
	"fmt"
	"math"
)

// MaxRank bounds the rank accepted from the engine. Anything larger is treated
// as a corrupt rank query rather than a real tensor.
const MaxRank = 16

// Shape represents the dimensions of a tensor in row-major order.
type Shape []int

// NumElements returns the total number of elements in the tensor.
// A rank-0 shape describes a scalar and has one element.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that every dimension is non-negative, the rank is within
// MaxRank and the element count fits in a 32-bit byte count of float32 data.
func (s Shape) Validate() error {
	if len(s) > MaxRank {
		return fmt.Errorf("rank %d exceeds maximum %d", len(s), MaxRank)
	}
	limit := int64(math.MaxUint32) / int64(Float32.Size())
	count := int64(1)
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
		if dim == 0 {
			count = 0
			continue
		}
		if count > limit/int64(dim) {
			return fmt.Errorf("shape %v overflows %d elements", s, limit)
		}
		count *= int64(dim)
	}
	return nil
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Int32s converts the shape to the int32 layout the engine reads.
func (s Shape) Int32s() []int32 {
	dims := make([]int32, len(s))
	for i, dim := range s {
		dims[i] = int32(dim) //nolint:gosec // bounded by Validate
	}
	return dims
}

// FromInt32s builds a Shape from engine dimensions and validates it.
func FromInt32s(dims []int32) (Shape, error) {
	s := make(Shape, len(dims))
	for i, dim := range dims {
		s[i] = int(dim)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// String formats the shape as [d0 d1 ...].
func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}
