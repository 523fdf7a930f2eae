package codec

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/detbridge/internal/engine"
	"github.com/born-ml/detbridge/internal/engine/enginetest"
	"github.com/born-ml/detbridge/internal/shm"
	"github.com/born-ml/detbridge/internal/tensor"
)

func TestFloatsRoundTripBitExact(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	alloc := shm.NewAllocator(eng)

	values := []float32{
		0,
		float32(math.Copysign(0, -1)),
		-1.5,
		0.99999994,
		1,
		math.Nextafter32(1, 2),
		math.SmallestNonzeroFloat32,
		math.MaxFloat32,
		float32(math.Inf(-1)),
	}

	r, err := EncodeFloats(ctx, alloc, values)
	require.NoError(t, err)
	assert.Equal(t, uint32(4*len(values)), r.Len())

	got, err := DecodeFloats(r, len(values))
	require.NoError(t, err)
	require.Len(t, got, len(values))
	for i := range values {
		assert.Equal(t, math.Float32bits(values[i]), math.Float32bits(got[i]), "element %d", i)
	}

	require.NoError(t, r.Release(ctx))
	assert.Empty(t, eng.Violations())
	assert.Zero(t, eng.LiveAllocations())
}

func TestIntsRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	alloc := shm.NewAllocator(eng)

	values := []int32{1, 160, 160, 3, -7, math.MaxInt32, math.MinInt32}
	r, err := EncodeInts(ctx, alloc, values)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Release(ctx)) }()

	got, err := DecodeInts(r, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestLittleEndianLayout(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, PutFloats([]float32{1}))
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff}, PutInts([]int32{3, -1}))
	assert.Equal(t, []int32{160}, Ints([]byte{0xa0, 0, 0, 0}))
}

func TestDecodePastRegionFails(t *testing.T) {
	ctx := context.Background()
	alloc := shm.NewAllocator(enginetest.New())

	r, err := EncodeFloats(ctx, alloc, []float32{1, 2, 3})
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Release(ctx)) }()

	_, err = DecodeFloats(r, 4)
	require.ErrorIs(t, err, shm.ErrOutOfBounds)

	var bounds *shm.BoundsError
	require.ErrorAs(t, err, &bounds)
	assert.Equal(t, uint64(16), bounds.Length)
	assert.Equal(t, uint32(12), bounds.Size)

	_, err = DecodeInts(r, -1)
	assert.Error(t, err)
}

func TestEncodeEmpty(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	alloc := shm.NewAllocator(eng)

	r, err := EncodeFloats(ctx, alloc, nil)
	require.NoError(t, err)
	assert.NotZero(t, r.Addr(), "empty regions still get a distinct address")
	assert.Zero(t, r.Len())

	got, err := DecodeFloats(r, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, r.Release(ctx))
	assert.Empty(t, eng.Violations())
}

func TestEncodeOutOfMemory(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New(enginetest.WithMemorySize(64))
	alloc := shm.NewAllocator(eng)

	_, err := EncodeFloats(ctx, alloc, make([]float32, 1024))
	require.ErrorIs(t, err, shm.ErrAllocation)
	assert.Zero(t, alloc.Stats().Live)
}

// shortAllocator hands out regions one element smaller than asked for.
type shortAllocator struct{ *shm.Allocator }

func (a shortAllocator) Allocate(ctx context.Context, size uint32) (*shm.Region, error) {
	return a.Allocator.Allocate(ctx, size-4)
}

func TestEncodeWriteFailureReportsFree(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	alloc := shm.NewAllocator(eng)
	freeErr := errors.New("free trapped")
	eng.FailNext(engine.FnFree, freeErr)

	_, err := EncodeInts(ctx, shortAllocator{alloc}, []int32{1, 2, 3})
	require.ErrorIs(t, err, shm.ErrOutOfBounds)
	assert.ErrorIs(t, err, freeErr)
	assert.Zero(t, alloc.Stats().Live, "region poisoned even though free failed")
}

func TestByteSize(t *testing.T) {
	n, err := ByteSize(tensor.Float32, 25)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), n)

	_, err = ByteSize(tensor.Int32, math.MaxInt32)
	assert.Error(t, err)
}
