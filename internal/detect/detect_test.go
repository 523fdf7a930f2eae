package detect

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/born-ml/detbridge/internal/tensor"
)

func TestDecodeSkipsEmptySlots(t *testing.T) {
	shape := tensor.Shape{1, 4, Fields}
	data := []float32{
		0.1, 0.2, 0.3, 0.4, 0, 0.9,
		0.5, 0.5, 0.1, 0.1, 2, 0, // score 0: empty
		0.0, 0.0, 0.0, 0.0, 0, -1, // negative score: empty
		0.6, 0.1, 0.2, 0.2, 1, 0.25,
	}

	dets, err := Decode(shape, data)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, Detection{Slot: 0, Box: Box{0.1, 0.2, 0.3, 0.4}, Class: 0, Score: 0.9}, dets[0])
	assert.Equal(t, 3, dets[1].Slot)
	assert.Equal(t, 1, dets[1].Class)
}

func TestDecodeBatches(t *testing.T) {
	shape := tensor.Shape{2, 2, Fields}
	data := make([]float32, shape.NumElements())
	data[2*Fields+5] = 0.5 // batch 1, slot 0
	data[2*Fields+4] = 3
	data[3*Fields+5] = float32(math.NaN())

	dets, err := Decode(shape, data)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].Batch)
	assert.Equal(t, 0, dets[0].Slot)
	assert.Equal(t, 3, dets[0].Class)
}

func TestDecodeRejectsLayout(t *testing.T) {
	_, err := Decode(tensor.Shape{1, 5, 5}, make([]float32, 25))
	assert.ErrorIs(t, err, ErrLayout)

	_, err = Decode(tensor.Shape{1, 2, Fields}, make([]float32, 6))
	assert.ErrorIs(t, err, ErrLayout)
}

func TestBoxScale(t *testing.T) {
	b := Box{X: 0.25, Y: 0.5, W: 0.5, H: 0.25}.Scale(160, 80)
	assert.Equal(t, Box{X: 40, Y: 40, W: 80, H: 20}, b)
}

func TestDump(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	shape := tensor.Shape{1, 2, Fields}
	Dump(zap.New(core), shape, make([]float32, 12))
	assert.Equal(t, 3, logs.Len())

	quiet, logs := observer.New(zap.InfoLevel)
	Dump(zap.New(quiet), shape, make([]float32, 12))
	assert.Zero(t, logs.Len())
}
