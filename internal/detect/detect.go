// Package detect interprets predictor output tensors.
//
// A predictor returns a [batch, slots, 6] tensor. Each slot holds
// (x, y, w, h, class, score) with the box in coordinates normalized to the
// configured image size and (x, y) the top-left corner. A slot whose score is
// not positive holds no detection.
package detect

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/tensor"
)

// Fields is the number of values in one detection slot.
const Fields = 6

// ErrLayout is returned for tensors that are not [batch, slots, 6].
var ErrLayout = errors.New("detect: output is not [batch, slots, 6]")

// Box is an axis-aligned rectangle: top-left corner, width and height.
type Box struct {
	X, Y, W, H float32
}

// Scale converts a normalized box to pixels of a width x height image.
func (b Box) Scale(width, height int) Box {
	w, h := float32(width), float32(height)
	return Box{X: b.X * w, Y: b.Y * h, W: b.W * w, H: b.H * h}
}

// Detection is one occupied slot.
type Detection struct {
	Batch int
	Slot  int
	Box   Box // normalized
	Class int
	Score float32
}

// Decode returns the occupied slots of a predictor output in batch then slot
// order. data must hold exactly shape.NumElements() values.
func Decode(shape tensor.Shape, data []float32) ([]Detection, error) {
	if len(shape) != 3 || shape[2] != Fields {
		return nil, fmt.Errorf("%w: got %v", ErrLayout, shape)
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrLayout, len(data), shape)
	}

	var dets []Detection
	strides := shape.ComputeStrides()
	for b := 0; b < shape[0]; b++ {
		for s := 0; s < shape[1]; s++ {
			row := data[b*strides[0]+s*strides[1]:][:Fields]
			score := row[5]
			// NaN compares false too.
			if !(score > 0) {
				continue
			}
			dets = append(dets, Detection{
				Batch: b,
				Slot:  s,
				Box:   Box{X: row[0], Y: row[1], W: row[2], H: row[3]},
				Class: classIndex(row[4]),
				Score: score,
			})
		}
	}
	return dets, nil
}

func classIndex(v float32) int {
	if v < 0 || math.IsNaN(float64(v)) || v > math.MaxInt32 {
		return -1
	}
	return int(v + 0.5)
}

// Dump logs every slot of a predictor output at debug level, occupied or not.
func Dump(log *zap.Logger, shape tensor.Shape, data []float32) {
	if !log.Core().Enabled(zap.DebugLevel) {
		return
	}
	log.Debug("tensor dump", zap.Stringer("shape", shape), zap.Int("values", len(data)))
	if len(shape) != 3 || shape[2] != Fields || len(data) != shape.NumElements() {
		return
	}
	for i := 0; i < shape[0]*shape[1]; i++ {
		row := data[i*Fields : (i+1)*Fields]
		log.Debug("slot",
			zap.Int("index", i),
			zap.Float32s("box", row[:4]),
			zap.Float32("class", row[4]),
			zap.Float32("score", row[5]))
	}
}
