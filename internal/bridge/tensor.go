package bridge

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/born-ml/detbridge/internal/codec"
	"github.com/born-ml/detbridge/internal/engine"
	"github.com/born-ml/detbridge/internal/shm"
	"github.com/born-ml/detbridge/internal/tensor"
)

// Tensor is an engine tensor of float32 values owned by the caller.
type Tensor struct {
	h     handle
	owner *Predictor // set for predictor outputs
}

// CreateTensor copies shape and data into the engine. len(data) must equal
// shape.NumElements().
func (rt *Runtime) CreateTensor(ctx context.Context, shape tensor.Shape, data []float32) (*Tensor, error) {
	if err := rt.ready(); err != nil {
		return nil, err
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadShape, err)
	}
	if want := shape.NumElements(); len(data) != want {
		return nil, fmt.Errorf("%w: %d values for shape %v (%d elements)", ErrShapeMismatch, len(data), shape, want)
	}

	var id engine.Handle
	err := rt.scoped(ctx, func(s *shm.Scope) error {
		dims, err := codec.EncodeInts(ctx, s, shape.Int32s())
		if err != nil {
			return err
		}
		values, err := codec.EncodeFloats(ctx, s, data)
		if err != nil {
			return err
		}
		id, err = rt.eng.TensorCreate(ctx, uint32(len(shape)), dims.Addr(), values.Addr()) //nolint:gosec // rank bounded by Validate
		return err
	})
	if err == nil && id == 0 {
		err = ErrNullHandle
	}
	if err != nil {
		if id != 0 {
			// Created, but a scratch release failed afterwards.
			err = multierr.Append(err, rt.eng.TensorDelete(ctx, id))
		}
		return nil, fmt.Errorf("create tensor %v: %w", shape, err)
	}

	t := &Tensor{}
	t.h.init(rt, kindTensor, id)
	return t, nil
}

// Shape queries the tensor shape.
func (t *Tensor) Shape(ctx context.Context) (tensor.Shape, error) {
	if err := t.h.check(); err != nil {
		return nil, err
	}
	rt := t.h.rt
	shape, err := rt.queryShape(ctx, t.h.id, rt.eng.TensorRank, rt.eng.TensorShape)
	if err != nil {
		return nil, fmt.Errorf("tensor %d shape: %w", t.h.id, err)
	}
	return shape, nil
}

// Data copies the tensor values out of the engine. The element count comes
// from a shape query made in the same call.
func (t *Tensor) Data(ctx context.Context) ([]float32, error) {
	shape, err := t.Shape(ctx)
	if err != nil {
		return nil, err
	}
	rt := t.h.rt
	count := shape.NumElements()
	size, err := codec.ByteSize(tensor.Float32, count)
	if err != nil {
		return nil, err
	}

	var data []float32
	err = shm.Scoped(ctx, rt.alloc, size, func(r *shm.Region) error {
		if err := rt.eng.TensorData(ctx, t.h.id, r.Addr()); err != nil {
			return err
		}
		var err error
		data, err = codec.DecodeFloats(r, count)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tensor %d data: %w", t.h.id, err)
	}
	return data, nil
}

// Delete deletes the tensor in the engine.
func (t *Tensor) Delete(ctx context.Context) error {
	if err := t.h.check(); err != nil {
		return err
	}
	if t.owner != nil {
		delete(t.owner.outputs, t)
	}
	return t.h.release(ctx)
}
