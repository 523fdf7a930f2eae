package bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/codec"
	"github.com/born-ml/detbridge/internal/metrics"
	"github.com/born-ml/detbridge/internal/shm"
	"github.com/born-ml/detbridge/internal/tensor"
)

// PendingNetwork is a network object that has been created but not
// initialized. It cannot run.
type PendingNetwork struct {
	h handle
}

// Network is an initialized network with fixed input and output shapes.
type Network struct {
	h     handle
	input tensor.Shape // cached by InputShape
}

// CreateNetwork asks the engine for a new network object.
func (rt *Runtime) CreateNetwork(ctx context.Context) (*PendingNetwork, error) {
	if err := rt.ready(); err != nil {
		return nil, err
	}
	id, err := rt.eng.NetworkCreate(ctx)
	if err != nil {
		return nil, fmt.Errorf("create network: %w", err)
	}
	if id == 0 {
		return nil, fmt.Errorf("create network: %w", ErrNullHandle)
	}
	p := &PendingNetwork{}
	p.h.init(rt, kindNetwork, id)
	return p, nil
}

// Init loads the bundled model. On success p is consumed and the returned
// Network owns the engine object. If the engine reports failure the object is
// deleted, p is poisoned and ErrNetworkInit is returned; the failure is
// never retried. A trapped call leaves p usable so the caller can Delete it.
func (p *PendingNetwork) Init(ctx context.Context) (*Network, error) {
	if err := p.h.check(); err != nil {
		return nil, err
	}
	rt := p.h.rt
	ok, err := rt.eng.NetworkInit(ctx, p.h.id)
	if err != nil {
		return nil, fmt.Errorf("init network %d: %w", p.h.id, err)
	}
	if !ok {
		if err := p.h.release(ctx); err != nil {
			rt.log.Warn("delete after failed init", zap.Error(err))
		}
		return nil, ErrNetworkInit
	}

	p.h.consume()
	n := &Network{}
	n.h.init(rt, kindNetwork, p.h.id)
	rt.log.Debug("network initialized", zap.Uint32("handle", uint32(n.h.id)))
	return n, nil
}

// Delete deletes the uninitialized network.
func (p *PendingNetwork) Delete(ctx context.Context) error {
	return p.h.release(ctx)
}

// InputShape queries the network input shape.
func (n *Network) InputShape(ctx context.Context) (tensor.Shape, error) {
	if err := n.h.check(); err != nil {
		return nil, err
	}
	rt := n.h.rt
	shape, err := rt.queryShape(ctx, n.h.id, rt.eng.NetworkInputRank, rt.eng.NetworkInputShape)
	if err != nil {
		return nil, fmt.Errorf("network input shape: %w", err)
	}
	n.input = shape
	return shape.Clone(), nil
}

// OutputShape queries the network output shape.
func (n *Network) OutputShape(ctx context.Context) (tensor.Shape, error) {
	if err := n.h.check(); err != nil {
		return nil, err
	}
	rt := n.h.rt
	shape, err := rt.queryShape(ctx, n.h.id, rt.eng.NetworkOutputRank, rt.eng.NetworkOutputShape)
	if err != nil {
		return nil, fmt.Errorf("network output shape: %w", err)
	}
	return shape, nil
}

// Run executes the raw network on input, which must hold exactly as many
// values as the network input shape, and returns product(outputShape) values.
// Both scratch regions are released before Run returns.
func (n *Network) Run(ctx context.Context, input []float32, outputShape tensor.Shape) ([]float32, error) {
	if err := n.h.check(); err != nil {
		return nil, err
	}
	if err := outputShape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: output %v: %w", ErrBadShape, outputShape, err)
	}
	if n.input == nil {
		if _, err := n.InputShape(ctx); err != nil {
			return nil, err
		}
	}
	if want := n.input.NumElements(); len(input) != want {
		return nil, fmt.Errorf("%w: input has %d values, shape %v needs %d", ErrShapeMismatch, len(input), n.input, want)
	}

	rt := n.h.rt
	start := time.Now()
	var output []float32
	err := rt.scoped(ctx, func(s *shm.Scope) error {
		in, err := codec.EncodeFloats(ctx, s, input)
		if err != nil {
			return err
		}
		count := outputShape.NumElements()
		out, err := codec.Alloc(ctx, s, tensor.Float32, count)
		if err != nil {
			return err
		}
		if err := rt.eng.NetworkRun(ctx, n.h.id, in.Addr(), out.Addr()); err != nil {
			return err
		}
		output, err = codec.DecodeFloats(out, count)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("run network %d: %w", n.h.id, err)
	}

	elapsed := time.Since(start)
	rt.metrics.ObserveInference(metrics.PathNetwork, elapsed)
	rt.log.Debug("network run", zap.Uint32("handle", uint32(n.h.id)), zap.Duration("elapsed", elapsed))
	return output, nil
}

// Delete deletes the network. Engines without a network delete entry point
// keep the object until the engine is closed.
func (n *Network) Delete(ctx context.Context) error {
	return n.h.release(ctx)
}
