// Package driver contains the orchestration loops that sit on top of the bridge:
// a benchmark harness and a live-capture detection loop.
//
// Both drivers own every engine handle they create and delete it before
// returning. Neither retries a failed engine call.
package driver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/bridge"
	"github.com/born-ml/detbridge/internal/metrics"
	"github.com/born-ml/detbridge/internal/pipeline"
	"github.com/born-ml/detbridge/internal/tensor"
)

// Common errors.
var (
	ErrLeak           = errors.New("driver: engine resources leaked")
	ErrInputLayout    = errors.New("driver: network input is not NHWC with 3 channels")
	ErrTooManyFailure = errors.New("driver: too many consecutive frame failures")
)

// Option configures a driver.
type Option func(*options)

type options struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

// WithLogger sets the driver logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithMetrics records detections and frame outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func newOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// openNetwork creates and initializes the network. A failed init is terminal.
func openNetwork(ctx context.Context, rt *bridge.Runtime) (*bridge.Network, error) {
	pending, err := rt.CreateNetwork(ctx)
	if err != nil {
		return nil, err
	}
	nn, err := pending.Init(ctx)
	if err != nil {
		if errors.Is(err, bridge.ErrNetworkInit) {
			return nil, err
		}
		return nil, multierr.Append(err, pending.Delete(ctx))
	}
	return nn, nil
}

// openPredictor creates a predictor and configures it with the rendered pipeline.
func openPredictor(ctx context.Context, rt *bridge.Runtime, p *pipeline.Pipeline) (*bridge.Predictor, error) {
	cfg, err := p.Render()
	if err != nil {
		return nil, err
	}
	pending, err := rt.CreatePredictor(ctx)
	if err != nil {
		return nil, err
	}
	pred, err := pending.Configure(ctx, cfg)
	if err != nil {
		return nil, multierr.Append(err, pending.Delete(ctx))
	}
	return pred, nil
}

// imageInput returns height and width of an NHWC RGB input shape.
func imageInput(shape tensor.Shape) (height, width int, err error) {
	if len(shape) != 4 || shape[0] != 1 || shape[3] != 3 || shape[1] <= 0 || shape[2] <= 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrInputLayout, shape)
	}
	return shape[1], shape[2], nil
}

// checkLeaks compares runtime stats before and after a driver run.
func checkLeaks(before, after bridge.Stats) error {
	if after.Scratch.Live != before.Scratch.Live ||
		after.Tensors != before.Tensors ||
		after.Predictors != before.Predictors ||
		after.Networks != before.Networks {
		return fmt.Errorf("%w: scratch regions %d -> %d, tensors %d -> %d, predictors %d -> %d, networks %d -> %d",
			ErrLeak,
			before.Scratch.Live, after.Scratch.Live,
			before.Tensors, after.Tensors,
			before.Predictors, after.Predictors,
			before.Networks, after.Networks)
	}
	return nil
}
