package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/metrics"
	"github.com/born-ml/detbridge/internal/shm"
)

// Config is the pipeline description handed to the engine. The bridge passes
// it through verbatim; only the engine parses it.
type Config string

// PendingPredictor is a predictor that has not been configured. It cannot run.
type PendingPredictor struct {
	h handle
}

// Predictor is a configured inference pipeline.
type Predictor struct {
	h       handle
	outputs map[*Tensor]struct{}
}

// CreatePredictor asks the engine for a new predictor object.
func (rt *Runtime) CreatePredictor(ctx context.Context) (*PendingPredictor, error) {
	if err := rt.ready(); err != nil {
		return nil, err
	}
	id, err := rt.eng.PredictorCreate(ctx)
	if err != nil {
		return nil, fmt.Errorf("create predictor: %w", err)
	}
	if id == 0 {
		return nil, fmt.Errorf("create predictor: %w", ErrNullHandle)
	}
	p := &PendingPredictor{}
	p.h.init(rt, kindPredictor, id)
	return p, nil
}

// Configure passes cfg to the engine as a NUL-terminated string. On success p
// is consumed and the returned Predictor owns the engine object; on failure p
// stays pending.
func (p *PendingPredictor) Configure(ctx context.Context, cfg Config) (*Predictor, error) {
	if err := p.h.check(); err != nil {
		return nil, err
	}
	if strings.IndexByte(string(cfg), 0) >= 0 {
		return nil, ErrInvalidConfig
	}

	rt := p.h.rt
	text := append([]byte(cfg), 0)
	err := shm.Scoped(ctx, rt.alloc, uint32(len(text)), func(r *shm.Region) error { //nolint:gosec // config text is small
		if err := r.Write(0, text); err != nil {
			return err
		}
		return rt.eng.PredictorConfigure(ctx, p.h.id, r.Addr())
	})
	if err != nil {
		return nil, fmt.Errorf("configure predictor %d: %w", p.h.id, err)
	}

	p.h.consume()
	pr := &Predictor{outputs: make(map[*Tensor]struct{})}
	pr.h.init(rt, kindPredictor, p.h.id)
	rt.log.Debug("predictor configured", zap.Uint32("handle", uint32(pr.h.id)), zap.Int("config_bytes", len(cfg)))
	return pr, nil
}

// Delete deletes the unconfigured predictor.
func (p *PendingPredictor) Delete(ctx context.Context) error {
	return p.h.release(ctx)
}

// Run runs the pipeline on input and returns a new [batch, maxDetections, 6]
// tensor owned by the caller. input stays owned by the caller.
func (p *Predictor) Run(ctx context.Context, input *Tensor) (*Tensor, error) {
	if err := p.h.check(); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, fmt.Errorf("predictor input: %w", ErrReleased)
	}
	if err := input.h.check(); err != nil {
		return nil, fmt.Errorf("predictor input: %w", err)
	}

	rt := p.h.rt
	start := time.Now()
	id, err := rt.eng.PredictorRun(ctx, p.h.id, input.h.id)
	if err != nil {
		return nil, fmt.Errorf("run predictor %d: %w", p.h.id, err)
	}
	if id == 0 {
		return nil, fmt.Errorf("run predictor %d: %w", p.h.id, ErrNullHandle)
	}
	elapsed := time.Since(start)
	rt.metrics.ObserveInference(metrics.PathPredictor, elapsed)
	rt.log.Debug("predictor run", zap.Uint32("handle", uint32(p.h.id)), zap.Duration("elapsed", elapsed))

	out := &Tensor{owner: p}
	out.h.init(rt, kindTensor, id)
	p.outputs[out] = struct{}{}
	return out, nil
}

// Outstanding returns the number of output tensors not yet deleted.
func (p *Predictor) Outstanding() int {
	return len(p.outputs)
}

// Delete deletes the predictor after deleting any output tensors still alive.
// Those tensors are poisoned.
func (p *Predictor) Delete(ctx context.Context) error {
	if err := p.h.check(); err != nil {
		return err
	}
	var err error
	for t := range p.outputs {
		err = multierr.Append(err, t.Delete(ctx))
	}
	return multierr.Append(err, p.h.release(ctx))
}
