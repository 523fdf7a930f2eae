// Package bridge wraps the engine's numeric handles in typed, single-owner Go values.
//
// Each engine object kind gets its own wrapper that exposes only the
// operations legal in its lifecycle state:
//
//	CreateNetwork -> *PendingNetwork --Init--> *Network
//	CreatePredictor -> *PendingPredictor --Configure--> *Predictor
//	CreateTensor / Predictor.Run -> *Tensor
//
// Transitions consume the receiver and Delete poisons it; afterwards every
// method returns ErrReleased without touching engine memory. Scratch regions
// used to move shapes and data across the boundary never outlive the call
// that allocated them.
//
// A Runtime and everything created from it must be driven from a single
// goroutine. Engine calls are not interruptible: ctx is passed through but a
// running call always completes.
package bridge

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/codec"
	"github.com/born-ml/detbridge/internal/engine"
	"github.com/born-ml/detbridge/internal/metrics"
	"github.com/born-ml/detbridge/internal/shm"
	"github.com/born-ml/detbridge/internal/tensor"
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger used by the runtime and its allocator.
func WithLogger(log *zap.Logger) Option {
	return func(rt *Runtime) {
		rt.log = log
	}
}

// WithMetrics records scratch regions, handle deletions and inference latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(rt *Runtime) {
		rt.metrics = m
	}
}

// Runtime owns a ready engine, the scratch allocator on top of it and the
// table of live handles.
type Runtime struct {
	eng     engine.Engine
	alloc   *shm.Allocator
	log     *zap.Logger
	metrics *metrics.Metrics
	live    map[*handle]struct{}
	closed  bool
}

// New builds a runtime on a ready engine. The runtime takes ownership of eng
// and closes it in Close.
func New(eng engine.Engine, opts ...Option) *Runtime {
	rt := &Runtime{
		eng:  eng,
		log:  zap.NewNop(),
		live: make(map[*handle]struct{}),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.alloc = shm.NewAllocator(eng, shm.WithLogger(rt.log), shm.WithMetrics(rt.metrics))
	return rt
}

// Stats reports live handles and scratch allocator activity.
type Stats struct {
	Networks   int
	Predictors int
	Tensors    int
	Scratch    shm.Stats
}

// Stats returns a snapshot of the runtime.
func (rt *Runtime) Stats() Stats {
	s := Stats{Scratch: rt.alloc.Stats()}
	for h := range rt.live {
		switch h.kind {
		case kindNetwork:
			s.Networks++
		case kindPredictor:
			s.Predictors++
		case kindTensor:
			s.Tensors++
		}
	}
	return s
}

// Close deletes every live handle, reclaims leaked scratch regions and closes
// the engine. Wrappers still held by callers are poisoned. Calling Close
// again is a no-op.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt.closed {
		return nil
	}
	rt.closed = true

	handles := make([]*handle, 0, len(rt.live))
	for h := range rt.live {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool {
		if handles[i].kind != handles[j].kind {
			return handles[i].kind.order() < handles[j].kind.order()
		}
		return handles[i].id < handles[j].id
	})

	var err error
	for _, h := range handles {
		rt.log.Warn("deleting live handle at close", zap.String("kind", string(h.kind)), zap.Uint32("handle", uint32(h.id)))
		err = multierr.Append(err, h.release(ctx))
	}
	if leaked := rt.alloc.Live(); len(leaked) > 0 {
		rt.log.Warn("scratch regions leaked", zap.Int("count", len(leaked)))
		err = multierr.Append(err, rt.alloc.Reclaim(ctx))
	}
	err = multierr.Append(err, rt.eng.Close(ctx))
	rt.log.Debug("runtime closed", zap.Uint64("scratch_peak_bytes", rt.alloc.Stats().PeakBytes))
	return err
}

func (rt *Runtime) ready() error {
	if rt.closed {
		return ErrClosed
	}
	return nil
}

func (rt *Runtime) deleter(k kind) func(context.Context, engine.Handle) error {
	switch k {
	case kindNetwork:
		return rt.eng.NetworkDelete
	case kindPredictor:
		return rt.eng.PredictorDelete
	default:
		return rt.eng.TensorDelete
	}
}

// scoped runs fn with a scope whose regions are released when fn returns.
func (rt *Runtime) scoped(ctx context.Context, fn func(s *shm.Scope) error) (err error) {
	s := rt.alloc.NewScope()
	defer func() {
		err = multierr.Append(err, s.Close(ctx))
	}()
	return fn(s)
}

type rankFunc func(context.Context, engine.Handle) (int32, error)

type shapeFunc func(context.Context, engine.Handle, engine.Ptr) error

// queryShape runs the rank-then-shape protocol: ask for the rank, allocate
// room for that many int32 values, let the engine fill it, decode, release.
func (rt *Runtime) queryShape(ctx context.Context, id engine.Handle, rank rankFunc, fill shapeFunc) (tensor.Shape, error) {
	n, err := rank(ctx, id)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > tensor.MaxRank {
		return nil, fmt.Errorf("%w: engine reported rank %d", ErrBadShape, n)
	}

	size, err := codec.ByteSize(tensor.Int32, int(n))
	if err != nil {
		return nil, err
	}
	var dims []int32
	err = shm.Scoped(ctx, rt.alloc, size, func(r *shm.Region) error {
		if err := fill(ctx, id, r.Addr()); err != nil {
			return err
		}
		var err error
		dims, err = codec.DecodeInts(r, int(n))
		return err
	})
	if err != nil {
		return nil, err
	}

	shape, err := tensor.FromInt32s(dims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadShape, err)
	}
	return shape, nil
}
