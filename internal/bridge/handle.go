package bridge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/engine"
)

// kind names the engine object behind a handle.
type kind string

const (
	kindNetwork   kind = "network"
	kindPredictor kind = "predictor"
	kindTensor    kind = "tensor"
)

// order is the teardown order used by Runtime.Close: outputs before the
// predictors that produced them, networks last.
func (k kind) order() int {
	switch k {
	case kindTensor:
		return 0
	case kindPredictor:
		return 1
	default:
		return 2
	}
}

// handle guards one engine handle. Once released it never reaches the engine
// again: every wrapper method calls check first.
type handle struct {
	_        noCopy
	rt       *Runtime
	kind     kind
	id       engine.Handle
	released bool
}

func (h *handle) init(rt *Runtime, k kind, id engine.Handle) {
	h.rt = rt
	h.kind = k
	h.id = id
	rt.live[h] = struct{}{}
}

func (h *handle) check() error {
	if h == nil || h.released || h.rt == nil {
		return ErrReleased
	}
	return nil
}

// consume retires h without deleting the engine object, which now belongs to
// the wrapper built from it.
func (h *handle) consume() {
	h.released = true
	delete(h.rt.live, h)
}

// release retires h and deletes the engine object. The handle is poisoned
// before the engine call so a failed delete is never retried. Engines that do
// not export a delete entry point keep the object; only the host side is
// dropped.
func (h *handle) release(ctx context.Context) error {
	if err := h.check(); err != nil {
		return err
	}
	h.consume()
	h.rt.metrics.HandleDeleted(string(h.kind))

	err := h.rt.deleter(h.kind)(ctx, h.id)
	if errors.Is(err, engine.ErrUnsupported) {
		h.rt.log.Debug("engine keeps object after delete",
			zap.String("kind", string(h.kind)), zap.Uint32("handle", uint32(h.id)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s %d: %w", h.kind, h.id, err)
	}
	h.rt.log.Debug("handle deleted", zap.String("kind", string(h.kind)), zap.Uint32("handle", uint32(h.id)))
	return nil
}

// noCopy may be embedded into structs which must not be copied after first use.
// See go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
