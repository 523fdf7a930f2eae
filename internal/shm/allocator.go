// Package shm manages scratch regions in the engine's linear memory.
//
// A Region is the only way to name an engine address. It is created by an
// Allocator, bounds-checks every copy against its own length and can be
// released exactly once. Scope and Scoped tie regions to a single call so that
// they are released on every exit path.
package shm

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/engine"
	"github.com/born-ml/detbridge/internal/metrics"
)

// RegionAllocator is anything that hands out regions: an Allocator or a Scope.
type RegionAllocator interface {
	Allocate(ctx context.Context, size uint32) (*Region, error)
}

// Stats reports allocator activity.
type Stats struct {
	Live      int    // Regions currently allocated
	LiveBytes uint64 // Bytes currently allocated
	PeakBytes uint64 // Highest LiveBytes observed
	Allocs    uint64 // Successful allocations
	Releases  uint64 // Successful releases
	Failures  uint64 // Failed allocations
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger for region lifecycle events.
func WithLogger(log *zap.Logger) Option {
	return func(a *Allocator) {
		a.log = log
	}
}

// WithMetrics records live regions and allocated bytes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) {
		a.metrics = m
	}
}

// Allocator obtains and releases regions in engine memory.
// It is not safe for concurrent use.
type Allocator struct {
	mem     engine.Memory
	live    map[engine.Ptr]*Region
	stats   Stats
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewAllocator creates an allocator on top of the engine's malloc and free.
func NewAllocator(mem engine.Memory, opts ...Option) *Allocator {
	a := &Allocator{
		mem:  mem,
		live: make(map[engine.Ptr]*Region),
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate reserves size bytes. Zero-length requests still reserve one byte so
// that every region has a distinct, non-zero address.
func (a *Allocator) Allocate(ctx context.Context, size uint32) (*Region, error) {
	request := size
	if request == 0 {
		request = 1
	}
	ptr, err := a.mem.Malloc(ctx, request)
	if err != nil {
		a.stats.Failures++
		return nil, fmt.Errorf("%w: %d bytes: %w", ErrAllocation, size, err)
	}
	if ptr == 0 {
		a.stats.Failures++
		return nil, fmt.Errorf("%w: %d bytes", ErrAllocation, size)
	}
	if _, dup := a.live[ptr]; dup {
		// The engine handed out an address that is still in use. Leave both
		// regions alone; freeing either would corrupt the other.
		a.stats.Failures++
		return nil, fmt.Errorf("%w: engine returned live address %#x", ErrAllocation, uint32(ptr))
	}

	r := &Region{alloc: a, ptr: ptr, size: size}
	a.live[ptr] = r
	a.stats.Live++
	a.stats.LiveBytes += uint64(size)
	a.stats.Allocs++
	if a.stats.LiveBytes > a.stats.PeakBytes {
		a.stats.PeakBytes = a.stats.LiveBytes
	}
	a.metrics.RegionAllocated(size)
	a.log.Debug("region allocated", zap.Uint32("addr", uint32(ptr)), zap.Uint32("size", size))
	return r, nil
}

// release frees r in the engine. The region is marked released before the
// engine call so a failed free is never retried.
func (a *Allocator) release(ctx context.Context, r *Region) error {
	if r.released {
		return ErrReleased
	}
	if a.live[r.ptr] != r {
		return fmt.Errorf("%w: address %#x not owned by this allocator", ErrReleased, uint32(r.ptr))
	}
	r.released = true
	delete(a.live, r.ptr)
	a.stats.Live--
	a.stats.LiveBytes -= uint64(r.size)
	a.stats.Releases++
	a.metrics.RegionReleased()
	a.log.Debug("region released", zap.Uint32("addr", uint32(r.ptr)), zap.Uint32("size", r.size))

	if err := a.mem.Free(ctx, r.ptr); err != nil {
		return fmt.Errorf("free %#x: %w", uint32(r.ptr), err)
	}
	return nil
}

// Stats returns a snapshot of allocator activity.
func (a *Allocator) Stats() Stats {
	return a.stats
}

// RegionInfo describes a live region.
type RegionInfo struct {
	Addr engine.Ptr
	Size uint32
}

// Live lists the regions not yet released, ordered by address.
func (a *Allocator) Live() []RegionInfo {
	infos := make([]RegionInfo, 0, len(a.live))
	for ptr, r := range a.live {
		infos = append(infos, RegionInfo{Addr: ptr, Size: r.size})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Addr < infos[j].Addr })
	return infos
}

// Reclaim releases every live region. Region values still held by callers
// become released, so they can never free the same address again.
func (a *Allocator) Reclaim(ctx context.Context) error {
	var err error
	for _, info := range a.Live() {
		r := a.live[info.Addr]
		a.log.Warn("reclaiming leaked region", zap.Uint32("addr", uint32(info.Addr)), zap.Uint32("size", info.Size))
		err = multierr.Append(err, a.release(ctx, r))
	}
	return err
}

// NewScope starts a scope whose regions are all released by Close.
func (a *Allocator) NewScope() *Scope {
	return &Scope{alloc: a}
}

// Scope groups regions owned by one call.
type Scope struct {
	_       noCopy
	alloc   *Allocator
	regions []*Region
}

// Allocate reserves a region owned by the scope.
func (s *Scope) Allocate(ctx context.Context, size uint32) (*Region, error) {
	r, err := s.alloc.Allocate(ctx, size)
	if err != nil {
		return nil, err
	}
	s.regions = append(s.regions, r)
	return r, nil
}

// Close releases the scope's regions in reverse allocation order. Regions the
// caller already released are skipped.
func (s *Scope) Close(ctx context.Context) error {
	var err error
	for i := len(s.regions) - 1; i >= 0; i-- {
		if r := s.regions[i]; !r.released {
			err = multierr.Append(err, r.Release(ctx))
		}
	}
	s.regions = nil
	return err
}

// Scoped allocates one region, runs fn with it and releases it whatever fn returns.
func Scoped(ctx context.Context, a *Allocator, size uint32, fn func(*Region) error) (err error) {
	r, err := a.Allocate(ctx, size)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Release(ctx))
	}()
	return fn(r)
}

// noCopy may be embedded into structs which must not be copied after first use.
// See go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
