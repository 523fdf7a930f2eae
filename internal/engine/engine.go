// Package engine defines the flat, handle-based contract of the detection engine.
//
// Every entry point takes and returns 32-bit values only: handles naming
// engine-owned objects, addresses into the engine's linear memory and element
// counts. Variable-length results are never returned by value; the caller
// learns the length with one call (a rank query) and then passes an address
// the engine writes into.
//
// Implementations:
//   - engine/wasm hosts the precompiled WebAssembly engine
//   - engine/enginetest simulates the engine in-process for tests
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Ptr is an address in the engine's linear memory. Zero is never a valid allocation.
type Ptr uint32

// Handle is an opaque reference to an engine-owned object. Zero means "no handle".
type Handle uint32

// Common errors.
var (
	// ErrUnsupported is returned by optional entry points the loaded engine does not export.
	ErrUnsupported = errors.New("engine: entry point not exported")

	// ErrMissingExport is returned when the module lacks a required entry point.
	ErrMissingExport = errors.New("engine: required export missing")

	// ErrMemoryAccess is returned when a read or write falls outside linear memory.
	ErrMemoryAccess = errors.New("engine: memory access out of range")

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("engine: closed")
)

// CallError reports a failed call into an engine entry point (a trap, for wasm).
type CallError struct {
	Func string
	Err  error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Func, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CallError) Unwrap() error {
	return e.Err
}

// Memory is the allocation and copy subset of the engine contract.
type Memory interface {
	// Malloc reserves size bytes and returns their address, or 0 when out of memory.
	Malloc(ctx context.Context, size uint32) (Ptr, error)
	// Free releases an address returned by Malloc.
	Free(ctx context.Context, ptr Ptr) error
	// ReadMemory copies size bytes starting at ptr out of linear memory.
	ReadMemory(ptr Ptr, size uint32) ([]byte, error)
	// WriteMemory copies data into linear memory starting at ptr.
	WriteMemory(ptr Ptr, data []byte) error
}

// Engine is the complete set of entry points exposed by the detection engine.
// Implementations are not safe for concurrent use; the engine is not reentrant.
type Engine interface {
	Memory

	NetworkCreate(ctx context.Context) (Handle, error)
	NetworkInit(ctx context.Context, nn Handle) (bool, error)
	NetworkInputRank(ctx context.Context, nn Handle) (int32, error)
	NetworkInputShape(ctx context.Context, nn Handle, dst Ptr) error
	NetworkOutputRank(ctx context.Context, nn Handle) (int32, error)
	NetworkOutputShape(ctx context.Context, nn Handle, dst Ptr) error
	NetworkRun(ctx context.Context, nn Handle, input, output Ptr) error
	// NetworkDelete is optional; it returns ErrUnsupported when not exported.
	NetworkDelete(ctx context.Context, nn Handle) error

	PredictorCreate(ctx context.Context) (Handle, error)
	// PredictorConfigure passes the address of a NUL-terminated config document.
	PredictorConfigure(ctx context.Context, p Handle, config Ptr) error
	PredictorRun(ctx context.Context, p Handle, input Handle) (Handle, error)
	// PredictorDelete is optional; it returns ErrUnsupported when not exported.
	PredictorDelete(ctx context.Context, p Handle) error

	TensorCreate(ctx context.Context, rank uint32, shape, data Ptr) (Handle, error)
	TensorDelete(ctx context.Context, t Handle) error
	TensorRank(ctx context.Context, t Handle) (int32, error)
	TensorShape(ctx context.Context, t Handle, dst Ptr) error
	TensorData(ctx context.Context, t Handle, dst Ptr) error

	// Close releases the engine instance and all memory it owns.
	Close(ctx context.Context) error
}
