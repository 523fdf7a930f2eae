// Package wasm hosts the precompiled WebAssembly detection engine with wazero.
//
// Load is the single "engine ready" transition: it compiles the module, links
// the WASI and emscripten imports it expects, instantiates it, verifies every
// required export and runs the module initializer. Only a value returned by a
// successful Load can be handed to the bridge, so no bridge call can precede
// readiness.
package wasm

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/engine"
	"github.com/born-ml/detbridge/internal/metrics"
)

// Initializers run once after instantiation, first match wins.
var initializers = []string{"_initialize", "__wasm_call_ctors"}

// Option configures engine loading.
type Option func(*options)

type options struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	stdout  io.Writer
	stderr  io.Writer
	pages   uint32 // memory limit in 64 KiB pages, 0 for the wazero default
}

// WithLogger sets the logger used for load and call diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithMetrics records engine call durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithOutput redirects the engine's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithMemoryLimit caps the engine's linear memory at limit bytes, rounded
// down to whole wasm pages.
func WithMemoryLimit(limit uint64) Option {
	return func(o *options) {
		pages := limit / wasmPageSize
		if pages > 65536 {
			pages = 65536
		}
		o.pages = uint32(pages) //nolint:gosec // clamped above
	}
}

// Engine is a loaded, initialized engine instance.
type Engine struct {
	runtime wazero.Runtime
	mod     api.Module
	mem     api.Memory
	fns     map[string]api.Function
	log     *zap.Logger
	metrics *metrics.Metrics
	closed  bool
}

var _ engine.Engine = (*Engine)(nil)

// LoadFile reads a module from disk and loads it.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine module: %w", err)
	}
	return Load(ctx, wasmBytes, opts...)
}

// Load compiles and instantiates the engine module and waits for it to be ready.
func Load(ctx context.Context, wasmBytes []byte, opts ...Option) (*Engine, error) {
	o := options{log: zap.NewNop(), stdout: io.Discard, stderr: io.Discard}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	rcfg := wazero.NewRuntimeConfig()
	if o.pages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(o.pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	e, err := instantiate(ctx, r, wasmBytes, o)
	if err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	o.log.Info("engine ready",
		zap.Int("module-bytes", len(wasmBytes)),
		zap.Uint32("memory-bytes", e.mem.Size()),
		zap.Duration("load-time", time.Since(start)))
	return e, nil
}

func instantiate(ctx context.Context, r wazero.Runtime, wasmBytes []byte, o options) (*Engine, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile engine module: %w", err)
	}
	if err := instantiateEnv(ctx, r, compiled); err != nil {
		return nil, err
	}

	cfg := wazero.NewModuleConfig().
		WithName("engine").
		WithStartFunctions().
		WithStdout(o.stdout).
		WithStderr(o.stderr)
	mod, err := r.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate engine module: %w", err)
	}

	mem := mod.ExportedMemory("memory")
	if mem == nil {
		return nil, fmt.Errorf("%w: memory", engine.ErrMissingExport)
	}

	fns, err := resolveExports(mod)
	if err != nil {
		return nil, err
	}

	for _, name := range initializers {
		if fn := mod.ExportedFunction(name); fn != nil {
			if _, err := fn.Call(ctx); err != nil {
				return nil, &engine.CallError{Func: name, Err: err}
			}
			o.log.Debug("engine initializer done", zap.String("func", name))
			break
		}
	}

	return &Engine{
		runtime: r,
		mod:     mod,
		mem:     mem,
		fns:     fns,
		log:     o.log,
		metrics: o.metrics,
	}, nil
}

// resolveExports collects every entry point, failing with the complete list of missing ones.
func resolveExports(mod api.Module) (map[string]api.Function, error) {
	fns := make(map[string]api.Function, len(engine.RequiredExports)+len(engine.OptionalExports))
	var missing []string
	for _, name := range engine.RequiredExports {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			missing = append(missing, name)
			continue
		}
		fns[name] = fn
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %v", engine.ErrMissingExport, missing)
	}
	for _, name := range engine.OptionalExports {
		if fn := mod.ExportedFunction(name); fn != nil {
			fns[name] = fn
		}
	}
	return fns, nil
}

// HasExport reports whether an entry point is available.
func (e *Engine) HasExport(name string) bool {
	_, ok := e.fns[name]
	return ok
}

// MemorySize returns the current size of linear memory in bytes.
func (e *Engine) MemorySize() uint32 {
	return e.mem.Size()
}

// Close tears down the wasm runtime. Subsequent calls return engine.ErrClosed.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.runtime.Close(ctx)
}

func (e *Engine) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}
	fn, ok := e.fns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnsupported, name)
	}
	start := time.Now()
	res, err := fn.Call(ctx, params...)
	e.metrics.ObserveEngineCall(name, time.Since(start))
	if err != nil {
		return nil, &engine.CallError{Func: name, Err: err}
	}
	return res, nil
}

func (e *Engine) callResult(ctx context.Context, name string, params ...uint64) (uint64, error) {
	res, err := e.call(ctx, name, params...)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, &engine.CallError{Func: name, Err: fmt.Errorf("no result")}
	}
	return res[0], nil
}

func (e *Engine) callHandle(ctx context.Context, name string, params ...uint64) (engine.Handle, error) {
	v, err := e.callResult(ctx, name, params...)
	if err != nil {
		return 0, err
	}
	return engine.Handle(api.DecodeU32(v)), nil
}

func (e *Engine) callRank(ctx context.Context, name string, h engine.Handle) (int32, error) {
	v, err := e.callResult(ctx, name, api.EncodeU32(uint32(h)))
	if err != nil {
		return 0, err
	}
	return api.DecodeI32(v), nil
}

// Malloc implements engine.Memory.
func (e *Engine) Malloc(ctx context.Context, size uint32) (engine.Ptr, error) {
	v, err := e.callResult(ctx, engine.FnMalloc, api.EncodeU32(size))
	if err != nil {
		return 0, err
	}
	return engine.Ptr(api.DecodeU32(v)), nil
}

// Free implements engine.Memory.
func (e *Engine) Free(ctx context.Context, ptr engine.Ptr) error {
	_, err := e.call(ctx, engine.FnFree, api.EncodeU32(uint32(ptr)))
	return err
}

// ReadMemory implements engine.Memory. The returned bytes are a copy.
func (e *Engine) ReadMemory(ptr engine.Ptr, size uint32) ([]byte, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}
	view, ok := e.mem.Read(uint32(ptr), size)
	if !ok {
		return nil, fmt.Errorf("%w: read %d bytes at %#x", engine.ErrMemoryAccess, size, uint32(ptr))
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// WriteMemory implements engine.Memory.
func (e *Engine) WriteMemory(ptr engine.Ptr, data []byte) error {
	if e.closed {
		return engine.ErrClosed
	}
	if !e.mem.Write(uint32(ptr), data) {
		return fmt.Errorf("%w: write %d bytes at %#x", engine.ErrMemoryAccess, len(data), uint32(ptr))
	}
	return nil
}

// NetworkCreate implements engine.Engine.
func (e *Engine) NetworkCreate(ctx context.Context) (engine.Handle, error) {
	return e.callHandle(ctx, engine.FnNetworkCreate)
}

// NetworkInit implements engine.Engine.
func (e *Engine) NetworkInit(ctx context.Context, nn engine.Handle) (bool, error) {
	v, err := e.callResult(ctx, engine.FnNetworkInit, api.EncodeU32(uint32(nn)))
	if err != nil {
		return false, err
	}
	// C bool comes back as an i32 with only the low byte defined.
	return api.DecodeU32(v)&0xff != 0, nil
}

// NetworkInputRank implements engine.Engine.
func (e *Engine) NetworkInputRank(ctx context.Context, nn engine.Handle) (int32, error) {
	return e.callRank(ctx, engine.FnNetworkInputRank, nn)
}

// NetworkInputShape implements engine.Engine.
func (e *Engine) NetworkInputShape(ctx context.Context, nn engine.Handle, dst engine.Ptr) error {
	_, err := e.call(ctx, engine.FnNetworkInputShape, api.EncodeU32(uint32(nn)), api.EncodeU32(uint32(dst)))
	return err
}

// NetworkOutputRank implements engine.Engine.
func (e *Engine) NetworkOutputRank(ctx context.Context, nn engine.Handle) (int32, error) {
	return e.callRank(ctx, engine.FnNetworkOutputRank, nn)
}

// NetworkOutputShape implements engine.Engine.
func (e *Engine) NetworkOutputShape(ctx context.Context, nn engine.Handle, dst engine.Ptr) error {
	_, err := e.call(ctx, engine.FnNetworkOutputShape, api.EncodeU32(uint32(nn)), api.EncodeU32(uint32(dst)))
	return err
}

// NetworkRun implements engine.Engine.
func (e *Engine) NetworkRun(ctx context.Context, nn engine.Handle, input, output engine.Ptr) error {
	_, err := e.call(ctx, engine.FnNetworkRun,
		api.EncodeU32(uint32(nn)), api.EncodeU32(uint32(input)), api.EncodeU32(uint32(output)))
	return err
}

// NetworkDelete implements engine.Engine.
func (e *Engine) NetworkDelete(ctx context.Context, nn engine.Handle) error {
	_, err := e.call(ctx, engine.FnNetworkDelete, api.EncodeU32(uint32(nn)))
	return err
}

// PredictorCreate implements engine.Engine.
func (e *Engine) PredictorCreate(ctx context.Context) (engine.Handle, error) {
	return e.callHandle(ctx, engine.FnPredictorCreate)
}

// PredictorConfigure implements engine.Engine.
func (e *Engine) PredictorConfigure(ctx context.Context, p engine.Handle, config engine.Ptr) error {
	_, err := e.call(ctx, engine.FnPredictorConfigure, api.EncodeU32(uint32(p)), api.EncodeU32(uint32(config)))
	return err
}

// PredictorRun implements engine.Engine.
func (e *Engine) PredictorRun(ctx context.Context, p, input engine.Handle) (engine.Handle, error) {
	return e.callHandle(ctx, engine.FnPredictorRun, api.EncodeU32(uint32(p)), api.EncodeU32(uint32(input)))
}

// PredictorDelete implements engine.Engine.
func (e *Engine) PredictorDelete(ctx context.Context, p engine.Handle) error {
	_, err := e.call(ctx, engine.FnPredictorDelete, api.EncodeU32(uint32(p)))
	return err
}

// TensorCreate implements engine.Engine.
func (e *Engine) TensorCreate(ctx context.Context, rank uint32, shape, data engine.Ptr) (engine.Handle, error) {
	return e.callHandle(ctx, engine.FnTensorCreate,
		api.EncodeU32(rank), api.EncodeU32(uint32(shape)), api.EncodeU32(uint32(data)))
}

// TensorDelete implements engine.Engine.
func (e *Engine) TensorDelete(ctx context.Context, t engine.Handle) error {
	_, err := e.call(ctx, engine.FnTensorDelete, api.EncodeU32(uint32(t)))
	return err
}

// TensorRank implements engine.Engine.
func (e *Engine) TensorRank(ctx context.Context, t engine.Handle) (int32, error) {
	return e.callRank(ctx, engine.FnTensorRank, t)
}

// TensorShape implements engine.Engine.
func (e *Engine) TensorShape(ctx context.Context, t engine.Handle, dst engine.Ptr) error {
	_, err := e.call(ctx, engine.FnTensorShape, api.EncodeU32(uint32(t)), api.EncodeU32(uint32(dst)))
	return err
}

// TensorData implements engine.Engine.
func (e *Engine) TensorData(ctx context.Context, t engine.Handle, dst engine.Ptr) error {
	_, err := e.call(ctx, engine.FnTensorData, api.EncodeU32(uint32(t)), api.EncodeU32(uint32(dst)))
	return err
}
