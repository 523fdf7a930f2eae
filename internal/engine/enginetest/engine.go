// Package enginetest provides an in-process simulation of the detection engine.
//
// The simulated engine owns a byte slice as its linear memory, a first-fit
// heap behind Malloc and Free, and Go-side objects behind every handle. It is
// strict where the real engine is silent: freeing an address twice, touching
// memory outside a live allocation, using a deleted handle or running an
// unconfigured predictor are all recorded as violations instead of corrupting
// state, so tests can assert that the bridge never commits them.
package enginetest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/born-ml/detbridge/internal/engine"
)

const (
	heapBase = 16
	// DefaultMaxDetections matches the NMS max_output_size of the stock pipeline.
	DefaultMaxDetections = 100
	// DetectionFields is the trailing dimension of predictor output.
	DetectionFields = 6
)

// Option configures the simulated engine.
type Option func(*Engine)

// WithMemorySize sets the size of linear memory in bytes.
func WithMemorySize(n uint32) Option {
	return func(e *Engine) {
		e.memSize = n
	}
}

// WithInputShape sets the network input shape.
func WithInputShape(dims ...int32) Option {
	return func(e *Engine) {
		e.inputShape = dims
	}
}

// WithOutputShape sets the network output shape.
func WithOutputShape(dims ...int32) Option {
	return func(e *Engine) {
		e.outputShape = dims
	}
}

// WithInitResult sets what network_init reports.
func WithInitResult(ok bool) Option {
	return func(e *Engine) {
		e.initResult = ok
	}
}

// WithoutDeleteExports simulates an engine build without network_delete and predictor_delete.
func WithoutDeleteExports() Option {
	return func(e *Engine) {
		e.deleteExports = false
	}
}

// WithDetections sets how many slots of each predictor output carry a positive score.
func WithDetections(n int) Option {
	return func(e *Engine) {
		e.detections = n
	}
}

type network struct {
	initialized bool
}

type predictor struct {
	configured    bool
	maxDetections int
	threshold     float32
	numClasses    int
}

type tensorObj struct {
	shape []int32
	data  []float32
}

// Engine is the simulated engine. Like the real one it is not safe for concurrent use.
type Engine struct {
	memSize       uint32
	inputShape    []int32
	outputShape   []int32
	initResult    bool
	deleteExports bool
	detections    int

	mem        []byte
	heap       *heap
	allocs     map[engine.Ptr]uint32
	networks   map[engine.Handle]*network
	predictors map[engine.Handle]*predictor
	tensors    map[engine.Handle]*tensorObj
	nextHandle engine.Handle

	calls      map[string]int
	inject     map[string]error
	violations []string
	closed     bool
}

var _ engine.Engine = (*Engine)(nil)

// New creates a simulated engine. Defaults: 4 MiB of memory, a 1x160x160x3
// NHWC input, a 1x5x5x30 raw network output, a successful init and one
// positive detection per predictor run.
func New(opts ...Option) *Engine {
	e := &Engine{
		memSize:       4 << 20,
		inputShape:    []int32{1, 160, 160, 3},
		outputShape:   []int32{1, 5, 5, 30},
		initResult:    true,
		deleteExports: true,
		detections:    1,
		allocs:        make(map[engine.Ptr]uint32),
		networks:      make(map[engine.Handle]*network),
		predictors:    make(map[engine.Handle]*predictor),
		tensors:       make(map[engine.Handle]*tensorObj),
		calls:         make(map[string]int),
		inject:        make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.mem = make([]byte, e.memSize)
	e.heap = newHeap(heapBase, e.memSize)
	return e
}

// Calls returns how many times an entry point was called.
func (e *Engine) Calls(name string) int {
	return e.calls[name]
}

// TotalCalls returns the number of entry point calls of any kind.
func (e *Engine) TotalCalls() int {
	total := 0
	for _, n := range e.calls {
		total += n
	}
	return total
}

// Violations returns every contract violation observed so far.
func (e *Engine) Violations() []string {
	return append([]string(nil), e.violations...)
}

// LiveAllocations returns the number of malloc'd blocks not yet freed.
func (e *Engine) LiveAllocations() int {
	return len(e.allocs)
}

// LiveTensors returns the number of tensors not yet deleted.
func (e *Engine) LiveTensors() int {
	return len(e.tensors)
}

// LivePredictors returns the number of predictors not yet deleted.
func (e *Engine) LivePredictors() int {
	return len(e.predictors)
}

// LiveNetworks returns the number of networks not yet deleted.
func (e *Engine) LiveNetworks() int {
	return len(e.networks)
}

// FailNext makes the next call to the named entry point fail with err, as a trap would.
func (e *Engine) FailNext(name string, err error) {
	e.inject[name] = err
}

// SetInitResult changes what subsequent network_init calls report.
func (e *Engine) SetInitResult(ok bool) {
	e.initResult = ok
}

func (e *Engine) violate(format string, args ...any) {
	e.violations = append(e.violations, fmt.Sprintf(format, args...))
}

func (e *Engine) enter(name string) error {
	e.calls[name]++
	if e.closed {
		return engine.ErrClosed
	}
	if err, ok := e.inject[name]; ok {
		delete(e.inject, name)
		return &engine.CallError{Func: name, Err: err}
	}
	return nil
}

func (e *Engine) newHandle() engine.Handle {
	e.nextHandle++
	return e.nextHandle
}

// allocation returns the live block containing [ptr, ptr+n).
func (e *Engine) allocation(ptr engine.Ptr, n uint32) bool {
	for start, size := range e.allocs {
		if ptr >= start && uint64(ptr)+uint64(n) <= uint64(start)+uint64(size) {
			return true
		}
	}
	return false
}

// load reads n bytes on behalf of the engine; the range must lie in a live allocation.
func (e *Engine) load(fn string, ptr engine.Ptr, n uint32) ([]byte, bool) {
	if !e.allocation(ptr, n) {
		e.violate("%s: read of %d bytes at %#x outside a live allocation", fn, n, uint32(ptr))
		return nil, false
	}
	return e.mem[ptr : uint64(ptr)+uint64(n)], true
}

// store writes on behalf of the engine; the range must lie in a live allocation.
func (e *Engine) store(fn string, ptr engine.Ptr, data []byte) bool {
	if !e.allocation(ptr, uint32(len(data))) { //nolint:gosec // bounded by memSize
		e.violate("%s: write of %d bytes at %#x outside a live allocation", fn, len(data), uint32(ptr))
		return false
	}
	copy(e.mem[ptr:], data)
	return true
}

// Malloc implements engine.Memory. It returns 0 when the heap is exhausted.
func (e *Engine) Malloc(_ context.Context, size uint32) (engine.Ptr, error) {
	if err := e.enter(engine.FnMalloc); err != nil {
		return 0, err
	}
	p := e.heap.alloc(size)
	if p == 0 {
		return 0, nil
	}
	ptr := engine.Ptr(p)
	e.allocs[ptr] = size
	// Poison fresh blocks so reads of unwritten memory are visible.
	for i := uint32(0); i < size; i++ {
		e.mem[p+i] = 0xcd
	}
	return ptr, nil
}

// Free implements engine.Memory.
func (e *Engine) Free(_ context.Context, ptr engine.Ptr) error {
	if err := e.enter(engine.FnFree); err != nil {
		return err
	}
	if ptr == 0 {
		return nil
	}
	size, ok := e.allocs[ptr]
	if !ok {
		e.violate("free: %#x is not a live allocation (double free?)", uint32(ptr))
		return nil
	}
	delete(e.allocs, ptr)
	e.heap.release(uint32(ptr), size)
	return nil
}

// ReadMemory implements engine.Memory.
func (e *Engine) ReadMemory(ptr engine.Ptr, size uint32) ([]byte, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}
	if uint64(ptr)+uint64(size) > uint64(len(e.mem)) {
		return nil, fmt.Errorf("%w: read %d bytes at %#x", engine.ErrMemoryAccess, size, uint32(ptr))
	}
	if !e.allocation(ptr, size) {
		e.violate("host read of %d bytes at %#x outside a live allocation", size, uint32(ptr))
	}
	out := make([]byte, size)
	copy(out, e.mem[ptr:])
	return out, nil
}

// WriteMemory implements engine.Memory.
func (e *Engine) WriteMemory(ptr engine.Ptr, data []byte) error {
	if e.closed {
		return engine.ErrClosed
	}
	if uint64(ptr)+uint64(len(data)) > uint64(len(e.mem)) {
		return fmt.Errorf("%w: write %d bytes at %#x", engine.ErrMemoryAccess, len(data), uint32(ptr))
	}
	if !e.allocation(ptr, uint32(len(data))) { //nolint:gosec // bounded by memSize
		e.violate("host write of %d bytes at %#x outside a live allocation", len(data), uint32(ptr))
	}
	copy(e.mem[ptr:], data)
	return nil
}

// NetworkCreate implements engine.Engine.
func (e *Engine) NetworkCreate(context.Context) (engine.Handle, error) {
	if err := e.enter(engine.FnNetworkCreate); err != nil {
		return 0, err
	}
	h := e.newHandle()
	e.networks[h] = &network{}
	return h, nil
}

func (e *Engine) network(fn string, h engine.Handle) *network {
	nn, ok := e.networks[h]
	if !ok {
		e.violate("%s: unknown network handle %d", fn, h)
	}
	return nn
}

// NetworkInit implements engine.Engine.
func (e *Engine) NetworkInit(_ context.Context, h engine.Handle) (bool, error) {
	if err := e.enter(engine.FnNetworkInit); err != nil {
		return false, err
	}
	nn := e.network(engine.FnNetworkInit, h)
	if nn == nil {
		return false, nil
	}
	nn.initialized = e.initResult
	return e.initResult, nil
}

// NetworkInputRank implements engine.Engine.
func (e *Engine) NetworkInputRank(_ context.Context, h engine.Handle) (int32, error) {
	if err := e.enter(engine.FnNetworkInputRank); err != nil {
		return 0, err
	}
	if e.network(engine.FnNetworkInputRank, h) == nil {
		return 0, nil
	}
	return int32(len(e.inputShape)), nil //nolint:gosec // small
}

// NetworkInputShape implements engine.Engine.
func (e *Engine) NetworkInputShape(_ context.Context, h engine.Handle, dst engine.Ptr) error {
	if err := e.enter(engine.FnNetworkInputShape); err != nil {
		return err
	}
	if e.network(engine.FnNetworkInputShape, h) == nil {
		return nil
	}
	e.store(engine.FnNetworkInputShape, dst, encodeInt32s(e.inputShape))
	return nil
}

// NetworkOutputRank implements engine.Engine.
func (e *Engine) NetworkOutputRank(_ context.Context, h engine.Handle) (int32, error) {
	if err := e.enter(engine.FnNetworkOutputRank); err != nil {
		return 0, err
	}
	if e.network(engine.FnNetworkOutputRank, h) == nil {
		return 0, nil
	}
	return int32(len(e.outputShape)), nil //nolint:gosec // small
}

// NetworkOutputShape implements engine.Engine.
func (e *Engine) NetworkOutputShape(_ context.Context, h engine.Handle, dst engine.Ptr) error {
	if err := e.enter(engine.FnNetworkOutputShape); err != nil {
		return err
	}
	if e.network(engine.FnNetworkOutputShape, h) == nil {
		return nil
	}
	e.store(engine.FnNetworkOutputShape, dst, encodeInt32s(e.outputShape))
	return nil
}

// NetworkRun implements engine.Engine. Output element i is half the input
// element at i modulo the input length.
func (e *Engine) NetworkRun(_ context.Context, h engine.Handle, input, output engine.Ptr) error {
	if err := e.enter(engine.FnNetworkRun); err != nil {
		return err
	}
	nn := e.network(engine.FnNetworkRun, h)
	if nn == nil {
		return nil
	}
	if !nn.initialized {
		e.violate("%s: network %d is not initialized", engine.FnNetworkRun, h)
		return nil
	}
	inCount, outCount := product(e.inputShape), product(e.outputShape)
	raw, ok := e.load(engine.FnNetworkRun, input, uint32(4*inCount)) //nolint:gosec // small
	if !ok {
		return nil
	}
	in := decodeFloat32s(raw)
	out := make([]float32, outCount)
	for i := range out {
		if len(in) > 0 {
			out[i] = in[i%len(in)] * 0.5
		}
	}
	e.store(engine.FnNetworkRun, output, encodeFloat32s(out))
	return nil
}

// NetworkDelete implements engine.Engine.
func (e *Engine) NetworkDelete(_ context.Context, h engine.Handle) error {
	if !e.deleteExports {
		e.calls[engine.FnNetworkDelete]++
		return fmt.Errorf("%w: %s", engine.ErrUnsupported, engine.FnNetworkDelete)
	}
	if err := e.enter(engine.FnNetworkDelete); err != nil {
		return err
	}
	if e.network(engine.FnNetworkDelete, h) != nil {
		delete(e.networks, h)
	}
	return nil
}

// PredictorCreate implements engine.Engine.
func (e *Engine) PredictorCreate(context.Context) (engine.Handle, error) {
	if err := e.enter(engine.FnPredictorCreate); err != nil {
		return 0, err
	}
	h := e.newHandle()
	e.predictors[h] = &predictor{}
	return h, nil
}

func (e *Engine) predictor(fn string, h engine.Handle) *predictor {
	p, ok := e.predictors[h]
	if !ok {
		e.violate("%s: unknown predictor handle %d", fn, h)
	}
	return p
}

// PredictorConfigure implements engine.Engine. The config must be a
// NUL-terminated YAML document inside one live allocation.
func (e *Engine) PredictorConfigure(_ context.Context, h engine.Handle, cfg engine.Ptr) error {
	if err := e.enter(engine.FnPredictorConfigure); err != nil {
		return err
	}
	p := e.predictor(engine.FnPredictorConfigure, h)
	if p == nil {
		return nil
	}
	size, ok := e.allocs[cfg]
	if !ok {
		e.violate("%s: config address %#x is not a live allocation", engine.FnPredictorConfigure, uint32(cfg))
		return nil
	}
	raw := e.mem[cfg : uint64(cfg)+uint64(size)]
	end := bytes.IndexByte(raw, 0)
	if end < 0 {
		e.violate("%s: config is not NUL-terminated within its allocation", engine.FnPredictorConfigure)
		return nil
	}
	settings, err := parseConfig(raw[:end])
	if err != nil {
		e.violate("%s: %v", engine.FnPredictorConfigure, err)
		return nil
	}
	p.configured = true
	p.maxDetections = settings.maxDetections
	p.threshold = settings.threshold
	p.numClasses = settings.numClasses
	return nil
}

// PredictorRun implements engine.Engine. It returns a new [1, maxDetections, 6]
// tensor whose first slots hold synthetic boxes.
func (e *Engine) PredictorRun(_ context.Context, h, input engine.Handle) (engine.Handle, error) {
	if err := e.enter(engine.FnPredictorRun); err != nil {
		return 0, err
	}
	p := e.predictor(engine.FnPredictorRun, h)
	if p == nil {
		return 0, nil
	}
	if !p.configured {
		e.violate("%s: predictor %d is not configured", engine.FnPredictorRun, h)
		return 0, nil
	}
	in, ok := e.tensors[input]
	if !ok {
		e.violate("%s: unknown input tensor %d", engine.FnPredictorRun, input)
		return 0, nil
	}
	if !equalInt32s(in.shape, e.inputShape) {
		e.violate("%s: input shape %v does not match network input %v", engine.FnPredictorRun, in.shape, e.inputShape)
	}

	data := make([]float32, p.maxDetections*DetectionFields)
	for i := 0; i < e.detections && i < p.maxDetections; i++ {
		score := 0.9 - 0.1*float32(i)
		if score <= p.threshold {
			continue
		}
		row := data[i*DetectionFields:]
		row[0] = 0.1 + 0.05*float32(i)
		row[1] = 0.2
		row[2] = 0.25
		row[3] = 0.3
		row[4] = float32(i % max(p.numClasses, 1))
		row[5] = score
	}
	out := e.newHandle()
	e.tensors[out] = &tensorObj{
		shape: []int32{1, int32(p.maxDetections), DetectionFields}, //nolint:gosec // small
		data:  data,
	}
	return out, nil
}

// PredictorDelete implements engine.Engine.
func (e *Engine) PredictorDelete(_ context.Context, h engine.Handle) error {
	if !e.deleteExports {
		e.calls[engine.FnPredictorDelete]++
		return fmt.Errorf("%w: %s", engine.ErrUnsupported, engine.FnPredictorDelete)
	}
	if err := e.enter(engine.FnPredictorDelete); err != nil {
		return err
	}
	if e.predictor(engine.FnPredictorDelete, h) != nil {
		delete(e.predictors, h)
	}
	return nil
}

// TensorCreate implements engine.Engine. Shape and data are copied.
func (e *Engine) TensorCreate(_ context.Context, rank uint32, shape, data engine.Ptr) (engine.Handle, error) {
	if err := e.enter(engine.FnTensorCreate); err != nil {
		return 0, err
	}
	rawShape, ok := e.load(engine.FnTensorCreate, shape, 4*rank)
	if !ok {
		return 0, nil
	}
	dims := decodeInt32s(rawShape)
	count := product(dims)
	rawData, ok := e.load(engine.FnTensorCreate, data, uint32(4*count)) //nolint:gosec // bounded by memory
	if !ok {
		return 0, nil
	}
	h := e.newHandle()
	e.tensors[h] = &tensorObj{shape: dims, data: decodeFloat32s(rawData)}
	return h, nil
}

func (e *Engine) tensor(fn string, h engine.Handle) *tensorObj {
	t, ok := e.tensors[h]
	if !ok {
		e.violate("%s: unknown tensor handle %d", fn, h)
	}
	return t
}

// TensorDelete implements engine.Engine.
func (e *Engine) TensorDelete(_ context.Context, h engine.Handle) error {
	if err := e.enter(engine.FnTensorDelete); err != nil {
		return err
	}
	if e.tensor(engine.FnTensorDelete, h) != nil {
		delete(e.tensors, h)
	}
	return nil
}

// TensorRank implements engine.Engine.
func (e *Engine) TensorRank(_ context.Context, h engine.Handle) (int32, error) {
	if err := e.enter(engine.FnTensorRank); err != nil {
		return 0, err
	}
	t := e.tensor(engine.FnTensorRank, h)
	if t == nil {
		return 0, nil
	}
	return int32(len(t.shape)), nil //nolint:gosec // small
}

// TensorShape implements engine.Engine.
func (e *Engine) TensorShape(_ context.Context, h engine.Handle, dst engine.Ptr) error {
	if err := e.enter(engine.FnTensorShape); err != nil {
		return err
	}
	if t := e.tensor(engine.FnTensorShape, h); t != nil {
		e.store(engine.FnTensorShape, dst, encodeInt32s(t.shape))
	}
	return nil
}

// TensorData implements engine.Engine.
func (e *Engine) TensorData(_ context.Context, h engine.Handle, dst engine.Ptr) error {
	if err := e.enter(engine.FnTensorData); err != nil {
		return err
	}
	if t := e.tensor(engine.FnTensorData, h); t != nil {
		e.store(engine.FnTensorData, dst, encodeFloat32s(t.data))
	}
	return nil
}

// Close implements engine.Engine.
func (e *Engine) Close(context.Context) error {
	e.closed = true
	return nil
}

func product(dims []int32) int {
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n
}

func equalInt32s(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// These mirror codec.PutInts and friends; importing codec here would cycle
// through the shm and codec tests.
func encodeInt32s(v []int32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(x)) //nolint:gosec // bit reinterpretation
	}
	return buf
}

func decodeInt32s(b []byte) []int32 {
	v := make([]int32, len(b)/4)
	for i := range v {
		v[i] = int32(binary.LittleEndian.Uint32(b[4*i:])) //nolint:gosec // bit reinterpretation
	}
	return v
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeFloat32s(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
