package bridge

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/born-ml/detbridge/internal/engine"
	"github.com/born-ml/detbridge/internal/engine/enginetest"
	"github.com/born-ml/detbridge/internal/shm"
	"github.com/born-ml/detbridge/internal/tensor"
)

const testConfig Config = `CLASSES: [face]
DATA_FORMAT: NHWC
IMAGE_SIZE: [4, 4]
TASK: IMAGE.OBJECT_DETECTION
POST_PROCESSOR:
- ExcludeLowScoreBox:
    threshold: 0
- NMS:
    iou_threshold: 0.5
    max_output_size: 100
    per_class: true
`

var testInputShape = tensor.Shape{1, 4, 4, 3}

func newRuntime(t *testing.T, opts ...enginetest.Option) (*Runtime, *enginetest.Engine) {
	t.Helper()
	opts = append([]enginetest.Option{enginetest.WithInputShape(1, 4, 4, 3)}, opts...)
	eng := enginetest.New(opts...)
	rt := New(eng, WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() {
		assert.NoError(t, rt.Close(context.Background()))
		assert.Empty(t, eng.Violations())
		assert.Zero(t, eng.LiveAllocations(), "scratch memory leaked")
	})
	return rt, eng
}

func newPredictor(t *testing.T, rt *Runtime) *Predictor {
	t.Helper()
	ctx := context.Background()
	pending, err := rt.CreatePredictor(ctx)
	require.NoError(t, err)
	p, err := pending.Configure(ctx, testConfig)
	require.NoError(t, err)
	return p
}

func ramp(n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i) / float32(n)
	}
	return values
}

func TestTensorRoundTrip(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	tests := []struct {
		name  string
		shape tensor.Shape
		data  []float32
	}{
		{"scalar", tensor.Shape{}, []float32{-2.5}},
		{"vector", tensor.Shape{4}, []float32{0, float32(math.Copysign(0, -1)), -1, 0.99999994}},
		{"nhwc", tensor.Shape{1, 4, 4, 3}, ramp(48)},
		{"empty", tensor.Shape{2, 0, 3}, []float32{}},
		{"extremes", tensor.Shape{2, 2}, []float32{math.MaxFloat32, -math.MaxFloat32, math.SmallestNonzeroFloat32, math.Nextafter32(1, 0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tn, err := rt.CreateTensor(ctx, tt.shape, tt.data)
			require.NoError(t, err)
			defer func() { require.NoError(t, tn.Delete(ctx)) }()

			shape, err := tn.Shape(ctx)
			require.NoError(t, err)
			assert.True(t, slices.Equal(shape, tt.shape), "shape %v, want %v", shape, tt.shape)

			data, err := tn.Data(ctx)
			require.NoError(t, err)
			require.Len(t, data, shape.NumElements())
			for i := range tt.data {
				assert.Equal(t, math.Float32bits(tt.data[i]), math.Float32bits(data[i]), "element %d", i)
			}
			assert.Zero(t, rt.Stats().Scratch.Live)
		})
	}
}

func TestCreateTensorValidates(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t)
	calls := eng.TotalCalls()

	_, err := rt.CreateTensor(ctx, tensor.Shape{2, 3}, make([]float32, 5))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = rt.CreateTensor(ctx, tensor.Shape{2, -3}, nil)
	assert.ErrorIs(t, err, ErrBadShape)

	_, err = rt.CreateTensor(ctx, tensor.Shape{1 << 20, 1 << 20}, nil)
	assert.ErrorIs(t, err, ErrBadShape)

	assert.Equal(t, calls, eng.TotalCalls(), "invalid input must not reach the engine")
}

func TestPredictorRun(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t)
	p := newPredictor(t, rt)

	in, err := rt.CreateTensor(ctx, testInputShape, ramp(48))
	require.NoError(t, err)

	out, err := p.Run(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Outstanding())

	shape, err := out.Shape(ctx)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, enginetest.DefaultMaxDetections, enginetest.DetectionFields}, shape)

	data, err := out.Data(ctx)
	require.NoError(t, err)
	require.Len(t, data, shape.NumElements())

	positive := 0
	for row := 0; row < shape[1]; row++ {
		if data[row*6+5] > 0 {
			positive++
		}
	}
	assert.Equal(t, 1, positive)
	assert.InDelta(t, 0.9, data[5], 1e-6)

	require.NoError(t, in.Delete(ctx))
	require.NoError(t, out.Delete(ctx))
	assert.Zero(t, p.Outstanding())
	assert.Zero(t, eng.LiveTensors())
	require.NoError(t, p.Delete(ctx))
	assert.Zero(t, eng.LivePredictors())
}

func TestReleasedHandleNeverReachesEngine(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t)
	p := newPredictor(t, rt)

	in, err := rt.CreateTensor(ctx, testInputShape, ramp(48))
	require.NoError(t, err)
	out, err := p.Run(ctx, in)
	require.NoError(t, err)

	require.NoError(t, in.Delete(ctx))
	require.NoError(t, p.Delete(ctx))

	calls, scratch := eng.TotalCalls(), rt.Stats().Scratch
	for name, tn := range map[string]*Tensor{"deleted tensor": in, "output of deleted predictor": out} {
		t.Run(name, func(t *testing.T) {
			_, err := tn.Shape(ctx)
			assert.ErrorIs(t, err, ErrReleased)
			_, err = tn.Data(ctx)
			assert.ErrorIs(t, err, ErrReleased)
			assert.ErrorIs(t, tn.Delete(ctx), ErrReleased)
		})
	}
	_, err = p.Run(ctx, in)
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, p.Delete(ctx), ErrReleased)

	assert.Equal(t, calls, eng.TotalCalls())
	assert.Equal(t, scratch, rt.Stats().Scratch)
}

func TestRunWithReleasedInput(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t)
	p := newPredictor(t, rt)

	in, err := rt.CreateTensor(ctx, testInputShape, ramp(48))
	require.NoError(t, err)
	require.NoError(t, in.Delete(ctx))

	calls := eng.Calls(engine.FnPredictorRun)
	_, err = p.Run(ctx, in)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = p.Run(ctx, nil)
	assert.ErrorIs(t, err, ErrReleased)
	assert.Equal(t, calls, eng.Calls(engine.FnPredictorRun))
}

func TestConfigureConsumesPending(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	pending, err := rt.CreatePredictor(ctx)
	require.NoError(t, err)

	_, err = pending.Configure(ctx, "CLASSES: [face]\x00")
	require.ErrorIs(t, err, ErrInvalidConfig)

	p, err := pending.Configure(ctx, testConfig)
	require.NoError(t, err)
	require.NotNil(t, p)

	_, err = pending.Configure(ctx, testConfig)
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, pending.Delete(ctx), ErrReleased)
	assert.Equal(t, 1, rt.Stats().Predictors)
}

func TestNetworkRun(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t, enginetest.WithOutputShape(1, 2, 2, 5))

	pending, err := rt.CreateNetwork(ctx)
	require.NoError(t, err)
	nn, err := pending.Init(ctx)
	require.NoError(t, err)

	inShape, err := nn.InputShape(ctx)
	require.NoError(t, err)
	assert.Equal(t, testInputShape, inShape)
	outShape, err := nn.OutputShape(ctx)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 2, 5}, outShape)

	input := ramp(inShape.NumElements())
	output, err := nn.Run(ctx, input, outShape)
	require.NoError(t, err)
	require.Len(t, output, 20)
	for i, v := range output {
		assert.InDelta(t, input[i%len(input)]*0.5, v, 1e-7)
	}

	_, err = nn.Run(ctx, input[:10], outShape)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = nn.Run(ctx, input, tensor.Shape{-1})
	assert.ErrorIs(t, err, ErrBadShape)

	assert.Zero(t, rt.Stats().Scratch.Live)
	require.NoError(t, nn.Delete(ctx))
	assert.Zero(t, eng.LiveNetworks())
	_, err = nn.Run(ctx, input, outShape)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestNetworkInitFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t, enginetest.WithInitResult(false))

	pending, err := rt.CreateNetwork(ctx)
	require.NoError(t, err)
	nn, err := pending.Init(ctx)
	require.ErrorIs(t, err, ErrNetworkInit)
	assert.Nil(t, nn)

	_, err = pending.Init(ctx)
	assert.ErrorIs(t, err, ErrReleased)
	assert.Equal(t, 1, eng.Calls(engine.FnNetworkInit), "init must not be retried")
	assert.Zero(t, eng.Calls(engine.FnNetworkRun))
	assert.Zero(t, eng.LiveNetworks())
}

func TestBadShapeFromEngine(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t, enginetest.WithOutputShape(1, -5, 6))

	pending, err := rt.CreateNetwork(ctx)
	require.NoError(t, err)
	nn, err := pending.Init(ctx)
	require.NoError(t, err)

	_, err = nn.OutputShape(ctx)
	assert.ErrorIs(t, err, ErrBadShape)
	assert.Zero(t, rt.Stats().Scratch.Live)
}

func TestDeleteWithoutEngineSupport(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t, enginetest.WithoutDeleteExports())

	pending, err := rt.CreateNetwork(ctx)
	require.NoError(t, err)
	nn, err := pending.Init(ctx)
	require.NoError(t, err)
	p := newPredictor(t, rt)

	require.NoError(t, nn.Delete(ctx))
	require.NoError(t, p.Delete(ctx))
	assert.ErrorIs(t, nn.Delete(ctx), ErrReleased)
	assert.Equal(t, 1, eng.LiveNetworks(), "engine keeps the object")
	assert.Zero(t, rt.Stats().Networks)
	assert.Zero(t, rt.Stats().Predictors)
}

func TestEngineTrapReleasesScratch(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t)
	trap := errors.New("unreachable")

	tn, err := rt.CreateTensor(ctx, tensor.Shape{3}, []float32{1, 2, 3})
	require.NoError(t, err)

	eng.FailNext(engine.FnTensorData, trap)
	_, err = tn.Data(ctx)
	require.ErrorIs(t, err, trap)
	var callErr *engine.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, engine.FnTensorData, callErr.Func)

	eng.FailNext(engine.FnTensorCreate, trap)
	_, err = rt.CreateTensor(ctx, tensor.Shape{3}, []float32{1, 2, 3})
	require.ErrorIs(t, err, trap)

	s := rt.Stats().Scratch
	assert.Zero(t, s.Live)
	assert.Equal(t, s.Allocs, s.Releases)

	// A trap is not a release: the tensor is still usable.
	data, err := tn.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, data)
}

func TestAllocationFailure(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t, enginetest.WithMemorySize(1024))

	keep, err := rt.CreateTensor(ctx, tensor.Shape{2}, []float32{7, 8})
	require.NoError(t, err)

	_, err = rt.CreateTensor(ctx, tensor.Shape{1024}, make([]float32, 1024))
	require.ErrorIs(t, err, shm.ErrAllocation)
	assert.Zero(t, rt.Stats().Scratch.Live)
	assert.Equal(t, 1, eng.LiveTensors())

	data, err := keep.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 8}, data)
}

func TestCloseTearsDownEverything(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New(enginetest.WithInputShape(1, 4, 4, 3))
	rt := New(eng, WithLogger(zaptest.NewLogger(t)))

	pending, err := rt.CreateNetwork(ctx)
	require.NoError(t, err)
	nn, err := pending.Init(ctx)
	require.NoError(t, err)
	p := newPredictor(t, rt)
	in, err := rt.CreateTensor(ctx, testInputShape, ramp(48))
	require.NoError(t, err)
	out, err := p.Run(ctx, in)
	require.NoError(t, err)

	stats := rt.Stats()
	assert.Equal(t, 1, stats.Networks)
	assert.Equal(t, 1, stats.Predictors)
	assert.Equal(t, 2, stats.Tensors)

	require.NoError(t, rt.Close(ctx))
	assert.Zero(t, eng.LiveTensors())
	assert.Zero(t, eng.LivePredictors())
	assert.Zero(t, eng.LiveNetworks())
	assert.Empty(t, eng.Violations())

	_, err = out.Data(ctx)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = nn.InputShape(ctx)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = rt.CreateTensor(ctx, tensor.Shape{1}, []float32{1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, rt.Close(ctx))
}
