package driver

import (
	"context"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/born-ml/detbridge/internal/bridge"
	"github.com/born-ml/detbridge/internal/engine"
	"github.com/born-ml/detbridge/internal/engine/enginetest"
	"github.com/born-ml/detbridge/internal/pipeline"
)

func solid(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func frames(images ...image.Image) []Frame {
	out := make([]Frame, len(images))
	for i, img := range images {
		out[i] = Frame{Seq: i, Name: "frame", Image: img}
	}
	return out
}

// stepSource hands out the first frame immediately and each later frame only
// after step has been signalled, so the loop never sees two frames at once.
type stepSource struct {
	frames []Frame
	step   chan struct{}
	next   int
}

func newStepSource(f []Frame) *stepSource {
	return &stepSource{frames: f, step: make(chan struct{}, 1)}
}

func (s *stepSource) Next(ctx context.Context) (Frame, error) {
	if s.next > 0 {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.step:
		}
	}
	if s.next >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func (s *stepSource) advance() {
	select {
	case s.step <- struct{}{}:
	default:
	}
}

// collect records results and advances src after each one.
type collect struct {
	mu      sync.Mutex
	results []Result
	src     *stepSource
}

func (c *collect) Emit(_ context.Context, r Result) error {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
	c.src.advance()
	return nil
}

// advanceOnFailure makes a logger that also advances src whenever a frame fails.
func advanceOnFailure(t *testing.T, src *stepSource) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.WrapOptions(zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "frame failed" {
			src.advance()
		}
		return nil
	})))
}

func TestLive(t *testing.T) {
	rt, eng := newRuntime(t, enginetest.WithDetections(2))
	src := newStepSource(frames(solid(8, 6), solid(6, 8), solid(4, 4)))
	sink := &collect{src: src}

	stats, err := Live(context.Background(), rt, pipeline.DefaultFaceDetection(), src, sink, LiveConfig{MaxConsecutiveErrors: 3},
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	assert.Equal(t, LiveStats{Processed: 3, Detections: 6}, stats)
	require.Len(t, sink.results, 3)
	for i, r := range sink.results {
		assert.Equal(t, i, r.Seq)
		assert.Len(t, r.Detections, 2)
	}
	assert.Equal(t, 6, sink.results[0].Width)
	assert.Equal(t, 6, sink.results[1].Height)
	assert.Equal(t, 4, sink.results[2].Width)
	assert.Equal(t, 3, eng.Calls(engine.FnPredictorRun))
	assert.Equal(t, 6, eng.Calls(engine.FnTensorDelete), "input and output of every frame")
}

func TestLiveMaxFrames(t *testing.T) {
	rt, eng := newRuntime(t)
	src := newStepSource(frames(solid(4, 4), solid(4, 4), solid(4, 4), solid(4, 4)))

	stats, err := Live(context.Background(), rt, pipeline.DefaultFaceDetection(), src, &collect{src: src},
		LiveConfig{MaxFrames: 2, MaxConsecutiveErrors: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, eng.Calls(engine.FnPredictorRun))
}

// burstSource releases every frame after the first as soon as gate is closed.
type burstSource struct {
	frames []Frame
	gate   chan struct{}
	done   chan struct{}
	next   int
}

func (s *burstSource) Next(ctx context.Context) (Frame, error) {
	if s.next == 1 {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.gate:
		}
	}
	if s.next >= len(s.frames) {
		close(s.done)
		return Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func TestLiveDropsStaleFrames(t *testing.T) {
	rt, _ := newRuntime(t)
	src := &burstSource{
		frames: frames(solid(4, 4), solid(4, 4), solid(4, 4), solid(4, 4), solid(4, 4)),
		gate:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	var seen []int
	sink := SinkFunc(func(_ context.Context, r Result) error {
		seen = append(seen, r.Seq)
		if r.Seq == 0 {
			// Hold the loop until the source has emitted everything.
			close(src.gate)
			<-src.done
		}
		return nil
	})

	stats, err := Live(context.Background(), rt, pipeline.DefaultFaceDetection(), src, sink, LiveConfig{MaxConsecutiveErrors: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4}, seen, "only the latest pending frame survives")
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 3, stats.Dropped)
}

func TestLiveConsecutiveFailures(t *testing.T) {
	rt, _ := newRuntime(t)
	empty := image.NewNRGBA(image.Rectangle{})
	src := newStepSource(frames(empty, empty, empty, solid(4, 4)))

	stats, err := Live(context.Background(), rt, pipeline.DefaultFaceDetection(), src, &collect{src: src},
		LiveConfig{MaxConsecutiveErrors: 2}, WithLogger(advanceOnFailure(t, src)))
	require.ErrorIs(t, err, ErrTooManyFailure)
	assert.Equal(t, 2, stats.Failed)
	assert.Zero(t, stats.Processed)
}

func TestLiveRecoversFromFailures(t *testing.T) {
	rt, eng := newRuntime(t)
	empty := image.NewNRGBA(image.Rectangle{})
	src := newStepSource(frames(empty, solid(4, 4), empty, solid(4, 4)))

	stats, err := Live(context.Background(), rt, pipeline.DefaultFaceDetection(), src, &collect{src: src},
		LiveConfig{MaxConsecutiveErrors: 1}, WithLogger(advanceOnFailure(t, src)))
	require.Error(t, err, "a single failure exhausts a budget of one")
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, eng.Calls(engine.FnPredictorRun))

	rt, _ = newRuntime(t)
	src = newStepSource(frames(empty, solid(4, 4), empty, solid(4, 4)))
	stats, err = Live(context.Background(), rt, pipeline.DefaultFaceDetection(), src, &collect{src: src},
		LiveConfig{MaxConsecutiveErrors: 2}, WithLogger(advanceOnFailure(t, src)))
	require.NoError(t, err)
	assert.Equal(t, LiveStats{Processed: 2, Failed: 2, Detections: 2}, stats)
}

func TestLiveEngineTrapSkipsFrame(t *testing.T) {
	rt, eng := newRuntime(t)
	eng.FailNext(engine.FnTensorData, assert.AnError)
	src := newStepSource(frames(solid(4, 4), solid(4, 4)))

	stats, err := Live(context.Background(), rt, pipeline.DefaultFaceDetection(), src, &collect{src: src},
		LiveConfig{MaxConsecutiveErrors: 2}, WithLogger(advanceOnFailure(t, src)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Processed)
}

func TestLiveStopsOnFailedDelete(t *testing.T) {
	eng := enginetest.New(enginetest.WithInputShape(1, 4, 4, 3))
	rt := bridge.New(eng, bridge.WithLogger(zaptest.NewLogger(t)))
	eng.FailNext(engine.FnTensorDelete, assert.AnError)
	src := newStepSource(frames(solid(4, 4), solid(4, 4)))

	stats, err := Live(context.Background(), rt, pipeline.DefaultFaceDetection(), src, &collect{src: src},
		LiveConfig{MaxConsecutiveErrors: 5})
	require.ErrorIs(t, err, ErrDelete)
	assert.Zero(t, stats.Processed)
	assert.Equal(t, 1, eng.Calls(engine.FnPredictorRun))
	// The engine kept the input it failed to delete; the wrapper is poisoned
	// regardless, so the runtime has nothing left to release.
	assert.Equal(t, 1, eng.LiveTensors())
	assert.Zero(t, rt.Stats().Tensors)
	require.NoError(t, rt.Close(context.Background()))
	assert.Empty(t, eng.Violations())
	assert.Zero(t, eng.LiveAllocations())
}

func TestLiveCancel(t *testing.T) {
	rt, _ := newRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := newStepSource(frames(solid(4, 4), solid(4, 4), solid(4, 4)))
	sink := SinkFunc(func(context.Context, Result) error {
		cancel()
		return nil
	})

	stats, err := Live(ctx, rt, pipeline.DefaultFaceDetection(), src, sink, LiveConfig{MaxConsecutiveErrors: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
}

func TestLiveRejectsInputLayout(t *testing.T) {
	rt, eng := newRuntime(t, enginetest.WithInputShape(1, 3, 4, 4))
	src := newStepSource(frames(solid(4, 4)))

	_, err := Live(context.Background(), rt, pipeline.DefaultFaceDetection(), src, &collect{src: src}, LiveConfig{})
	require.ErrorIs(t, err, ErrInputLayout)
	assert.Zero(t, eng.Calls(engine.FnPredictorCreate))
}
