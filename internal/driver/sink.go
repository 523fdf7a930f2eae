package driver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/detect"
	"github.com/born-ml/detbridge/internal/pipeline"
)

// Result is the outcome of one processed frame.
type Result struct {
	Seq        int
	Name       string
	Width      int // centre-cropped frame size
	Height     int
	Detections []detect.Detection
	Elapsed    time.Duration
}

// Sink receives results in frame order.
type Sink interface {
	Emit(ctx context.Context, r Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Result) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, r Result) error {
	return f(ctx, r)
}

// LogSink logs each detection with its class name and box in source pixels.
type LogSink struct {
	Log      *zap.Logger
	Pipeline *pipeline.Pipeline
}

// Emit implements Sink.
func (s LogSink) Emit(_ context.Context, r Result) error {
	s.Log.Info("frame",
		zap.Int("seq", r.Seq),
		zap.String("name", r.Name),
		zap.Int("detections", len(r.Detections)),
		zap.Duration("elapsed", r.Elapsed))
	for _, d := range r.Detections {
		box := d.Box.Scale(r.Width, r.Height)
		s.Log.Info("detection",
			zap.Int("seq", r.Seq),
			zap.String("class", s.Pipeline.ClassName(d.Class)),
			zap.Float32("score", d.Score),
			zap.Float32s("box", []float32{box.X, box.Y, box.W, box.H}))
	}
	return nil
}
