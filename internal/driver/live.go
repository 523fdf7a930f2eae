package driver

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/detbridge/internal/bridge"
	"github.com/born-ml/detbridge/internal/detect"
	"github.com/born-ml/detbridge/internal/pipeline"
	"github.com/born-ml/detbridge/internal/tensor"
)

// ErrDelete is returned when a per-frame tensor could not be deleted. The
// live loop stops on it.
var ErrDelete = errors.New("driver: frame tensor delete failed")

// LiveConfig configures the live-capture loop.
type LiveConfig struct {
	// Stop after this many processed frames; 0 runs until the source ends.
	MaxFrames int
	// Stop after this many failed frames in a row. Values below 1 mean 1.
	MaxConsecutiveErrors int
}

// LiveStats counts what the live loop did.
type LiveStats struct {
	Processed  int
	Dropped    int
	Failed     int
	Detections int
}

// Live runs the predictor on frames from src and emits one Result per
// processed frame to sink.
//
// Capture and inference run on separate goroutines joined by a one-slot
// mailbox: a frame that arrives while an inference is in flight replaces the
// pending one, which counts as dropped. Only the inference goroutine touches
// the runtime. A frame whose inference fails is skipped; the loop gives up
// after MaxConsecutiveErrors failures in a row or on the first failed tensor
// delete. Cancelling ctx stops the loop between frames and is not an error.
//
// The network and predictor Live creates are deleted before it returns.
func Live(ctx context.Context, rt *bridge.Runtime, p *pipeline.Pipeline, src FrameSource, sink Sink, cfg LiveConfig, opts ...Option) (stats LiveStats, err error) {
	o := newOptions(opts)
	cleanup := context.WithoutCancel(ctx)

	nn, err := openNetwork(ctx, rt)
	if err != nil {
		return stats, err
	}
	defer func() { err = multierr.Append(err, nn.Delete(cleanup)) }()

	inShape, err := nn.InputShape(ctx)
	if err != nil {
		return stats, err
	}
	height, width, err := imageInput(inShape)
	if err != nil {
		return stats, err
	}

	pred, err := openPredictor(ctx, rt, p)
	if err != nil {
		return stats, err
	}
	defer func() { err = multierr.Append(err, pred.Delete(cleanup)) }()

	o.log.Info("live start",
		zap.Stringer("input", inShape),
		zap.Int("max-frames", cfg.MaxFrames))

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(lctx)
	mailbox := make(chan Frame, 1)
	dropped := atomic.NewInt64(0)

	g.Go(func() error {
		for {
			if gctx.Err() != nil {
				return nil
			}
			f, err := src.Next(gctx)
			if errors.Is(err, io.EOF) {
				close(mailbox)
				return nil
			}
			if gctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case mailbox <- f:
				continue
			default:
			}
			// Only this goroutine sends, so after the drain the slot is free.
			select {
			case old := <-mailbox:
				dropped.Inc()
				o.metrics.FrameDropped()
				o.log.Debug("frame dropped", zap.Int("seq", old.Seq))
			default:
			}
			mailbox <- f
		}
	})

	g.Go(func() error {
		defer cancel()
		maxErrors := max(cfg.MaxConsecutiveErrors, 1)
		consecutive := 0
		for cfg.MaxFrames == 0 || stats.Processed < cfg.MaxFrames {
			var (
				f  Frame
				ok bool
			)
			select {
			case <-gctx.Done():
				return nil
			case f, ok = <-mailbox:
				if !ok {
					return nil
				}
			}

			res, err := processFrame(gctx, rt, pred, f, height, width, o.log)
			if err != nil {
				if errors.Is(err, ErrDelete) {
					return err
				}
				stats.Failed++
				consecutive++
				o.metrics.FrameFailed()
				o.log.Warn("frame failed", zap.Int("seq", f.Seq), zap.String("name", f.Name), zap.Error(err))
				if consecutive >= maxErrors {
					return fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyFailure, consecutive, err)
				}
				continue
			}
			consecutive = 0
			stats.Processed++
			stats.Detections += len(res.Detections)
			o.metrics.AddDetections(len(res.Detections))
			if err := sink.Emit(gctx, res); err != nil {
				return fmt.Errorf("emit frame %d: %w", f.Seq, err)
			}
		}
		return nil
	})

	err = g.Wait()
	stats.Dropped = int(dropped.Load())
	o.log.Info("live done",
		zap.Int("processed", stats.Processed),
		zap.Int("dropped", stats.Dropped),
		zap.Int("failed", stats.Failed),
		zap.Int("detections", stats.Detections),
		zap.Error(err))
	return stats, err
}

// processFrame runs one frame through the predictor. Both the input and the
// output tensor are deleted before it returns; a failed delete is reported
// as ErrDelete.
func processFrame(ctx context.Context, rt *bridge.Runtime, pred *bridge.Predictor, f Frame, height, width int, log *zap.Logger) (Result, error) {
	start := time.Now()
	side := squareSide(f.Image.Bounds())
	res := Result{Seq: f.Seq, Name: f.Name, Width: side, Height: side}
	if side == 0 {
		return res, fmt.Errorf("frame %d: empty image", f.Seq)
	}

	in, err := rt.CreateTensor(ctx, tensor.Shape{1, height, width, 3}, ToInput(f.Image, height, width))
	if err != nil {
		return res, err
	}
	cleanup := context.WithoutCancel(ctx)
	out, err := pred.Run(ctx, in)
	if derr := in.Delete(cleanup); derr != nil {
		err = multierr.Append(err, fmt.Errorf("%w: input: %w", ErrDelete, derr))
		if out != nil {
			err = multierr.Append(err, out.Delete(cleanup))
		}
		return res, err
	}
	if err != nil {
		return res, err
	}

	shape, data, err := readOutput(ctx, out)
	if derr := out.Delete(cleanup); derr != nil {
		return res, multierr.Append(err, fmt.Errorf("%w: output: %w", ErrDelete, derr))
	}
	if err != nil {
		return res, err
	}

	detect.Dump(log, shape, data)
	res.Detections, err = detect.Decode(shape, data)
	if err != nil {
		return res, err
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func readOutput(ctx context.Context, out *bridge.Tensor) (tensor.Shape, []float32, error) {
	shape, err := out.Shape(ctx)
	if err != nil {
		return nil, nil, err
	}
	data, err := out.Data(ctx)
	if err != nil {
		return nil, nil, err
	}
	return shape, data, nil
}

func squareSide(b image.Rectangle) int {
	return min(b.Dx(), b.Dy())
}
