package driver

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/bridge"
	"github.com/born-ml/detbridge/internal/config"
	"github.com/born-ml/detbridge/internal/detect"
	"github.com/born-ml/detbridge/internal/pipeline"
	"github.com/born-ml/detbridge/internal/tensor"
)

// BenchConfig configures a benchmark run.
type BenchConfig struct {
	Mode       string // config.ModePredictor or config.ModeNetwork
	Iterations int
	Warmup     int
	Seed       int64
	// Progress receives a progress bar when non-nil.
	Progress io.Writer
}

// BenchReport summarizes a benchmark run. Latencies cover measured
// iterations only.
type BenchReport struct {
	RunID       string
	Mode        string
	Iterations  int
	InputShape  tensor.Shape
	OutputShape tensor.Shape

	Mean time.Duration
	Min  time.Duration
	P50  time.Duration
	P95  time.Duration
	Max  time.Duration

	// Detections in the output of the last iteration.
	Detections    int
	ScratchPeak   uint64
	ScratchAllocs uint64
}

// Bench creates and initializes a network, feeds it one random input in
// [0, 1) and times cfg.Iterations runs on the selected path. Every handle it
// creates is deleted before it returns, and any handle or scratch region
// still live afterwards is reported as ErrLeak.
func Bench(ctx context.Context, rt *bridge.Runtime, p *pipeline.Pipeline, cfg BenchConfig, opts ...Option) (*BenchReport, error) {
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("bench: iterations must be positive, got %d", cfg.Iterations)
	}
	o := newOptions(opts)
	before := rt.Stats()

	report, err := runBench(ctx, rt, p, cfg, o)
	if err != nil {
		return nil, err
	}
	after := rt.Stats()
	if err := checkLeaks(before, after); err != nil {
		return nil, err
	}
	report.ScratchPeak = after.Scratch.PeakBytes
	report.ScratchAllocs = after.Scratch.Allocs - before.Scratch.Allocs
	return report, nil
}

func runBench(ctx context.Context, rt *bridge.Runtime, p *pipeline.Pipeline, cfg BenchConfig, o options) (_ *BenchReport, err error) {
	report := &BenchReport{RunID: uuid.New().String(), Mode: cfg.Mode, Iterations: cfg.Iterations}
	log := o.log.With(zap.String("run", report.RunID), zap.String("mode", cfg.Mode))

	nn, err := openNetwork(ctx, rt)
	if err != nil {
		return nil, err
	}
	// Teardown runs even after cancellation.
	cleanup := context.WithoutCancel(ctx)
	defer func() { err = multierr.Append(err, nn.Delete(cleanup)) }()

	report.InputShape, err = nn.InputShape(ctx)
	if err != nil {
		return nil, err
	}
	input := randomInput(cfg.Seed, report.InputShape.NumElements())

	var step func() (tensor.Shape, []float32, error)
	switch cfg.Mode {
	case config.ModeNetwork:
		var outShape tensor.Shape
		if outShape, err = nn.OutputShape(ctx); err != nil {
			return nil, err
		}
		step = func() (tensor.Shape, []float32, error) {
			out, err := nn.Run(ctx, input, outShape)
			return outShape, out, err
		}
	case config.ModePredictor, "":
		report.Mode = config.ModePredictor
		var pred *bridge.Predictor
		if pred, err = openPredictor(ctx, rt, p); err != nil {
			return nil, err
		}
		defer func() { err = multierr.Append(err, pred.Delete(cleanup)) }()

		var in *bridge.Tensor
		if in, err = rt.CreateTensor(ctx, report.InputShape, input); err != nil {
			return nil, err
		}
		defer func() { err = multierr.Append(err, in.Delete(cleanup)) }()

		step = func() (tensor.Shape, []float32, error) {
			return predict(ctx, pred, in)
		}
	default:
		return nil, fmt.Errorf("bench: unknown mode %q", cfg.Mode)
	}

	log.Info("bench start",
		zap.Stringer("input", report.InputShape),
		zap.Int("warmup", cfg.Warmup),
		zap.Int("iterations", cfg.Iterations))

	for i := 0; i < cfg.Warmup; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, _, err := step(); err != nil {
			return nil, fmt.Errorf("warmup %d: %w", i, err)
		}
	}

	var bar *pb.ProgressBar
	if cfg.Progress != nil {
		bar = pb.Simple.New(cfg.Iterations).SetWriter(cfg.Progress).Start()
		defer bar.Finish()
	}

	samples := make([]time.Duration, 0, cfg.Iterations)
	var (
		lastShape tensor.Shape
		lastData  []float32
	)
	for i := 0; i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		shape, data, err := step()
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		samples = append(samples, time.Since(start))
		lastShape, lastData = shape, data
		if bar != nil {
			bar.Increment()
		}
	}

	report.OutputShape = lastShape
	report.Mean, report.Min, report.P50, report.P95, report.Max = summarize(samples)
	if report.Mode == config.ModePredictor {
		detect.Dump(log, lastShape, lastData)
		dets, err := detect.Decode(lastShape, lastData)
		if err != nil {
			return nil, err
		}
		report.Detections = len(dets)
		o.metrics.AddDetections(len(dets))
	}
	log.Info("bench done",
		zap.Stringer("output", report.OutputShape),
		zap.Duration("mean", report.Mean),
		zap.Duration("p95", report.P95),
		zap.Int("detections", report.Detections))
	return report, nil
}

// predict runs the predictor once and reads the output back. The output
// tensor is always deleted.
func predict(ctx context.Context, pred *bridge.Predictor, in *bridge.Tensor) (shape tensor.Shape, data []float32, err error) {
	out, err := pred.Run(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	defer func() { err = multierr.Append(err, out.Delete(context.WithoutCancel(ctx))) }()

	if shape, err = out.Shape(ctx); err != nil {
		return nil, nil, err
	}
	if data, err = out.Data(ctx); err != nil {
		return nil, nil, err
	}
	return shape, data, nil
}

func randomInput(seed int64, n int) []float32 {
	r := rand.New(rand.NewSource(seed)) //nolint:gosec // benchmark input
	data := make([]float32, n)
	for i := range data {
		data[i] = r.Float32()
	}
	return data
}

// summarize returns mean, min, median, 95th percentile and max using the
// nearest-rank method.
func summarize(samples []time.Duration) (mean, lo, p50, p95, hi time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0, 0, 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	rank := func(p int) time.Duration {
		i := (p*len(sorted)+99)/100 - 1
		return sorted[max(i, 0)]
	}
	return total / time.Duration(len(sorted)), sorted[0], rank(50), rank(95), sorted[len(sorted)-1]
}

// Render writes the report as a table.
func (r *BenchReport) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"run", r.RunID})
	t.AppendRow(table.Row{"mode", r.Mode})
	t.AppendRow(table.Row{"iterations", r.Iterations})
	t.AppendRow(table.Row{"input", r.InputShape.String()})
	t.AppendRow(table.Row{"output", r.OutputShape.String()})
	t.AppendSeparator()
	t.AppendRow(table.Row{"mean", r.Mean.String()})
	t.AppendRow(table.Row{"min", r.Min.String()})
	t.AppendRow(table.Row{"p50", r.P50.String()})
	t.AppendRow(table.Row{"p95", r.P95.String()})
	t.AppendRow(table.Row{"max", r.Max.String()})
	t.AppendSeparator()
	if r.Mode == config.ModePredictor {
		t.AppendRow(table.Row{"detections", r.Detections})
	}
	t.AppendRow(table.Row{"scratch peak", units.BytesSize(float64(r.ScratchPeak))})
	t.AppendRow(table.Row{"scratch regions", r.ScratchAllocs})
	t.Render()
}
