// Package metrics exposes prometheus collectors for the bridge and its drivers.
//
// A nil *Metrics is valid and records nothing, so components can accept one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "detbridge"

// Inference paths.
const (
	PathPredictor = "predictor"
	PathNetwork   = "network"
)

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	regionsLive    prometheus.Gauge
	regionBytes    prometheus.Counter
	regionsTotal   prometheus.Counter
	engineCalls    *prometheus.HistogramVec
	inference      *prometheus.HistogramVec
	detections     prometheus.Counter
	framesDropped  prometheus.Counter
	framesFailed   prometheus.Counter
	handlesDeleted *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		regionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scratch_regions_live",
			Help:      "Scratch regions currently allocated in engine memory.",
		}),
		regionBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scratch_bytes_total",
			Help:      "Bytes allocated for scratch regions.",
		}),
		regionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scratch_regions_total",
			Help:      "Scratch regions allocated.",
		}),
		engineCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_call_duration_seconds",
			Help:      "Duration of calls into engine entry points.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 12),
		}, []string{"func"}),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "End-to-end duration of one inference, marshaling included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"path"}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections with a positive score.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames replaced by a newer frame while an inference was in flight.",
		}),
		framesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_failed_total",
			Help:      "Frames whose inference failed.",
		}),
		handlesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handles_deleted_total",
			Help:      "Engine handles released, by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.regionsLive, m.regionBytes, m.regionsTotal,
		m.engineCalls, m.inference, m.detections,
		m.framesDropped, m.framesFailed, m.handlesDeleted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RegionAllocated records a new scratch region of size bytes.
func (m *Metrics) RegionAllocated(size uint32) {
	if m == nil {
		return
	}
	m.regionsLive.Inc()
	m.regionsTotal.Inc()
	m.regionBytes.Add(float64(size))
}

// RegionReleased records a released scratch region.
func (m *Metrics) RegionReleased() {
	if m == nil {
		return
	}
	m.regionsLive.Dec()
}

// ObserveEngineCall records the duration of one entry point call.
func (m *Metrics) ObserveEngineCall(fn string, d time.Duration) {
	if m == nil {
		return
	}
	m.engineCalls.WithLabelValues(fn).Observe(d.Seconds())
}

// ObserveInference records one inference on the given path.
func (m *Metrics) ObserveInference(path string, d time.Duration) {
	if m == nil {
		return
	}
	m.inference.WithLabelValues(path).Observe(d.Seconds())
}

// AddDetections counts detections reported to a consumer.
func (m *Metrics) AddDetections(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.detections.Add(float64(n))
}

// FrameDropped counts a frame superseded before inference.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

// FrameFailed counts a frame whose inference failed.
func (m *Metrics) FrameFailed() {
	if m == nil {
		return
	}
	m.framesFailed.Inc()
}

// HandleDeleted counts a released engine handle of the given kind.
func (m *Metrics) HandleDeleted(kind string) {
	if m == nil {
		return
	}
	m.handlesDeleted.WithLabelValues(kind).Inc()
}
