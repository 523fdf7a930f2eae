// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package bridge provides the public API for driving the detection engine.
//
// Open loads the compiled engine and returns a Runtime. Every engine object is
// reached through a typed handle whose lifecycle state decides which calls
// exist:
//
//	rt, err := bridge.Open(ctx, "lib_wasm.wasm")
//	pending, _ := rt.CreatePredictor(ctx)
//	pred, _ := pending.Configure(ctx, cfg)
//	in, _ := rt.CreateTensor(ctx, bridge.Shape{1, 160, 160, 3}, pixels)
//	out, _ := pred.Run(ctx, in)
//	data, _ := out.Data(ctx)
//	_ = out.Delete(ctx)
//	_ = rt.Close(ctx)
//
// A Runtime and its handles must be driven from a single goroutine.
package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/bridge"
	"github.com/born-ml/detbridge/internal/engine"
	"github.com/born-ml/detbridge/internal/engine/wasm"
	"github.com/born-ml/detbridge/internal/metrics"
	"github.com/born-ml/detbridge/internal/tensor"
)

// Type aliases for public API

// Runtime owns an engine instance and every handle created on it.
type Runtime = bridge.Runtime

// Stats reports live handles and scratch memory usage.
type Stats = bridge.Stats

// PendingNetwork is a created but not yet initialized network.
type PendingNetwork = bridge.PendingNetwork

// Network is an initialized network.
type Network = bridge.Network

// PendingPredictor is a created but not yet configured predictor.
type PendingPredictor = bridge.PendingPredictor

// Predictor is a configured predictor.
type Predictor = bridge.Predictor

// Tensor is an engine-resident tensor.
type Tensor = bridge.Tensor

// Config is the pipeline document handed to a predictor.
type Config = bridge.Config

// Shape represents the dimensions of a tensor.
type Shape = tensor.Shape

// Engine is the entry point contract of the detection engine.
type Engine = engine.Engine

// Metrics holds the prometheus collectors of a runtime.
type Metrics = metrics.Metrics

// Errors.
var (
	ErrReleased      = bridge.ErrReleased
	ErrNetworkInit   = bridge.ErrNetworkInit
	ErrBadShape      = bridge.ErrBadShape
	ErrShapeMismatch = bridge.ErrShapeMismatch
	ErrNullHandle    = bridge.ErrNullHandle
	ErrInvalidConfig = bridge.ErrInvalidConfig
	ErrClosed        = bridge.ErrClosed
	ErrUnsupported   = engine.ErrUnsupported
	ErrMissingExport = engine.ErrMissingExport
)

// NewMetrics creates a fresh set of collectors on their own registry.
func NewMetrics() *Metrics {
	return metrics.New()
}

// Option configures Open and New.
type Option func(*options)

type options struct {
	log         *zap.Logger
	metrics     *metrics.Metrics
	memoryLimit uint64
}

// WithLogger sets the logger for the engine and the runtime.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithMetrics records scratch usage, engine calls and inference latency.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithMemoryLimit caps the engine's linear memory. Only Open uses it.
func WithMemoryLimit(bytes uint64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

func newOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open loads the engine module at path and returns a ready Runtime.
func Open(ctx context.Context, path string, opts ...Option) (*Runtime, error) {
	o := newOptions(opts)
	wopts := []wasm.Option{wasm.WithLogger(o.log), wasm.WithMetrics(o.metrics)}
	if o.memoryLimit > 0 {
		wopts = append(wopts, wasm.WithMemoryLimit(o.memoryLimit))
	}
	eng, err := wasm.LoadFile(ctx, path, wopts...)
	if err != nil {
		return nil, err
	}
	return New(eng, opts...), nil
}

// New wraps an already loaded engine.
func New(eng Engine, opts ...Option) *Runtime {
	o := newOptions(opts)
	return bridge.New(eng, bridge.WithLogger(o.log), bridge.WithMetrics(o.metrics))
}
