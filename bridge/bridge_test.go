// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package bridge_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/born-ml/detbridge/bridge"
	"github.com/born-ml/detbridge/internal/engine/enginetest"
)

func TestNewTensorRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := bridge.NewMetrics()
	rt := bridge.New(enginetest.New(), bridge.WithLogger(zaptest.NewLogger(t)), bridge.WithMetrics(m))

	in, err := rt.CreateTensor(ctx, bridge.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	data, err := in.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, data)

	require.NoError(t, in.Delete(ctx))
	_, err = in.Data(ctx)
	assert.ErrorIs(t, err, bridge.ErrReleased)

	require.NoError(t, rt.Close(ctx))
	_, err = rt.CreateTensor(ctx, bridge.Shape{1}, []float32{1})
	assert.ErrorIs(t, err, bridge.ErrClosed)

	n, err := testutil.GatherAndCount(m.Registry(), "detbridge_scratch_regions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	_, err := bridge.Open(ctx, filepath.Join(t.TempDir(), "missing.wasm"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.wasm")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, 0o600))
	_, err = bridge.Open(ctx, path, bridge.WithMemoryLimit(16<<20))
	assert.ErrorIs(t, err, bridge.ErrMissingExport)
}
