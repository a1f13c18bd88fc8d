// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profile

import (
	"bytes"
	"testing"
	"time"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scaleModel multiplies its input by a [3] "scale" variable, and has one non-trainable variable.
func scaleModel(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	ctx = ctx.In("scale_model")
	scale := ctx.VariableWithShape("scale", shapes.Make(x.DType(), 3)).ValueGraph(g)
	counter := ctx.VariableWithShape("counter", shapes.Make(x.DType(), 7))
	counter.Trainable = false
	return Add(Mul(x, scale), ReduceAllSum(counter.ValueGraph(g)))
}

func newInput() *tensors.Tensor {
	return tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
}

func TestLatency(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	var progress bytes.Buffer
	stats, err := Latency(backend, ctx, scaleModel, newInput(), Options{Warmup: 2, Runs: 5, Progress: true, ProgressWriter: &progress})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Runs)
	assert.Len(t, stats.Durations, 5)
	assert.Greater(t, stats.Min, time.Duration(0))
	assert.LessOrEqual(t, stats.Min, stats.P50)
	assert.LessOrEqual(t, stats.P50, stats.Max)
	assert.LessOrEqual(t, stats.Min, stats.Mean)
	assert.LessOrEqual(t, stats.Mean, stats.Max)
	assert.NotZero(t, progress.Len())

	_, err = Latency(backend, ctx, scaleModel, newInput(), Options{Runs: 0})
	require.True(t, errors.Is(err, ErrInvalidOptions))
	_, err = Latency(backend, ctx, scaleModel, newInput(), Options{Warmup: -1, Runs: 1})
	require.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestNewStats(t *testing.T) {
	stats := newStats([]float64{40, 10, 30, 20})
	assert.Equal(t, 4, stats.Runs)
	assert.Equal(t, time.Duration(25), stats.Mean)
	assert.Equal(t, time.Duration(10), stats.Min)
	assert.Equal(t, time.Duration(40), stats.Max)
	assert.Equal(t, time.Duration(20), stats.P50)
	assert.Equal(t, []time.Duration{40, 10, 30, 20}, stats.Durations)

	stats = newStats([]float64{7})
	assert.Equal(t, time.Duration(0), stats.Std)
	assert.Equal(t, time.Duration(7), stats.P50)
}

func TestThroughput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	result, err := Throughput(backend, ctx, scaleModel, newInput(), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, result.BatchSize)
	assert.Equal(t, DefaultRuns, result.Runs)
	assert.Greater(t, result.Elapsed, time.Duration(0))
	assert.InDelta(t, float64(2*DefaultRuns)/result.Elapsed.Seconds(), result.ImagesPerSecond, 1e-6)
}

func TestParametersAndSize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(1)
	_, err := context.ExecOnce(backend, ctx, scaleModel, newInput())
	require.NoError(t, err)

	// Only the trainable "scale" counts: "counter" and the RNG state are excluded.
	assert.Equal(t, int64(3), CountParameters(ctx))

	size, err := ModelSize(ctx)
	require.NoError(t, err)
	// At least the raw bytes of the variables.
	assert.GreaterOrEqual(t, size, int64((3+7)*4))
}

type fakeCounter struct {
	available bool
	err       error
}

func (c fakeCounter) Available() bool { return c.available }

func (c fakeCounter) Count(height, width int) (int64, int64, error) {
	if c.err != nil {
		return 0, 0, c.err
	}
	return 1000, int64(height * width), nil
}

func TestParamsAndFLOPs(t *testing.T) {
	assert.Equal(t, Complexity{}, ParamsAndFLOPs(nil, 224, 224))
	assert.Equal(t, Complexity{}, ParamsAndFLOPs(fakeCounter{}, 224, 224))
	assert.Equal(t, Complexity{}, ParamsAndFLOPs(fakeCounter{available: true, err: errors.New("boom")}, 224, 224))
	assert.Equal(t, Complexity{Params: 1000, FLOPs: 224 * 112, Available: true},
		ParamsAndFLOPs(fakeCounter{available: true}, 224, 112))
}
