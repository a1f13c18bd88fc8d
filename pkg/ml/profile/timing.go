// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package profile measures models: forward latency and throughput, number of parameters,
// serialized size and (when a counter is available) FLOPs.
package profile

import (
	"io"
	"os"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// DefaultRuns is the number of timed runs used by Latency and Throughput.
const DefaultRuns = 30

// ErrInvalidOptions is returned for invalid timing options.
var ErrInvalidOptions = errors.New("invalid profiling options")

// ModelFn is the forward pass being measured, usually Model.ModelGraph-like: ctx holds the
// variables and x is the batch of inputs.
type ModelFn = func(ctx *context.Context, x *Node) *Node

// Options for Latency and Throughput.
type Options struct {
	// Warmup runs are executed (and not timed) before the timed runs. The first one includes
	// the JIT-compilation of the graph.
	Warmup int

	// Runs is the number of timed executions.
	Runs int

	// Progress shows a progress bar over the timed runs, written to ProgressWriter (os.Stderr if nil).
	Progress       bool
	ProgressWriter io.Writer
}

// DefaultOptions uses 1 warmup run and DefaultRuns timed ones.
func DefaultOptions() Options {
	return Options{Warmup: 1, Runs: DefaultRuns}
}

func (o Options) validate() error {
	if o.Warmup < 0 {
		return errors.Wrapf(ErrInvalidOptions, "warmup must be >= 0, got %d", o.Warmup)
	}
	if o.Runs < 1 {
		return errors.Wrapf(ErrInvalidOptions, "runs must be >= 1, got %d", o.Runs)
	}
	return nil
}

// Stats of the duration of the timed runs.
type Stats struct {
	Runs                     int
	Mean, Std, Min, Max, P50 time.Duration

	// Durations of each run, in execution order.
	Durations []time.Duration
}

// Throughput results.
type ThroughputResult struct {
	BatchSize, Runs int
	Elapsed         time.Duration

	// ImagesPerSecond is BatchSize*Runs/Elapsed.
	ImagesPerSecond float64
}

// timer executes fn on a fixed input, waiting for the results to be available on the host.
type timer struct {
	exec  *context.Exec
	input *tensors.Tensor
}

func newTimer(backend backends.Backend, ctx *context.Context, fn ModelFn, input *tensors.Tensor) (*timer, error) {
	if input == nil {
		return nil, errors.Wrap(ErrInvalidOptions, "nil input")
	}
	exec, err := context.NewExec(backend, ctx, fn)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create executor for profiling")
	}
	return &timer{exec: exec, input: input}, nil
}

// run executes once and returns the elapsed wall time.
func (t *timer) run() (elapsed time.Duration, err error) {
	start := time.Now()
	outputs, err := t.exec.Exec(t.input)
	if err != nil {
		return 0, err
	}
	err = exceptions.TryCatch[error](func() {
		// Execution may be asynchronous: the transfer to the host is the synchronization point.
		for _, output := range outputs {
			output.MaterializeLocal()
		}
	})
	elapsed = time.Since(start)
	for _, output := range outputs {
		if finalizeErr := output.FinalizeAll(); finalizeErr != nil && err == nil {
			err = finalizeErr
		}
	}
	return elapsed, err
}

func (t *timer) warmup(n int) error {
	for range n {
		if _, err := t.run(); err != nil {
			return errors.WithMessagef(err, "warmup run failed")
		}
	}
	return nil
}

func (t *timer) finalize() { t.exec.Finalize() }

func newProgressBar(opts Options, description string) *progressbar.ProgressBar {
	if !opts.Progress {
		return nil
	}
	writer := opts.ProgressWriter
	if writer == nil {
		writer = os.Stderr
	}
	return progressbar.NewOptions(opts.Runs,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(writer),
		progressbar.OptionClearOnFinish(),
	)
}

// Latency measures the duration of each of opts.Runs executions of fn(ctx, input), after
// opts.Warmup untimed executions.
//
// Variables of fn missing in ctx are initialized during the first warmup run.
func Latency(backend backends.Backend, ctx *context.Context, fn ModelFn, input *tensors.Tensor, opts Options) (Stats, error) {
	if err := opts.validate(); err != nil {
		return Stats{}, err
	}
	t, err := newTimer(backend, ctx, fn, input)
	if err != nil {
		return Stats{}, err
	}
	defer t.finalize()
	if err := t.warmup(opts.Warmup); err != nil {
		return Stats{}, err
	}

	bar := newProgressBar(opts, "latency")
	durations := make([]float64, opts.Runs)
	for ii := range durations {
		elapsed, err := t.run()
		if err != nil {
			return Stats{}, errors.WithMessagef(err, "latency run #%d failed", ii)
		}
		durations[ii] = float64(elapsed)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	stats := newStats(durations)
	klog.V(1).Infof("latency over %d runs: mean=%s std=%s p50=%s", stats.Runs, stats.Mean, stats.Std, stats.P50)
	return stats, nil
}

// newStats summarizes durations (in nanoseconds).
func newStats(durations []float64) Stats {
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0
	}
	runs := make([]time.Duration, len(durations))
	for ii, d := range durations {
		runs[ii] = time.Duration(d)
	}
	return Stats{
		Runs:      len(sorted),
		Mean:      time.Duration(mean),
		Std:       time.Duration(std),
		Min:       time.Duration(sorted[0]),
		Max:       time.Duration(sorted[len(sorted)-1]),
		P50:       time.Duration(stat.Quantile(0.5, stat.Empirical, sorted, nil)),
		Durations: runs,
	}
}

// Throughput measures the number of examples per second processed by fn(ctx, input), where the
// batch size is the first axis of input.
//
// It runs opts.Warmup untimed executions, and then times opts.Runs consecutive executions.
func Throughput(backend backends.Backend, ctx *context.Context, fn ModelFn, input *tensors.Tensor, opts Options) (ThroughputResult, error) {
	if err := opts.validate(); err != nil {
		return ThroughputResult{}, err
	}
	t, err := newTimer(backend, ctx, fn, input)
	if err != nil {
		return ThroughputResult{}, err
	}
	defer t.finalize()
	if input.Shape().Rank() < 1 {
		return ThroughputResult{}, errors.Wrapf(ErrInvalidOptions, "input must have a batch axis, got shape %s", input.Shape())
	}
	if err := t.warmup(opts.Warmup); err != nil {
		return ThroughputResult{}, err
	}

	result := ThroughputResult{BatchSize: input.Shape().Dimensions[0], Runs: opts.Runs}
	bar := newProgressBar(opts, "throughput")
	for ii := range opts.Runs {
		elapsed, err := t.run()
		if err != nil {
			return ThroughputResult{}, errors.WithMessagef(err, "throughput run #%d failed", ii)
		}
		result.Elapsed += elapsed
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if result.Elapsed > 0 {
		result.ImagesPerSecond = float64(result.BatchSize*result.Runs) / result.Elapsed.Seconds()
	}
	klog.V(1).Infof("throughput with batch size %d averaged over %d runs: %.1f images/s",
		result.BatchSize, result.Runs, result.ImagesPerSecond)
	return result, nil
}
