// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	stdcontext "context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/wavemlp/models/wavemlp"
	"github.com/gomlx/wavemlp/pkg/ml/ddp"
	"github.com/gomlx/wavemlp/pkg/ml/profile"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchFlags struct {
	batchSize, imageSize, replicas int
	histogramPath                  string
	opts                           profile.Options
}

func newBenchCmd(flags *globalFlags) *cobra.Command {
	bench := &benchFlags{opts: profile.DefaultOptions()}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure latency and throughput of the model forward pass",
		Long: "Measure latency and throughput of the model forward pass on a batch of blank images.\n\n" +
			"With --replicas > 1, each replica runs in its own goroutine and the measurements are " +
			"averaged across replicas. Otherwise $RANK, $WORLD_SIZE and $LOCAL_RANK are honored.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.newEnvironment()
			if err != nil {
				return err
			}
			defer env.backend.Finalize()
			return bench.run(cmd, env)
		},
	}
	cmd.Flags().IntVar(&bench.batchSize, "batch", 1, "Batch size.")
	cmd.Flags().IntVar(&bench.imageSize, "size", 224, "Image height and width, a multiple of 32.")
	cmd.Flags().IntVar(&bench.replicas, "replicas", 1, "Number of in-process replicas.")
	cmd.Flags().IntVar(&bench.opts.Runs, "runs", profile.DefaultRuns, "Number of timed runs.")
	cmd.Flags().IntVar(&bench.opts.Warmup, "warmup", bench.opts.Warmup, "Number of untimed runs before timing.")
	cmd.Flags().BoolVar(&bench.opts.Progress, "progress", true, "Show progress bar.")
	cmd.Flags().StringVar(&bench.histogramPath, "histogram", "",
		"If set, save a histogram of the latency of each run to this file (.png, .svg or .pdf).")
	return cmd
}

// benchResult of one replica.
type benchResult struct {
	latency    profile.Stats
	throughput profile.ThroughputResult
}

func (b *benchFlags) run(cmd *cobra.Command, env *environment) error {
	images := tensors.FromShape(shapes.Make(dtypes.Float32, b.batchSize, wavemlp.ImageChannels, b.imageSize, b.imageSize))
	if err := wavemlp.CheckImagesShape(images.Shape()); err != nil {
		return err
	}
	b.opts.ProgressWriter = cmd.ErrOrStderr()

	var mainResult benchResult
	var cloneMu sync.Mutex
	var meanLatencyMs, meanImagesPerSecond float64
	err := runReplicas(cmd.Context(), b.replicas, func(ctx stdcontext.Context, session *ddp.Session) error {
		cloneMu.Lock()
		rankCtx, err := env.ctx.Clone()
		cloneMu.Unlock()
		if err != nil {
			return err
		}
		opts := b.opts
		opts.Progress = opts.Progress && session.Env.IsMain()
		var result benchResult
		result.latency, err = profile.Latency(env.backend, rankCtx, env.model.Logits, images, opts)
		if err != nil {
			return err
		}
		result.throughput, err = profile.Throughput(env.backend, rankCtx, env.model.Logits, images, opts)
		if err != nil {
			return err
		}
		means, err := session.ReduceMean(ctx, []float64{
			float64(result.latency.Mean) / float64(time.Millisecond),
			result.throughput.ImagesPerSecond,
		})
		if err != nil {
			return err
		}
		if session.Env.IsMain() {
			mainResult = result
			meanLatencyMs, meanImagesPerSecond = means[0], means[1]
		}
		return nil
	})
	if err != nil {
		return err
	}

	title := fmt.Sprintf("%s batch=%d %dx%d", env.model.Config().Variant, b.batchSize, b.imageSize, b.imageSize)
	if b.histogramPath != "" {
		if err := saveLatencyHistogram(b.histogramPath, "WaveMLP-"+title, mainResult.latency); err != nil {
			return err
		}
	}
	table := newTable(title, "Value")
	table.Row("Latency mean", mainResult.latency.Mean.String())
	table.Row("Latency std", mainResult.latency.Std.String())
	table.Row("Latency p50", mainResult.latency.P50.String())
	table.Row("Latency min / max", fmt.Sprintf("%s / %s", mainResult.latency.Min, mainResult.latency.Max))
	table.Row("Throughput", fmt.Sprintf("%s images/s", humanize.CommafWithDigits(mainResult.throughput.ImagesPerSecond, 1)))
	if b.replicas > 1 {
		table.Row("Replicas", fmt.Sprint(b.replicas))
		table.Row("Latency mean (all replicas)", fmt.Sprintf("%.3fms", meanLatencyMs))
		table.Row("Throughput (all replicas)", fmt.Sprintf("%s images/s",
			humanize.CommafWithDigits(meanImagesPerSecond*float64(b.replicas), 1)))
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), table.Render())
	return err
}

// runReplicas runs fn once per replica, each with its own ddp.Session.
//
// With one replica, the distributed configuration is read from the environment variables: only
// single-device mode is supported, since there is no launcher for multi-process groups.
func runReplicas(ctx stdcontext.Context, replicas int, fn func(ctx stdcontext.Context, session *ddp.Session) error) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	if replicas < 1 {
		return errors.Wrapf(ddp.ErrConfig, "--replicas must be >= 1, got %d", replicas)
	}
	if replicas == 1 {
		env, err := ddp.EnvFromOS()
		if err != nil {
			return err
		}
		session, err := ddp.Setup(ctx, env, nil)
		if err != nil {
			return err
		}
		defer func() { _ = session.Cleanup() }()
		return fn(ctx, session)
	}

	hub, err := ddp.NewHub(replicas)
	if err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for rank := range replicas {
		env := ddp.Env{Distributed: true, Rank: rank, WorldSize: replicas, LocalRank: rank}
		group.Go(func() error {
			session, err := ddp.Setup(groupCtx, env, hub.Launcher())
			if err != nil {
				return err
			}
			defer func() { _ = session.Cleanup() }()
			return fn(groupCtx, session)
		})
	}
	return group.Wait()
}
