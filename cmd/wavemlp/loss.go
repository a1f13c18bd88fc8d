// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	stdcontext "context"
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/wavemlp/pkg/ml/ddp"
	"github.com/gomlx/wavemlp/pkg/ml/losses"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type lossFlags struct {
	batchSize, numClasses, replicas int
	smoothing, alpha, temperature   float64
	teacherScale                    float64
}

func newLossCmd(flags *globalFlags) *cobra.Command {
	lf := &lossFlags{}
	cmd := &cobra.Command{
		Use:   "loss",
		Short: "Evaluate the training losses on random logits and targets",
		Long: "Evaluate the training losses on random logits and targets.\n\n" +
			"With --replicas > 1, each replica draws its own logits and targets, and the losses are " +
			"averaged across replicas.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lf.batchSize < 1 || lf.numClasses < 2 {
				return errors.Errorf("--batch must be >= 1 and --classes >= 2, got %d and %d", lf.batchSize, lf.numClasses)
			}
			smoothing, err := losses.NewLabelSmoothing(lf.smoothing)
			if err != nil {
				return err
			}
			distillation, err := losses.NewDistillation(lf.alpha, lf.temperature)
			if err != nil {
				return err
			}
			backend, ctx, err := initSetup(flags.setupConfig())
			if err != nil {
				return err
			}
			defer backend.Finalize()

			var values [3]float64
			var cloneMu sync.Mutex
			err = runReplicas(cmd.Context(), lf.replicas, func(groupCtx stdcontext.Context, session *ddp.Session) error {
				cloneMu.Lock()
				rankCtx, err := ctx.Clone()
				cloneMu.Unlock()
				if err != nil {
					return err
				}
				rankCtx.SetRNGStateFromSeed(flags.seed + int64(session.Env.Rank))
				rankValues, err := lf.evaluate(backend, rankCtx, smoothing, distillation)
				if err != nil {
					return err
				}
				means, err := session.ReduceMean(groupCtx, rankValues[:])
				if err != nil {
					return err
				}
				if session.Env.IsMain() {
					copy(values[:], means)
				}
				return nil
			})
			if err != nil {
				return err
			}

			title := fmt.Sprintf("Loss (batch=%d, classes=%d)", lf.batchSize, lf.numClasses)
			if lf.replicas > 1 {
				title += fmt.Sprintf(", mean of %d replicas", lf.replicas)
			}
			table := newTable(title, "Value")
			table.Row("Cross-entropy", fmt.Sprintf("%.4f", values[0]))
			table.Row(fmt.Sprintf("Label smoothing (%.2f)", smoothing.Smoothing()), fmt.Sprintf("%.4f", values[1]))
			table.Row(fmt.Sprintf("Distillation (alpha=%.2f, T=%.1f)", lf.alpha, lf.temperature), fmt.Sprintf("%.4f", values[2]))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), table.Render())
			return err
		},
	}
	cmd.Flags().IntVar(&lf.batchSize, "batch", 8, "Batch size.")
	cmd.Flags().IntVar(&lf.numClasses, "classes", 10, "Number of classes.")
	cmd.Flags().IntVar(&lf.replicas, "replicas", 1, "Number of in-process replicas.")
	cmd.Flags().Float64Var(&lf.smoothing, "smoothing", 0.1, "Label smoothing factor, in [0, 1).")
	cmd.Flags().Float64Var(&lf.alpha, "alpha", losses.DefaultDistillationAlpha, "Distillation weight of the soft (teacher) term.")
	cmd.Flags().Float64Var(&lf.temperature, "temperature", losses.DefaultDistillationTemperature, "Distillation temperature.")
	cmd.Flags().Float64Var(&lf.teacherScale, "teacher_scale", 2, "Scale of the random teacher logits, relative to the student's.")
	return cmd
}

// evaluate returns the cross-entropy, label smoothing and distillation losses of random student
// and teacher logits.
func (lf *lossFlags) evaluate(backend backends.Backend, ctx *context.Context, smoothing *losses.LabelSmoothing,
	distillation *losses.Distillation) ([3]float64, error) {
	var values [3]float64
	outputs, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		logitsShape := shapes.Make(dtypes.Float32, lf.batchSize, lf.numClasses)
		student := ctx.RandomNormal(g, logitsShape)
		teacher := MulScalar(ctx.RandomNormal(g, logitsShape), lf.teacherScale)
		targets := MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float32, lf.batchSize)), float64(lf.numClasses))
		targets = ConvertDType(ClipScalar(targets, 0, float64(lf.numClasses-1)), dtypes.Int32)
		return []*Node{
			losses.CrossEntropy(student, targets),
			smoothing.Loss(student, targets),
			distillation.Loss(student, teacher, targets),
		}
	})
	if err != nil {
		return values, err
	}
	for ii, output := range outputs {
		values[ii] = float64(tensors.MustCopyFlatData[float32](output)[0])
	}
	return values, nil
}
