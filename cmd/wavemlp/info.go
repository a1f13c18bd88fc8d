// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/wavemlp/models/wavemlp"
	"github.com/gomlx/wavemlp/pkg/ml/profile"
	"github.com/spf13/cobra"
)

func newInfoCmd(flags *globalFlags) *cobra.Command {
	var imageSize int
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the configuration, number of parameters, size and FLOPs of the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.newEnvironment()
			if err != nil {
				return err
			}
			defer env.backend.Finalize()

			// Variables don't depend on the image size: the smallest valid image initializes all of them.
			smallest := tensors.FromShape(shapes.Make(dtypes.Float32, 1, wavemlp.ImageChannels,
				wavemlp.DownsampleFactor, wavemlp.DownsampleFactor))
			if _, err := env.model.Forward(env.backend, env.ctx, smallest); err != nil {
				return err
			}
			size, err := profile.ModelSize(env.ctx)
			if err != nil {
				return err
			}
			complexity := profile.ParamsAndFLOPs(wavemlp.Counter{Config: env.model.Config()}, imageSize, imageSize)

			cfg := env.model.Config()
			var depths, channels, ratios []string
			for _, stage := range cfg.Stages {
				depths = append(depths, fmt.Sprint(stage.Depth))
				channels = append(channels, fmt.Sprint(stage.Channels))
				ratios = append(ratios, fmt.Sprint(stage.MLPRatio))
			}
			norm := cfg.NormKind.String()
			if !cfg.UseNorm {
				norm += " (final only)"
			}
			table := newTable("WaveMLP", "Value")
			table.Row("Variant", cfg.Variant.String())
			table.Row("Depths", strings.Join(depths, ", "))
			table.Row("Channels", strings.Join(channels, ", "))
			table.Row("MLP ratios", strings.Join(ratios, ", "))
			table.Row("Normalization", norm)
			table.Row("Classes", humanize.Comma(int64(cfg.NumClasses)))
			table.Row("Parameters", humanize.Comma(profile.CountParameters(env.ctx)))
			table.Row("Checkpoint size", humanize.Bytes(uint64(size)))
			if complexity.Available {
				table.Row(fmt.Sprintf("FLOPs (MACs) @ %dx%d", imageSize, imageSize),
					humanize.SIWithDigits(float64(complexity.FLOPs), 2, "FLOPs"))
			} else {
				table.Row("FLOPs", "n/a")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), table.Render())
			return err
		},
	}
	cmd.Flags().IntVar(&imageSize, "size", 224, "Image height and width used to estimate FLOPs.")
	return cmd
}
