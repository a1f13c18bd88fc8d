// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wavemlp

import (
	"github.com/pkg/errors"
)

// Complexity of a model for a given image size.
type Complexity struct {
	// Parameters is the number of trainable scalars.
	Parameters int64

	// MACs is the number of multiply-accumulate operations of the convolutions and of the
	// classification head for one image. It's what is usually reported as FLOPs for vision
	// backbones. Element-wise operations and normalizations are not counted.
	MACs int64
}

// complexityCounter accumulates the parameters and MACs of the layers.
type complexityCounter struct {
	Complexity
}

func (c *complexityCounter) conv(inputChannels, outputChannels, kernelH, kernelW, groups, outH, outW int, bias bool) {
	weights := int64(outputChannels) * int64(inputChannels/groups) * int64(kernelH*kernelW)
	c.Parameters += weights
	if bias {
		c.Parameters += int64(outputChannels)
	}
	c.MACs += weights * int64(outH*outW)
}

func (c *complexityCounter) norm(channels int, enabled bool) {
	if enabled {
		c.Parameters += 2 * int64(channels)
	}
}

func (c *complexityCounter) mlp(inputChannels, hidden, outputChannels, h, w int) {
	c.conv(inputChannels, hidden, 1, 1, 1, h, w, true)
	c.conv(hidden, outputChannels, 1, 1, 1, h, w, true)
}

func (c *complexityCounter) patm(channels, h, w int) {
	for range 2 { // Phases.
		c.conv(channels, channels, 1, 1, 1, h, w, true)
		c.norm(channels, true)
	}
	for range 3 { // Amplitudes and channel branch.
		c.conv(channels, channels, 1, 1, 1, h, w, false)
	}
	c.conv(2*channels, channels, 1, tokenMixingKernel, channels, h, w, false)
	c.conv(2*channels, channels, tokenMixingKernel, 1, channels, h, w, false)
	c.mlp(channels, reweightHidden(channels), NumBranches*channels, 1, 1)
	c.conv(channels, channels, 1, 1, 1, h, w, true)
}

// convOutputSize of a convolution along one axis.
func convOutputSize(size, kernel, stride, padding int) int {
	return (size+2*padding-kernel)/stride + 1
}

// EstimateComplexity analytically computes the number of parameters and MACs of the classification
// model described by cfg, for images of the given height and width.
func EstimateComplexity(cfg *Config, height, width int) (Complexity, error) {
	if err := cfg.Validate(); err != nil {
		return Complexity{}, err
	}
	if height <= 0 || width <= 0 || height%DownsampleFactor != 0 || width%DownsampleFactor != 0 {
		return Complexity{}, errors.Wrapf(ErrDimension, "height and width must be positive multiples of %d, got %dx%d",
			DownsampleFactor, height, width)
	}
	var c complexityCounter
	h := convOutputSize(height, cfg.PatchSize, cfg.PatchStride, cfg.PatchPadding)
	w := convOutputSize(width, cfg.PatchSize, cfg.PatchStride, cfg.PatchPadding)
	channels := cfg.Stages[0].Channels
	c.conv(ImageChannels, channels, cfg.PatchSize, cfg.PatchSize, 1, h, w, true)
	c.norm(channels, cfg.UseNorm)
	for stageIdx, stage := range cfg.Stages {
		if stageIdx > 0 {
			h, w = convOutputSize(h, 3, 2, 1), convOutputSize(w, 3, 2, 1)
			c.conv(channels, stage.Channels, 3, 3, 1, h, w, true)
			c.norm(stage.Channels, cfg.UseNorm)
			channels = stage.Channels
		}
		hidden := int(float64(channels) * stage.MLPRatio)
		for range stage.Depth {
			c.norm(channels, cfg.UseNorm)
			c.patm(channels, h, w)
			c.norm(channels, cfg.UseNorm)
			c.mlp(channels, hidden, channels, h, w)
		}
	}
	c.norm(channels, true)
	c.Parameters += int64(channels*cfg.NumClasses + cfg.NumClasses)
	c.MACs += int64(channels * cfg.NumClasses)
	return c.Complexity, nil
}

// Counter implements a FLOPs counter for a model configuration, see EstimateComplexity.
type Counter struct {
	Config *Config
}

// Available implements profile.FLOPsCounter.
func (c Counter) Available() bool { return c.Config != nil }

// Count implements profile.FLOPsCounter. It returns the number of parameters and MACs for one
// image of the given size.
func (c Counter) Count(height, width int) (parameters, flops int64, err error) {
	if c.Config == nil {
		return 0, 0, errors.Wrap(ErrInvalidConfig, "no configuration to count FLOPs")
	}
	complexity, err := EstimateComplexity(c.Config, height, width)
	if err != nil {
		return 0, 0, err
	}
	return complexity.Parameters, complexity.MACs, nil
}
