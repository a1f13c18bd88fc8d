// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wavemlp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// NumBranches mixed by PATM: horizontal, vertical and channel.
const NumBranches = 3

// tokenMixingKernel is the extent of the directional depthwise kernels.
const tokenMixingKernel = 7

// phaseNormEpsilon is the epsilon of the batch normalization of the phase estimators.
const phaseNormEpsilon = 1e-5

// PATM is the phase-aware token mixing layer. x is shaped [batch, channels, height, width],
// and so is the output.
//
// See PATMWithGates for details.
func PATM(ctx *context.Context, x *graph.Node) *graph.Node {
	output, _ := PATMWithGates(ctx, x)
	return output
}

// PATMWithGates is PATM that also returns the branch gates, shaped [3, batch, channels, 1, 1].
// For each example and channel the gates are non-negative and sum to 1 over the first axis.
//
// Each spatial direction (height and width) is treated as a wave: a bias-free projection gives
// the amplitude, and a phase is estimated per pixel (1x1 projection, batch normalization and ReLU).
// The real and imaginary parts, amplitude*cos(phase) and amplitude*sin(phase), are concatenated
// and mixed by a depthwise 1x7 (horizontal) or 7x1 (vertical) convolution back to the original
// number of channels. A third branch is a plain channel projection.
//
// The three branches are combined with per-channel weights computed from the global average of
// their sum by a small MLP and a softmax over the branches, and finally projected by a 1x1
// convolution.
func PATMWithGates(ctx *context.Context, x *graph.Node) (output, gates *graph.Node) {
	if x.Rank() != 4 {
		exceptions.Panicf("PATM expects x shaped [batch, channels, height, width], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, channels := dims[0], dims[1]

	thetaH := phase(ctx.In("theta_h"), x)
	thetaW := phase(ctx.In("theta_w"), x)

	xH := conv2D(ctx.In("fc_h"), x, channels).NoBias().Done()
	xW := conv2D(ctx.In("fc_w"), x, channels).NoBias().Done()
	c := conv2D(ctx.In("fc_c"), x, channels).NoBias().Done()

	xH = graph.Concatenate([]*graph.Node{graph.Mul(xH, graph.Cos(thetaH)), graph.Mul(xH, graph.Sin(thetaH))}, 1)
	xW = graph.Concatenate([]*graph.Node{graph.Mul(xW, graph.Cos(thetaW)), graph.Mul(xW, graph.Sin(thetaW))}, 1)

	const pad = tokenMixingKernel / 2
	h := conv2D(ctx.In("tfc_h"), xH, channels).
		Kernel(1, tokenMixingKernel).Padding(0, pad).Groups(channels).NoBias().Done()
	w := conv2D(ctx.In("tfc_w"), xW, channels).
		Kernel(tokenMixingKernel, 1).Padding(pad, 0).Groups(channels).NoBias().Done()

	// Branch gates: [batch, 3*channels, 1, 1] -> [batch, channels, 3] -> [3, batch, channels].
	pooled := graph.ReduceAndKeep(graph.Add(graph.Add(h, w), c), graph.ReduceMean, 2, 3)
	logits := MLP(ctx.In("reweight"), pooled, reweightHidden(channels), NumBranches*channels)
	logits = graph.Reshape(logits, batchSize, channels, NumBranches)
	logits = graph.TransposeAllAxes(logits, 2, 0, 1)
	gates = graph.Softmax(logits, 0)
	gates = graph.Reshape(gates, NumBranches, batchSize, channels, 1, 1)

	branches := []*graph.Node{h, w, c}
	var mixed *graph.Node
	for ii, branch := range branches {
		gate := graph.Reshape(graph.Slice(gates, graph.AxisElem(ii)), batchSize, channels, 1, 1)
		weighted := graph.Mul(branch, gate)
		if mixed == nil {
			mixed = weighted
		} else {
			mixed = graph.Add(mixed, weighted)
		}
	}
	output = conv2D(ctx.In("proj"), mixed, channels).Done()
	return output, gates
}

// reweightHidden is the hidden width of the branch gates MLP.
func reweightHidden(channels int) int {
	return max(1, channels/4)
}

// phase estimates a non-negative phase per pixel and channel.
func phase(ctx *context.Context, x *graph.Node) *graph.Node {
	channels := x.Shape().Dimensions[1]
	theta := conv2D(ctx.In("conv"), x, channels).Done()
	theta = AffineNorm{Kind: BatchNorm, Epsilon: phaseNormEpsilon}.Normalize(ctx.In("norm"), theta)
	return activations.Relu(theta)
}
