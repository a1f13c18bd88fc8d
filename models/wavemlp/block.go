// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wavemlp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Block is the WaveMLP residual block:
//
//	y = x + DropPath(PATM(norm1(x)))
//	z = y + DropPath(MLP(norm2(y)))
//
// The MLP hidden width is channels*mlpRatio. Variables are created under the scopes
// "norm1", "attn", "norm2" and "mlp".
func Block(ctx *context.Context, x *graph.Node, mlpRatio, dropPathRate float64, norm Normalizer) *graph.Node {
	if norm == nil {
		norm = Identity{}
	}
	channels := x.Shape().Dimensions[1]
	hidden := int(float64(channels) * mlpRatio)
	if hidden <= 0 {
		exceptions.Panicf("Block mlpRatio=%g gives no hidden channels for %d channels", mlpRatio, channels)
	}

	residual := PATM(ctx.In("attn"), norm.Normalize(ctx.In("norm1"), x))
	x = graph.Add(x, DropPath(ctx, residual, dropPathRate))

	residual = MLP(ctx.In("mlp"), norm.Normalize(ctx.In("norm2"), x), hidden, channels)
	return graph.Add(x, DropPath(ctx, residual, dropPathRate))
}

// PatchEmbed is the overlapping patch embedding stem: a single strided convolution from the
// image channels to channels, followed by norm.
func PatchEmbed(ctx *context.Context, images *graph.Node, channels, patchSize, stride, padding int, norm Normalizer) *graph.Node {
	x := conv2D(ctx.In("proj"), images, channels).
		Kernel(patchSize, patchSize).Stride(stride).Padding(padding, padding).Done()
	return norm.Normalize(ctx.In("norm"), x)
}

// Downsample halves height and width with a 3x3 convolution of stride 2, projecting to
// channels, followed by norm.
func Downsample(ctx *context.Context, x *graph.Node, channels int, norm Normalizer) *graph.Node {
	x = conv2D(ctx.In("proj"), x, channels).Kernel(3, 3).Stride(2).Padding(1, 1).Done()
	return norm.Normalize(ctx.In("norm"), x)
}
