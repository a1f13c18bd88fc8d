// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wavemlp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// MLP applies a per-pixel 1x1 projection to hiddenChannels, a GELU and a 1x1 projection to
// outputChannels. If outputChannels <= 0, the number of input channels is used.
//
// Variables are created under the scopes "fc1" and "fc2".
func MLP(ctx *context.Context, x *graph.Node, hiddenChannels, outputChannels int) *graph.Node {
	if outputChannels <= 0 {
		outputChannels = x.Shape().Dimensions[1]
	}
	x = conv2D(ctx.In("fc1"), x, hiddenChannels).Done()
	x = activations.Gelu(x)
	return conv2D(ctx.In("fc2"), x, outputChannels).Done()
}

// DropPath implements stochastic depth: during training each example of the residual branch x
// is zeroed with probability rate, and the surviving ones are scaled by 1/(1-rate), so the
// expected value is unchanged. During inference, or if rate is 0, it returns x.
func DropPath(ctx *context.Context, x *graph.Node, rate float64) *graph.Node {
	if rate <= 0 {
		return x
	}
	if rate >= 1 {
		exceptions.Panicf("DropPath rate must be in [0, 1), got %g", rate)
	}
	g := x.Graph()
	if !ctx.IsTraining(g) {
		return x
	}
	keepProb := 1 - rate
	maskDims := make([]int, x.Rank())
	for ii := range maskDims {
		maskDims[ii] = 1
	}
	maskDims[0] = x.Shape().Dimensions[0]
	mask := ctx.RandomBernoulli(graph.Scalar(g, x.DType(), keepProb), shapes.Make(x.DType(), maskDims...))
	return graph.Mul(x, graph.MulScalar(mask, 1/keepProb))
}

// linear is a fully connected layer for x shaped [batch, features], with weights shaped
// [outputs, features] initialized with a truncated normal (stddev 0.02) and zero biases.
func linear(ctx *context.Context, x *graph.Node, outputs int) *graph.Node {
	g := x.Graph()
	inputs := x.Shape().Dimensions[x.Rank()-1]
	weights := ctx.WithInitializer(truncatedNormal(ctx, linearInitStddev)).
		VariableWithShape("weights", shapes.Make(x.DType(), outputs, inputs)).ValueGraph(g)
	biases := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(x.DType(), outputs)).ValueGraph(g)
	return graph.Add(graph.Einsum("bi,oi->bo", x, weights), biases)
}

const linearInitStddev = 0.02
