// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wavemlp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// Normalizer of a feature map shaped [batch, channels, height, width].
//
// Implementations: AffineNorm and Identity.
type Normalizer interface {
	// Normalize x, creating any variables under ctx.
	Normalize(ctx *context.Context, x *graph.Node) *graph.Node
}

// Identity is a Normalizer that returns its input unchanged and creates no variables.
type Identity struct{}

// Normalize implements Normalizer.
func (Identity) Normalize(_ *context.Context, x *graph.Node) *graph.Node { return x }

// AffineNorm normalizes x and applies a learned per-channel gain (initialized to 1) and
// offset (initialized to 0).
type AffineNorm struct {
	Kind    NormKind
	Epsilon float64
}

// batchNormMomentum matches a moving average update of 0.1 per step.
const batchNormMomentum = 0.9

// Normalize implements Normalizer.
func (n AffineNorm) Normalize(ctx *context.Context, x *graph.Node) *graph.Node {
	if x.Rank() != 4 {
		exceptions.Panicf("normalization expects a feature map shaped [batch, channels, height, width], got %s", x.Shape())
	}
	switch n.Kind {
	case BatchNorm:
		return batchnorm.New(ctx, x, 1).Momentum(batchNormMomentum).Epsilon(n.Epsilon).Done()
	case GroupNorm:
		return groupNorm(ctx.In("group_normalization"), x, n.Epsilon)
	}
	exceptions.Panicf("unknown normalization kind %s", n.Kind)
	return nil
}

// groupNorm with a single group: each example is normalized over channels, height and width,
// and then scaled and shifted per channel.
func groupNorm(ctx *context.Context, x *graph.Node, epsilon float64) *graph.Node {
	g := x.Graph()
	channels := x.Shape().Dimensions[1]
	varShape := shapes.Make(x.DType(), channels)
	gain := ctx.WithInitializer(initializers.One).VariableWithShape("gain", varShape).ValueGraph(g)
	offset := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape).ValueGraph(g)
	gain = graph.Reshape(gain, 1, channels, 1, 1)
	offset = graph.Reshape(offset, 1, channels, 1, 1)

	mean := graph.ReduceAndKeep(x, graph.ReduceMean, 1, 2, 3)
	centered := graph.Sub(x, mean)
	variance := graph.ReduceAndKeep(graph.Square(centered), graph.ReduceMean, 1, 2, 3)
	normalized := graph.Div(centered, graph.Sqrt(graph.AddScalar(variance, epsilon)))
	return graph.Add(graph.Mul(normalized, gain), offset)
}
