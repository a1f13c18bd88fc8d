// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wavemlp

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// convBuilder is a 2D convolution over feature maps shaped [batch, channels, height, width], with
// kernels shaped [outputChannels, inputChannels/groups, kernelHeight, kernelWidth].
//
// Unlike layers.Convolution it supports explicit per-axis padding together with channel groups,
// which the directional token mixing needs.
type convBuilder struct {
	ctx              *context.Context
	x                *graph.Node
	outputChannels   int
	kernelH, kernelW int
	stride           int
	padH, padW       int
	groups           int
	bias             bool
}

// conv2D creates a convolution builder of x to outputChannels. Variables "weights" and
// "biases" are created directly in ctx. Defaults to a 1x1 kernel, stride 1, no padding,
// one group and with bias.
func conv2D(ctx *context.Context, x *graph.Node, outputChannels int) *convBuilder {
	if x.Rank() != 4 {
		exceptions.Panicf("conv2D expects x shaped [batch, channels, height, width], got %s", x.Shape())
	}
	if outputChannels <= 0 {
		exceptions.Panicf("conv2D requires outputChannels > 0, got %d", outputChannels)
	}
	return &convBuilder{
		ctx:            ctx,
		x:              x,
		outputChannels: outputChannels,
		kernelH:        1,
		kernelW:        1,
		stride:         1,
		groups:         1,
		bias:           true,
	}
}

// Kernel sets the kernel size.
func (c *convBuilder) Kernel(height, width int) *convBuilder {
	c.kernelH, c.kernelW = height, width
	return c
}

// Stride sets the same stride for both spatial axes.
func (c *convBuilder) Stride(stride int) *convBuilder {
	c.stride = stride
	return c
}

// Padding sets symmetric zero padding for the height and width axes.
func (c *convBuilder) Padding(height, width int) *convBuilder {
	c.padH, c.padW = height, width
	return c
}

// Groups splits input and output channels in groups convolved independently.
func (c *convBuilder) Groups(groups int) *convBuilder {
	c.groups = groups
	return c
}

// NoBias disables the bias term.
func (c *convBuilder) NoBias() *convBuilder {
	c.bias = false
	return c
}

// Done builds the convolution.
func (c *convBuilder) Done() *graph.Node {
	x := c.x
	g := x.Graph()
	dtype := x.DType()
	inputChannels := x.Shape().Dimensions[1]
	if c.groups < 1 || inputChannels%c.groups != 0 || c.outputChannels%c.groups != 0 {
		exceptions.Panicf("conv2D: input channels (%d) and output channels (%d) must be divisible by groups (%d)",
			inputChannels, c.outputChannels, c.groups)
	}
	kernelShape := shapes.Make(dtype, c.outputChannels, inputChannels/c.groups, c.kernelH, c.kernelW)
	receptiveField := c.kernelH * c.kernelW
	fanIn := kernelShape.Dimensions[1] * receptiveField
	fanOut := c.outputChannels * receptiveField
	kernel := c.ctx.WithInitializer(xavierUniform(c.ctx, fanIn, fanOut)).
		VariableWithShape("weights", kernelShape).ValueGraph(g)

	output := graph.Convolve(x, kernel).
		ChannelsAxis(images.ChannelsFirst).
		StridePerAxis(c.stride, c.stride).
		PaddingPerDim([][2]int{{c.padH, c.padH}, {c.padW, c.padW}}).
		ChannelGroupCount(c.groups).
		Done()

	if c.bias {
		bias := c.ctx.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(dtype, c.outputChannels)).ValueGraph(g)
		output = graph.Add(output, graph.Reshape(bias, 1, c.outputChannels, 1, 1))
	}
	return output
}

// initializerFn matches the signature of context variable initializers.
type initializerFn = func(g *graph.Graph, shape shapes.Shape) *graph.Node

// xavierUniform initializes with U(-a, a), a = sqrt(6 / (fanIn + fanOut)).
// Fans are given explicitly since the generic initializers assume the kernel layout of layers.Convolution.
func xavierUniform(ctx *context.Context, fanIn, fanOut int) initializerFn {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return func(g *graph.Graph, shape shapes.Shape) *graph.Node {
		values := ctx.RandomUniform(g, shape)
		return graph.AddScalar(graph.MulScalar(values, 2*limit), -limit)
	}
}

// truncatedNormalRounds is the number of rejection steps before clipping the out-of-range leftovers.
const truncatedNormalRounds = 4

// truncatedNormal initializes with a normal distribution of the given standard deviation,
// with values restricted to two standard deviations from 0. The bounds are relative to stddev:
// for stddev 0.02 values lie in [-0.04, 0.04].
func truncatedNormal(ctx *context.Context, stddev float64) initializerFn {
	return func(g *graph.Graph, shape shapes.Shape) *graph.Node {
		values := ctx.RandomNormal(g, shape)
		for range truncatedNormalRounds {
			outOfRange := graph.GreaterThan(graph.Abs(values), graph.Scalar(g, shape.DType, 2.0))
			values = graph.Where(outOfRange, ctx.RandomNormal(g, shape), values)
		}
		values = graph.ClipScalar(values, -2, 2)
		return graph.MulScalar(values, stddev)
	}
}
