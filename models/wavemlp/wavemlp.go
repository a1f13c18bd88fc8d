// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wavemlp implements the WaveMLP vision backbone: a hierarchical token-mixing MLP that
// represents each token as a wave with an amplitude and a phase (see PATM).
//
// Feature maps are shaped [batch, channels, height, width] throughout.
//
// Example:
//
//	cfg := must.M1(wavemlp.NewConfig(wavemlp.VariantT))
//	model := must.M1(wavemlp.New(cfg))
//	logits, err := model.Forward(backend, ctx, images)  // images shaped [batch, 3, 224, 224].
package wavemlp

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrDimension is returned (or thrown while building a graph) when images are not shaped
// [batch, 3, height, width] with height and width divisible by DownsampleFactor.
var ErrDimension = errors.New("invalid WaveMLP input dimensions")

// ImageChannels is the number of channels of the input images.
const ImageChannels = 3

// Model is a WaveMLP model. It holds only the static configuration: variables live in the
// context.Context given to its graph building methods.
type Model struct {
	cfg       *Config
	blockNorm Normalizer
	finalNorm Normalizer

	// featureNorms normalize the output of each stage for the multi-scale features.
	featureNorms [NumStages]Normalizer
}

// New creates a Model for the validated configuration.
func New(cfg *Config) (*Model, error) {
	if cfg == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "nil configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:       cfg,
		blockNorm: cfg.BlockNorm(),
		finalNorm: cfg.finalNorm(),
	}
	for ii := range m.featureNorms {
		m.featureNorms[ii] = cfg.finalNorm()
	}
	klog.V(1).Infof("WaveMLP-%s: depths=%v, %d classes, norm=%s (enabled=%v)",
		cfg.Variant, m.depths(), cfg.NumClasses, cfg.NormKind, cfg.UseNorm)
	return m, nil
}

// Config returns the model configuration. It should not be modified.
func (m *Model) Config() *Config { return m.cfg }

func (m *Model) depths() []int {
	depths := make([]int, NumStages)
	for ii, stage := range m.cfg.Stages {
		depths[ii] = stage.Depth
	}
	return depths
}

// CheckImagesShape returns an ErrDimension error if shape is not a valid input shape.
func CheckImagesShape(shape shapes.Shape) error {
	if shape.Rank() != 4 {
		return errors.Wrapf(ErrDimension, "images must be shaped [batch, %d, height, width], got %s", ImageChannels, shape)
	}
	dims := shape.Dimensions
	if dims[0] < 1 {
		return errors.Wrapf(ErrDimension, "batch size must be >= 1, got %s", shape)
	}
	if dims[1] != ImageChannels {
		return errors.Wrapf(ErrDimension, "images must have %d channels (axis 1), got %s", ImageChannels, shape)
	}
	if dims[2] <= 0 || dims[3] <= 0 || dims[2]%DownsampleFactor != 0 || dims[3]%DownsampleFactor != 0 {
		return errors.Wrapf(ErrDimension, "height and width must be positive multiples of %d, got %s",
			DownsampleFactor, shape)
	}
	if !shape.DType.IsFloat() {
		return errors.Wrapf(ErrDimension, "images must be a float dtype, got %s", shape)
	}
	return nil
}

// backbone runs the stem and the 4 stages, calling onStageEnd (if not nil) with the output of each stage.
func (m *Model) backbone(ctx *context.Context, images *graph.Node, onStageEnd func(stage int, x *graph.Node)) *graph.Node {
	if err := CheckImagesShape(images.Shape()); err != nil {
		panic(err)
	}
	cfg := m.cfg
	x := images
	if x.DType() != cfg.DType {
		x = graph.ConvertDType(x, cfg.DType)
	}
	x = PatchEmbed(ctx.In("patch_embed"), x, cfg.Stages[0].Channels,
		cfg.PatchSize, cfg.PatchStride, cfg.PatchPadding, m.blockNorm)
	for stageIdx, stage := range cfg.Stages {
		if stageIdx > 0 {
			x = Downsample(ctx.Inf("downsample_%d", stageIdx), x, stage.Channels, m.blockNorm)
		}
		stageCtx := ctx.Inf("stage_%d", stageIdx)
		for blockIdx := range stage.Depth {
			x = Block(stageCtx.Inf("block_%d", blockIdx), x, stage.MLPRatio,
				cfg.BlockDropPathRate(stageIdx, blockIdx), m.blockNorm)
		}
		if onStageEnd != nil {
			onStageEnd(stageIdx, x)
		}
	}
	return x
}

// Logits builds the classification graph: images shaped [batch, 3, height, width] are
// mapped to logits shaped [batch, numClasses].
//
// It panics with an ErrDimension error for invalid image shapes.
func (m *Model) Logits(ctx *context.Context, images *graph.Node) *graph.Node {
	x := m.backbone(ctx, images, nil)
	x = m.finalNorm.Normalize(ctx.In("norm"), x)
	x = graph.ReduceMean(x, 2, 3)
	return linear(ctx.In("head"), x, m.cfg.NumClasses)
}

// Features builds the multi-scale features graph: it returns the normalized output of each
// of the 4 stages, with strides 4, 8, 16 and 32 relative to the images.
func (m *Model) Features(ctx *context.Context, images *graph.Node) []*graph.Node {
	features := make([]*graph.Node, 0, NumStages)
	m.backbone(ctx, images, func(stage int, x *graph.Node) {
		features = append(features, m.featureNorms[stage].Normalize(ctx.Inf("features_norm_%d", stage), x))
	})
	return features
}

// ModelGraph follows the signature of model functions used by train.Trainer: it takes the
// images as inputs[0] and returns the logits.
func (m *Model) ModelGraph(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{m.Logits(ctx, inputs[0])}
}

// Forward executes the model in inference mode on images shaped [batch, 3, height, width] and
// returns the logits shaped [batch, numClasses]. Variables not yet initialized (or loaded) are
// initialized.
//
// If Config.Pretrained is set and ctx has no loader attached, Init is called first, so the
// pretrained weights are used (and verified) instead of random ones.
func (m *Model) Forward(backend backends.Backend, ctx *context.Context, images *tensors.Tensor) (*tensors.Tensor, error) {
	if err := CheckImagesShape(images.Shape()); err != nil {
		return nil, err
	}
	if m.cfg.Pretrained != "" && ctx.Loader() == nil {
		if err := m.Init(backend, ctx); err != nil {
			return nil, err
		}
	}
	var logits *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		logits = context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
			return m.Logits(ctx, x)
		}, images)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "WaveMLP-%s forward on images %s", m.cfg.Variant, images.Shape())
	}
	return logits, nil
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("WaveMLP-%s(depths=%v, classes=%d)", m.cfg.Variant, m.depths(), m.cfg.NumClasses)
}
