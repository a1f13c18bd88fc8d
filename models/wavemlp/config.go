// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wavemlp

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// NumStages is the number of hierarchy levels of the backbone.
const NumStages = 4

// DownsampleFactor is the total spatial reduction of the backbone: the stem stride (4) times
// the three stride-2 transitions. Input images must have height and width divisible by it.
const DownsampleFactor = 32

var (
	// ErrUnknownVariant is returned when a variant name is not one of the registered ones.
	ErrUnknownVariant = errors.New("unknown WaveMLP variant")

	// ErrInvalidConfig is returned for inconsistent configurations (e.g.: non-positive number of classes).
	ErrInvalidConfig = errors.New("invalid WaveMLP configuration")
)

// Variant of the WaveMLP backbone. It's a closed set: see ParseVariant.
type Variant int

const (
	VariantT Variant = iota
	VariantS
	VariantM
)

var variantNames = [...]string{VariantT: "T", VariantS: "S", VariantM: "M"}

// String implements fmt.Stringer.
func (v Variant) String() string {
	if v < 0 || int(v) >= len(variantNames) {
		return fmt.Sprintf("Variant(%d)", int(v))
	}
	return variantNames[v]
}

// Variants returns all valid variants, in order.
func Variants() []Variant {
	return []Variant{VariantT, VariantS, VariantM}
}

func validVariantsString() string {
	names := make([]string, 0, len(variantNames))
	for _, name := range variantNames {
		names = append(names, name)
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// ParseVariant converts a variant name ("T", "S" or "M", case-insensitive) to a Variant.
func ParseVariant(name string) (Variant, error) {
	for ii, candidate := range variantNames {
		if strings.EqualFold(candidate, strings.TrimSpace(name)) {
			return Variant(ii), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownVariant, "variant %q is not valid, valid variants are %s", name, validVariantsString())
}

// NormKind selects the affine normalization used by the model.
type NormKind int

const (
	// BatchNorm normalizes over the batch and spatial axes, with running averages for inference.
	BatchNorm NormKind = iota

	// GroupNorm with a single group: normalizes each example over channels and spatial axes.
	GroupNorm
)

// String implements fmt.Stringer.
func (k NormKind) String() string {
	switch k {
	case BatchNorm:
		return "BatchNorm"
	case GroupNorm:
		return "GroupNorm"
	}
	return fmt.Sprintf("NormKind(%d)", int(k))
}

// StageConfig holds the static configuration of one level of the hierarchy.
type StageConfig struct {
	// Depth is the number of Blocks in the stage.
	Depth int

	// Channels of the feature maps in the stage.
	Channels int

	// MLPRatio is the hidden expansion of the feed-forward MLP of each Block.
	MLPRatio float64
}

// variantSettings holds depths and mlp ratios per variant.
var variantSettings = map[Variant]struct {
	depths    [NumStages]int
	mlpRatios [NumStages]float64
}{
	VariantT: {depths: [NumStages]int{2, 2, 4, 2}, mlpRatios: [NumStages]float64{4, 4, 4, 4}},
	VariantS: {depths: [NumStages]int{2, 3, 10, 3}, mlpRatios: [NumStages]float64{4, 4, 4, 4}},
	VariantM: {depths: [NumStages]int{3, 4, 18, 3}, mlpRatios: [NumStages]float64{8, 8, 4, 4}},
}

// EmbedDims are the channels of each stage, shared by all variants.
var EmbedDims = [NumStages]int{64, 128, 320, 512}

// Hyperparameters read by ConfigFromContext.
const (
	// ParamVariant is the context hyperparameter with the variant name. Default "T".
	ParamVariant = "wavemlp_variant"

	// ParamNumClasses is the context hyperparameter with the number of classes of the head. Default 1000.
	ParamNumClasses = "wavemlp_num_classes"

	// ParamDropPathRate is the context hyperparameter with the maximum stochastic depth rate,
	// reached by the last Block. Default 0.
	ParamDropPathRate = "wavemlp_drop_path_rate"

	// ParamPretrained is the context hyperparameter with a checkpoint directory with pretrained weights.
	// Default "", meaning weights are initialized randomly.
	ParamPretrained = "wavemlp_pretrained"

	// ParamDType is the context hyperparameter with the dtype of the model parameters, e.g. "float16".
	// Default "float32".
	ParamDType = "wavemlp_dtype"
)

// Config of a WaveMLP model. Create it with NewConfig or ConfigFromContext; it should not be changed
// after the Model is created.
type Config struct {
	Variant Variant
	Stages  [NumStages]StageConfig

	// NormKind used for the stem, transitions, Blocks and final normalization.
	NormKind NormKind

	// UseNorm enables normalization in the stem, transitions and Blocks. The final normalization
	// (and the multi-scale feature normalizations) are always applied.
	UseNorm bool

	NumClasses int

	// DropPathRate is the rate of the last Block, earlier Blocks use a linearly smaller rate.
	DropPathRate float64

	// Stem convolution configuration.
	PatchSize, PatchStride, PatchPadding int

	// NormEpsilon used by all normalizations.
	NormEpsilon float64

	// Pretrained is a checkpoint directory to load weights from. If empty, weights are randomly initialized.
	Pretrained string

	// ForkFeatures marks the model as a multi-scale backbone: the pretrained weights are expected to
	// hold the feature normalizations (see Model.Features) instead of the final normalization and head.
	ForkFeatures bool

	// DType of the model parameters.
	DType dtypes.DType
}

// DefaultNumClasses is the number of classes of ImageNet.
const DefaultNumClasses = 1000

// NewConfig returns the configuration for the given variant with default values.
func NewConfig(variant Variant) (*Config, error) {
	settings, found := variantSettings[variant]
	if !found {
		return nil, errors.Wrapf(ErrUnknownVariant, "variant %s is not valid, valid variants are %s", variant, validVariantsString())
	}
	cfg := &Config{
		Variant:      variant,
		NormKind:     GroupNorm,
		UseNorm:      variant != VariantM,
		NumClasses:   DefaultNumClasses,
		PatchSize:    7,
		PatchStride:  4,
		PatchPadding: 2,
		NormEpsilon:  1e-5,
		DType:        dtypes.Float32,
	}
	if variant == VariantT {
		cfg.NormKind = BatchNorm
	}
	for ii := range cfg.Stages {
		cfg.Stages[ii] = StageConfig{
			Depth:    settings.depths[ii],
			Channels: EmbedDims[ii],
			MLPRatio: settings.mlpRatios[ii],
		}
	}
	return cfg, nil
}

// WithNumClasses sets the number of classes of the classification head.
func (cfg *Config) WithNumClasses(numClasses int) *Config {
	cfg.NumClasses = numClasses
	return cfg
}

// WithDropPathRate sets the stochastic depth rate of the last Block.
func (cfg *Config) WithDropPathRate(rate float64) *Config {
	cfg.DropPathRate = rate
	return cfg
}

// WithPretrained sets the checkpoint directory to load the weights from.
func (cfg *Config) WithPretrained(dir string) *Config {
	cfg.Pretrained = dir
	return cfg
}

// WithForkFeatures sets whether the model is used as a multi-scale backbone (see Config.ForkFeatures).
func (cfg *Config) WithForkFeatures(forkFeatures bool) *Config {
	cfg.ForkFeatures = forkFeatures
	return cfg
}

// WithDType sets the dtype of the model parameters.
func (cfg *Config) WithDType(dtype dtypes.DType) *Config {
	cfg.DType = dtype
	return cfg
}

// SetDefaultParams sets the default values of the hyperparameters read by ConfigFromContext, so
// they can be listed and overwritten with commandline.ParseContextSettings.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamVariant:      VariantT.String(),
		ParamNumClasses:   DefaultNumClasses,
		ParamDropPathRate: 0.0,
		ParamPretrained:   "",
		ParamDType:        "float32",
	})
}

// ConfigFromContext creates a Config from the context hyperparameters ParamVariant, ParamNumClasses,
// ParamDropPathRate, ParamPretrained and ParamDType.
func ConfigFromContext(ctx *context.Context) (*Config, error) {
	variant, err := ParseVariant(context.GetParamOr(ctx, ParamVariant, "T"))
	if err != nil {
		return nil, err
	}
	cfg, err := NewConfig(variant)
	if err != nil {
		return nil, err
	}
	cfg.NumClasses = context.GetParamOr(ctx, ParamNumClasses, DefaultNumClasses)
	cfg.DropPathRate = context.GetParamOr(ctx, ParamDropPathRate, 0.0)
	cfg.Pretrained = context.GetParamOr(ctx, ParamPretrained, "")
	dtypeName := context.GetParamOr(ctx, ParamDType, "float32")
	dtype, found := dtypes.MapOfNames[dtypeName]
	if !found || !dtype.IsFloat() {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s=%q is not a float dtype", ParamDType, dtypeName)
	}
	cfg.DType = dtype
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (cfg *Config) Validate() error {
	if _, found := variantSettings[cfg.Variant]; !found {
		return errors.Wrapf(ErrUnknownVariant, "variant %s is not valid, valid variants are %s", cfg.Variant, validVariantsString())
	}
	if cfg.NumClasses <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "number of classes must be > 0, got %d", cfg.NumClasses)
	}
	if cfg.DropPathRate < 0 || cfg.DropPathRate >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "drop path rate must be in [0, 1), got %g", cfg.DropPathRate)
	}
	if cfg.PatchSize <= 0 || cfg.PatchStride <= 0 || cfg.PatchPadding < 0 {
		return errors.Wrapf(ErrInvalidConfig, "invalid stem configuration: size=%d, stride=%d, padding=%d",
			cfg.PatchSize, cfg.PatchStride, cfg.PatchPadding)
	}
	for ii, stage := range cfg.Stages {
		if stage.Depth <= 0 || stage.Channels <= 0 || stage.MLPRatio <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "invalid stage #%d: %+v", ii, stage)
		}
	}
	return nil
}

// TotalDepth is the number of Blocks across all stages.
func (cfg *Config) TotalDepth() int {
	total := 0
	for _, stage := range cfg.Stages {
		total += stage.Depth
	}
	return total
}

// BlockDropPathRate returns the stochastic depth rate of Block `block` of stage `stage`.
// Rates grow linearly with the global index of the Block, from 0 to DropPathRate.
func (cfg *Config) BlockDropPathRate(stage, block int) float64 {
	total := cfg.TotalDepth()
	if total <= 1 || cfg.DropPathRate == 0 {
		return 0
	}
	index := block
	for ii := 0; ii < stage; ii++ {
		index += cfg.Stages[ii].Depth
	}
	return cfg.DropPathRate * float64(index) / float64(total-1)
}

// BlockNorm returns the Normalizer used by Blocks, stem and transitions.
func (cfg *Config) BlockNorm() Normalizer {
	if !cfg.UseNorm {
		return Identity{}
	}
	return cfg.finalNorm()
}

// finalNorm is always an affine normalization, regardless of UseNorm.
func (cfg *Config) finalNorm() Normalizer {
	return AffineNorm{Kind: cfg.NormKind, Epsilon: cfg.NormEpsilon}
}
