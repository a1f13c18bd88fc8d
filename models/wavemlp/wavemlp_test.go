// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wavemlp

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/wavemlp/pkg/ml/profile"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyConfig returns a small configuration of the given variant, fast enough for unit tests.
func tinyConfig(t *testing.T, variant Variant) *Config {
	cfg, err := NewConfig(variant)
	require.NoError(t, err)
	for ii := range cfg.Stages {
		cfg.Stages[ii].Depth = 1
		cfg.Stages[ii].Channels = 8 * (ii + 1)
	}
	cfg.NumClasses = 10
	return cfg
}

func requireAllFinite(t *testing.T, values []float32) {
	for ii, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			require.Failf(t, "non-finite value", "value #%d is %v", ii, v)
		}
	}
}

func TestParseVariant(t *testing.T) {
	for _, name := range []string{"T", "S", "M", "t"} {
		variant, err := ParseVariant(name)
		require.NoError(t, err)
		cfg, err := NewConfig(variant)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
	}

	_, err := ParseVariant("X")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownVariant))
	assert.Contains(t, err.Error(), "{T, S, M}")

	_, err = NewConfig(Variant(7))
	require.True(t, errors.Is(err, ErrUnknownVariant))

	ctx := context.New()
	ctx.SetParam(ParamVariant, "X")
	_, err = ConfigFromContext(ctx)
	require.True(t, errors.Is(err, ErrUnknownVariant))
}

func TestConfig(t *testing.T) {
	cfgT, err := NewConfig(VariantT)
	require.NoError(t, err)
	assert.Equal(t, BatchNorm, cfgT.NormKind)
	assert.True(t, cfgT.UseNorm)
	assert.Equal(t, 10, cfgT.TotalDepth())
	assert.IsType(t, AffineNorm{}, cfgT.BlockNorm())

	cfgM, err := NewConfig(VariantM)
	require.NoError(t, err)
	assert.Equal(t, GroupNorm, cfgM.NormKind)
	assert.False(t, cfgM.UseNorm)
	assert.IsType(t, Identity{}, cfgM.BlockNorm())
	assert.Equal(t, 8.0, cfgM.Stages[0].MLPRatio)
	assert.Equal(t, 18, cfgM.Stages[2].Depth)

	// Linear drop path schedule: first Block gets 0, last gets DropPathRate.
	cfgT.WithDropPathRate(0.1).WithNumClasses(10).WithDType(dtypes.Float16)
	assert.Equal(t, 10, cfgT.NumClasses)
	assert.Equal(t, dtypes.Float16, cfgT.DType)
	require.NoError(t, cfgT.Validate())
	assert.Equal(t, 0.0, cfgT.BlockDropPathRate(0, 0))
	assert.InDelta(t, 0.1, cfgT.BlockDropPathRate(3, 1), 1e-9)
	assert.InDelta(t, 0.1*4.0/9.0, cfgT.BlockDropPathRate(2, 0), 1e-9)

	ctx := context.New()
	ctx.SetParams(map[string]any{ParamVariant: "S", ParamNumClasses: 7, ParamDropPathRate: 0.2})
	cfgS, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, VariantS, cfgS.Variant)
	assert.Equal(t, 7, cfgS.NumClasses)
	assert.Equal(t, 0.2, cfgS.DropPathRate)

	ctx.SetParam(ParamNumClasses, 0)
	_, err = ConfigFromContext(ctx)
	require.True(t, errors.Is(err, ErrInvalidConfig))

	ctx = context.New()
	SetDefaultParams(ctx)
	assert.Equal(t, "T", context.GetParamOr(ctx, ParamVariant, ""))
	cfgDefault, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, VariantT, cfgDefault.Variant)
	assert.Equal(t, DefaultNumClasses, cfgDefault.NumClasses)
	assert.Equal(t, dtypes.Float32, cfgDefault.DType)

	ctx.SetParam(ParamDType, "float16")
	cfgHalf, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, cfgHalf.DType)
	ctx.SetParam(ParamDType, "int32")
	_, err = ConfigFromContext(ctx)
	require.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestPATMGates(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *graph.Graph) []*graph.Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 16, 8, 8))
		output, gates := PATMWithGates(ctx.In("patm"), x)
		return []*graph.Node{output, gates, graph.ReduceSum(gates, 0)}
	})
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 16, 8, 8))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, NumBranches, 2, 16, 1, 1))
	for _, gate := range tensors.MustCopyFlatData[float32](outputs[1]) {
		require.GreaterOrEqual(t, gate, float32(0))
	}
	sums := tensors.MustCopyFlatData[float32](outputs[2])
	require.Len(t, sums, 2*16)
	for _, sum := range sums {
		require.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestPATMChannels(t *testing.T) {
	// Channels don't need to be divisible by 4: the gates MLP hidden width is floor(channels/4), at least 1.
	backend := graphtest.BuildTestBackend()
	for _, channels := range []int{2, 6} {
		ctx := context.New()
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *graph.Graph) *graph.Node {
			return PATM(ctx.In("patm"), graph.Ones(g, shapes.Make(dtypes.Float32, 1, channels, 4, 4)))
		})
		require.NoError(t, output.Shape().Check(dtypes.Float32, 1, channels, 4, 4))
		requireAllFinite(t, tensors.MustCopyFlatData[float32](output))
		fc1 := ctx.GetVariableByScopeAndName("/patm/reweight/fc1", "weights")
		require.NotNil(t, fc1)
		assert.Equal(t, []int{max(1, channels/4), channels, 1, 1}, fc1.Shape().Dimensions)
	}

	cfg := tinyConfig(t, VariantS)
	cfg.Stages[0].Channels = 6
	require.NoError(t, cfg.Validate())
}

// meanAndStd of the values.
func meanAndStd(values []float32) (mean, std float64) {
	for _, v := range values {
		mean += float64(v)
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (float64(v) - mean) * (float64(v) - mean)
	}
	return mean, math.Sqrt(std / float64(len(values)))
}

func TestInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := tinyConfig(t, VariantT)
	cfg.Stages[3].Channels = 256 // Larger head, for more stable statistics.
	cfg.NumClasses = 100
	model, err := New(cfg)
	require.NoError(t, err)
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	_, err = model.Forward(backend, ctx, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 32, 32)))
	require.NoError(t, err)

	values := func(scope, name string) []float32 {
		v := ctx.GetVariableByScopeAndName(scope, name)
		require.NotNilf(t, v, "variable %s/%s not found", scope, name)
		return tensors.MustCopyFlatData[float32](v.MustValue())
	}

	// Stem convolution: Xavier-uniform with fans over the [out, in, kh, kw] kernel.
	stem := values("/patch_embed/proj", "weights")
	require.Len(t, stem, 8*3*7*7)
	limit := math.Sqrt(6.0 / float64(3*7*7+8*7*7))
	for _, w := range stem {
		require.LessOrEqual(t, math.Abs(float64(w)), limit)
	}
	mean, std := meanAndStd(stem)
	assert.InDelta(t, 0, mean, 0.01)
	assert.InDelta(t, limit/math.Sqrt(3), std, 0.1*limit/math.Sqrt(3))

	// Classification head: truncated normal with stddev 0.02, bounded by two standard deviations.
	head := values("/head", "weights")
	require.Len(t, head, 100*256)
	for _, w := range head {
		require.LessOrEqual(t, math.Abs(float64(w)), 0.04+1e-6)
	}
	mean, std = meanAndStd(head)
	assert.InDelta(t, 0, mean, 0.001)
	// Truncation at 2 standard deviations reduces the standard deviation to ~0.88 of the original.
	assert.InDelta(t, 0.02*0.88, std, 0.002)

	// Biases and offsets are zero, gains and scales are one.
	var numChecked int
	for v := range ctx.IterVariables() {
		var want float32
		switch v.Name() {
		case "biases", "offset":
			want = 0
		case "gain", "scale":
			want = 1
		default:
			continue
		}
		numChecked++
		for _, value := range tensors.MustCopyFlatData[float32](v.MustValue()) {
			require.Equalf(t, want, value, "variable %s", v.ScopeAndName())
		}
	}
	assert.Greater(t, numChecked, 10)
}

func TestBlockResidual(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	maxDiff := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *graph.Graph) *graph.Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8, 8, 8))
		blockCtx := ctx.In("block")
		got := Block(blockCtx, x, 2, 0, Identity{})

		// Reference, reusing the Block variables.
		reuseCtx := blockCtx.Reuse()
		y := graph.Add(x, PATM(reuseCtx.In("attn"), x))
		want := graph.Add(y, MLP(reuseCtx.In("mlp"), y, 16, 8))
		return graph.ReduceAllMax(graph.Abs(graph.Sub(got, want)))
	})
	require.InDelta(t, 0.0, tensors.MustCopyFlatData[float32](maxDiff)[0], 1e-5)
}

func TestDropPath(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)

	t.Run("Training", func(t *testing.T) {
		got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *graph.Graph) *graph.Node {
			ctx.SetTraining(g, true)
			return DropPath(ctx, graph.Ones(g, shapes.Make(dtypes.Float32, 256, 2, 2, 2)), 0.5)
		})
		values := tensors.MustCopyFlatData[float32](got)
		var kept int
		for example := range 256 {
			first := values[example*8]
			require.Contains(t, []float32{0, 2}, first)
			for ii := range 8 {
				// Whole example is either dropped or kept.
				require.Equal(t, first, values[example*8+ii])
			}
			if first > 0 {
				kept++
			}
		}
		assert.Greater(t, kept, 64)
		assert.Less(t, kept, 192)
	})

	t.Run("Inference", func(t *testing.T) {
		got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *graph.Graph) *graph.Node {
			return DropPath(ctx, graph.Ones(g, shapes.Make(dtypes.Float32, 16, 2, 2, 2)), 0.5)
		})
		for _, v := range tensors.MustCopyFlatData[float32](got) {
			require.Equal(t, float32(1), v)
		}
	})
}

func TestPatchEmbedAndDownsample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *graph.Graph) []*graph.Node {
		images := graph.Ones(g, shapes.Make(dtypes.Float32, 2, 3, 32, 32))
		embedded := PatchEmbed(ctx.In("patch_embed"), images, 8, 7, 4, 2, AffineNorm{Kind: GroupNorm, Epsilon: 1e-5})
		downsampled := Downsample(ctx.In("downsample"), graph.Ones(g, shapes.Make(dtypes.Float32, 2, 8, 16, 12)), 16, Identity{})
		return []*graph.Node{embedded, downsampled}
	})
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 8, 8, 8))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 2, 16, 8, 6))
}

func TestLogits(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, variant := range Variants() {
		t.Run(variant.String(), func(t *testing.T) {
			model, err := New(tinyConfig(t, variant))
			require.NoError(t, err)
			ctx := context.New()
			ctx.SetRNGStateFromSeed(42)
			for _, batchSize := range []int{1, 3} {
				images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, 3, 64, 64))
				logits, err := model.Forward(backend, ctx, images)
				require.NoError(t, err)
				require.NoError(t, logits.Shape().Check(dtypes.Float32, batchSize, 10))
				requireAllFinite(t, tensors.MustCopyFlatData[float32](logits))
			}
		})
	}
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(tinyConfig(t, VariantT))
	require.NoError(t, err)
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 32, 32))
	want, err := model.Forward(backend, ctx, images)
	require.NoError(t, err)

	got := context.MustExecOnceN(backend, ctx.Reuse(), func(ctx *context.Context, images *graph.Node) []*graph.Node {
		return model.ModelGraph(ctx, nil, []*graph.Node{images})
	}, images)
	require.Len(t, got, 1)
	assert.Equal(t, tensors.MustCopyFlatData[float32](want), tensors.MustCopyFlatData[float32](got[0]))
}

func TestInvalidDimensions(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(tinyConfig(t, VariantS))
	require.NoError(t, err)
	ctx := context.New()
	for _, shape := range []shapes.Shape{
		shapes.Make(dtypes.Float32, 1, 3, 225, 224),
		shapes.Make(dtypes.Float32, 1, 3, 64, 48),
		shapes.Make(dtypes.Float32, 1, 4, 64, 64),
		shapes.Make(dtypes.Float32, 3, 64, 64),
		shapes.Make(dtypes.Int32, 1, 3, 64, 64),
	} {
		_, err := model.Forward(backend, ctx, tensors.FromShape(shape))
		require.Errorf(t, err, "shape %s should have failed", shape)
		require.Truef(t, errors.Is(err, ErrDimension), "shape %s: unexpected error %+v", shape, err)
	}
}

func TestFeatures(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := tinyConfig(t, VariantM)
	model, err := New(cfg)
	require.NoError(t, err)
	ctx := context.New()
	features := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *graph.Graph) []*graph.Node {
		return model.Features(ctx, graph.Ones(g, shapes.Make(dtypes.Float32, 2, 3, 64, 64)))
	})
	require.Len(t, features, NumStages)
	for stage, feature := range features {
		size := 64 / (4 << stage)
		require.NoError(t, feature.Shape().Check(dtypes.Float32, 2, cfg.Stages[stage].Channels, size, size))
	}
	// Multi-scale feature normalizations are registered even if the variant disables Block normalization.
	require.NotNil(t, ctx.GetVariableByScopeAndName("/features_norm_3/group_normalization", "gain"))
}

func TestVariantT224(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full size WaveMLP-T in short mode")
	}
	backend := graphtest.BuildTestBackend()
	cfg, err := NewConfig(VariantT)
	require.NoError(t, err)
	model, err := New(cfg)
	require.NoError(t, err)
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)

	images := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *graph.Graph) *graph.Node {
		return ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 1, 3, 224, 224))
	})
	logits, err := model.Forward(backend, ctx, images)
	require.NoError(t, err)
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 1, 1000))
	requireAllFinite(t, tensors.MustCopyFlatData[float32](logits))
}

func TestComplexity(t *testing.T) {
	// Reference numbers for 224x224 images.
	for _, tc := range []struct {
		variant    Variant
		parameters int64
		macs       int64
	}{
		{VariantT, 17_193_160, 2_461_515_776},
		{VariantS, 30_708_040, 4_522_033_152},
		{VariantM, 44_024_632, 7_872_221_184},
	} {
		cfg, err := NewConfig(tc.variant)
		require.NoError(t, err)
		got, err := EstimateComplexity(cfg, 224, 224)
		require.NoError(t, err)
		assert.Equalf(t, tc.parameters, got.Parameters, "variant %s", tc.variant)
		assert.Equalf(t, tc.macs, got.MACs, "variant %s", tc.variant)
	}

	cfg := tinyConfig(t, VariantT)
	_, err := EstimateComplexity(cfg, 50, 64)
	require.True(t, errors.Is(err, ErrDimension))

	// Estimated number of parameters must match the trainable variables created.
	backend := graphtest.BuildTestBackend()
	model, err := New(cfg)
	require.NoError(t, err)
	ctx := context.New()
	_, err = model.Forward(backend, ctx, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 32, 32)))
	require.NoError(t, err)
	var counter profile.FLOPsCounter = Counter{Config: cfg}
	complexity := profile.ParamsAndFLOPs(counter, 32, 32)
	require.True(t, complexity.Available)
	assert.Equal(t, profile.CountParameters(ctx), complexity.Params)
	assert.False(t, Counter{}.Available())
}
