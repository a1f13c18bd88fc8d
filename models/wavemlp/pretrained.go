// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wavemlp

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrStateMismatch is returned when pretrained weights don't match the variables of the model.
var ErrStateMismatch = errors.New("pretrained weights don't match the model")

// LoadPretrained attaches the checkpoint in dir to ctx: the model variables take their values from it
// as the graph is built, instead of being randomly initialized.
//
// Use VerifyPretrained to check that the checkpoint and the model match exactly.
func LoadPretrained(ctx *context.Context, dir string) (*checkpoints.Handler, error) {
	handler, err := checkpoints.Load(ctx).Dir(dir).ExcludeAllParams().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading pretrained WaveMLP weights from %q", dir)
	}
	klog.V(1).Infof("WaveMLP: pretrained weights from %q: %d variables", dir, len(handler.LoadedVariables()))
	return handler, nil
}

// isBookkeepingVariable returns whether the variable is not part of the model state proper,
// e.g.: the random number generator state or the global step.
func isBookkeepingVariable(scope, name string) bool {
	return strings.HasPrefix(name, "#") || (scope == context.RootScope && name == "global_step")
}

// Init loads the pretrained weights of Config.Pretrained into ctx and verifies them with
// VerifyPretrained. It is a no-op if no pretrained directory is configured.
//
// Forward calls it automatically the first time it is used with a context without a loader.
func (m *Model) Init(backend backends.Backend, ctx *context.Context) error {
	if m.cfg.Pretrained == "" {
		return nil
	}
	handler, err := LoadPretrained(ctx, m.cfg.Pretrained)
	if err != nil {
		return err
	}
	return m.VerifyPretrained(backend, ctx, handler)
}

// VerifyPretrained builds the model graph (without executing it), which consumes the values loaded by
// handler, and checks that the model and the checkpoint match exactly. It builds Features if
// Config.ForkFeatures is set, and Logits otherwise.
//
// It returns an ErrStateMismatch error listing the differences if:
//
//   - a variable of the model has a value with a different shape in the checkpoint;
//   - a variable of the model is missing from the checkpoint;
//   - a value of the checkpoint is not used by the model.
func (m *Model) VerifyPretrained(backend backends.Backend, ctx *context.Context, handler *checkpoints.Handler) error {
	size := DownsampleFactor
	err := exceptions.TryCatch[error](func() {
		g := graph.NewGraph(backend, "wavemlp_verify_pretrained")
		defer g.Finalize()
		images := graph.Parameter(g, "images", shapes.Make(m.cfg.DType, 1, ImageChannels, size, size))
		if m.cfg.ForkFeatures {
			m.Features(ctx.Checked(false), images)
		} else {
			m.Logits(ctx.Checked(false), images)
		}
	})
	if err != nil {
		// Variables loaded with a shape different from the one requested by the model.
		return errors.Wrapf(ErrStateMismatch, "%v", err)
	}

	var missing, unused []string
	for v := range ctx.IterVariables() {
		if isBookkeepingVariable(v.Scope(), v.Name()) {
			continue
		}
		if !v.HasValue() {
			missing = append(missing, v.ScopeAndName())
		}
	}
	for paramName := range handler.LoadedVariables() {
		scope, name := context.VariableScopeAndNameFromParameterName(paramName)
		if isBookkeepingVariable(scope, name) {
			continue
		}
		unused = append(unused, context.JoinScope(scope, name))
	}
	if len(missing) == 0 && len(unused) == 0 {
		return nil
	}
	slices.Sort(missing)
	slices.Sort(unused)
	return errors.Wrapf(ErrStateMismatch, "%d variables missing from checkpoint %q %v, %d values in checkpoint not used %v",
		len(missing), handler.Dir(), missing, len(unused), unused)
}
