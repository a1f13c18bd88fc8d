// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profile

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// isBookkeeping returns whether the variable is internal state (like "#rngstate" or the global step)
// rather than a model parameter.
func isBookkeeping(v *context.Variable) bool {
	return strings.HasPrefix(v.Name(), "#") || (v.Scope() == context.RootScope && v.Name() == "global_step")
}

// CountParameters returns the number of scalars in the trainable variables of ctx.
func CountParameters(ctx *context.Context) int64 {
	var count int64
	for v := range ctx.IterVariables() {
		if !v.Trainable || isBookkeeping(v) {
			continue
		}
		count += int64(v.Shape().Size())
	}
	return count
}

// ModelSize returns the number of bytes taken by the variables of ctx when saved as a checkpoint.
//
// The checkpoint is written to a temporary directory, removed before returning.
// The variables must have been initialized (e.g.: by executing the model once).
func ModelSize(ctx *context.Context) (int64, error) {
	clone, err := ctx.Clone()
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to clone context to measure model size")
	}
	handler, err := checkpoints.Build(clone).TempDir("", "model_size_*").ExcludeAllParams().Done()
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to create temporary checkpoint")
	}
	dir := handler.Dir()
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			klog.Warningf("failed to remove temporary checkpoint directory %q: %v", dir, err)
		}
	}()
	if err := handler.Save(); err != nil {
		return 0, errors.WithMessagef(err, "failed to save temporary checkpoint")
	}
	var size int64
	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to measure checkpoint in %q", dir)
	}
	return size, nil
}

// FLOPsCounter is an optional collaborator able to count parameters and FLOPs of a model for
// a given input image size.
type FLOPsCounter interface {
	// Available returns false if the counter can't be used, in which case Count is not called.
	Available() bool

	// Count returns the number of parameters and FLOPs for one image of the given height and width.
	Count(height, width int) (params, flops int64, err error)
}

// Complexity reported by ParamsAndFLOPs. Zero values are placeholders for unknown values.
type Complexity struct {
	Params, FLOPs int64

	// Available is false if no counter could produce the numbers.
	Available bool
}

// ParamsAndFLOPs queries counter for the model complexity.
//
// It never fails: if counter is nil, unavailable or returns an error, it logs a hint and
// returns zero placeholders.
func ParamsAndFLOPs(counter FLOPsCounter, height, width int) Complexity {
	if counter == nil || !counter.Available() {
		klog.Warningf("no FLOPs counter available for the model: parameters and FLOPs reported as 0")
		return Complexity{}
	}
	params, flops, err := counter.Count(height, width)
	if err != nil {
		klog.Warningf("failed to count FLOPs (reported as 0): %+v", err)
		return Complexity{}
	}
	klog.V(1).Infof("params: %.2fM, GFLOPs: %.2f", float64(params)/1e6, float64(flops)/1e9)
	return Complexity{Params: params, FLOPs: flops, Available: true}
}
