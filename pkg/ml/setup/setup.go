// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package setup creates the backend and the context used by the WaveMLP tools, with a
// reproducible random number generator.
package setup

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultSeed used by DefaultConfig.
const DefaultSeed int64 = 123

// Config for Init.
type Config struct {
	// Seed of the context random number generator and of the variables initializers.
	// If 0, DefaultSeed is used.
	Seed int64

	// Backend configuration, in the format "<backend_name>:<backend_configuration>" (e.g.: "xla:cuda").
	// If empty, the default backend is used (see backends.New).
	Backend string

	// Deterministic seeds both the random number generator and the initializers with Seed.
	// If false, the random number generator is seeded from the clock.
	Deterministic bool
}

// DefaultConfig is deterministic with DefaultSeed and the default backend.
func DefaultConfig() Config {
	return Config{Seed: DefaultSeed, Deterministic: true}
}

// Init creates the backend and a new context configured by cfg.
//
// It only changes the returned objects: no global state is modified.
func Init(cfg Config) (backends.Backend, *context.Context, error) {
	var backend backends.Backend
	var err error
	if cfg.Backend == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(cfg.Backend)
	}
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to create backend %q", cfg.Backend)
	}
	ctx, err := NewContext(cfg)
	if err != nil {
		backend.Finalize()
		return nil, nil, err
	}
	klog.V(1).Infof("backend: %s", backend.Description())
	return backend, ctx, nil
}

// NewContext returns a new context with its random number generator seeded according to cfg.
func NewContext(cfg Config) (*context.Context, error) {
	ctx := context.New()
	if !cfg.Deterministic {
		if err := ctx.ResetRNGState(); err != nil {
			return nil, errors.WithMessagef(err, "failed to seed random number generator")
		}
		return ctx, nil
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = DefaultSeed
	}
	ctx.SetParam(context.ParamInitialSeed, seed)
	ctx.SetRNGStateFromSeed(seed)
	klog.V(1).Infof("random number generator seeded with %d", seed)
	return ctx, nil
}
