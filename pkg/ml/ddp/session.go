// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Launcher creates the ProcessGroup for the given Env. It's only called in distributed mode.
type Launcher func(ctx context.Context, env Env) (ProcessGroup, error)

// Session is the distributed state of a process, from Setup to Cleanup.
type Session struct {
	Env   Env
	Group ProcessGroup

	cleanupOnce sync.Once
	cleanupErr  error
}

// Setup initializes the process group described by env.
//
// In single-device mode, the launcher is not used (it can be nil) and the Session holds a trivial
// group of size 1. Otherwise, launcher creates the group and Setup waits on a barrier, so that
// upon return all ranks have joined.
func Setup(ctx context.Context, env Env, launcher Launcher) (*Session, error) {
	if !env.Distributed {
		return &Session{Env: env, Group: newSingleGroup()}, nil
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if launcher == nil {
		return nil, errors.Wrapf(ErrConfig, "distributed mode (rank %d of %d) requires a launcher", env.Rank, env.WorldSize)
	}
	klog.V(1).Infof("ddp: rank %d of %d joining the process group using device %d", env.Rank, env.WorldSize, env.Device())
	group, err := launcher(ctx, env)
	if err != nil {
		return nil, errors.WithMessagef(err, "ddp: rank %d failed to join the process group", env.Rank)
	}
	if group.Rank() != env.Rank || group.WorldSize() != env.WorldSize {
		_ = group.Close()
		return nil, errors.Wrapf(ErrConfig, "launcher returned group with rank %d of %d, wanted rank %d of %d",
			group.Rank(), group.WorldSize(), env.Rank, env.WorldSize)
	}
	if err := group.Barrier(ctx); err != nil {
		_ = group.Close()
		return nil, errors.WithMessagef(err, "ddp: initial barrier failed for rank %d", env.Rank)
	}
	return &Session{Env: env, Group: group}, nil
}

// Device returns the index of the device to be used by this process.
func (s *Session) Device() int { return s.Env.Device() }

// Barrier waits for all ranks.
func (s *Session) Barrier(ctx context.Context) error { return s.Group.Barrier(ctx) }

// ReduceMean returns the element-wise mean of values over all ranks.
func (s *Session) ReduceMean(ctx context.Context, values []float64) ([]float64, error) {
	return ReduceMean(ctx, s.Group, values)
}

// Cleanup leaves the process group. It's safe to call more than once, only the first call has an effect.
func (s *Session) Cleanup() error {
	s.cleanupOnce.Do(func() {
		if s.Env.Distributed {
			klog.V(1).Infof("ddp: rank %d leaving the process group", s.Env.Rank)
		}
		s.cleanupErr = s.Group.Close()
	})
	return s.cleanupErr
}

// ReduceMean returns the element-wise mean of values over all ranks of the group.
// With a group of size 1 it returns a copy of values.
func ReduceMean(ctx context.Context, group ProcessGroup, values []float64) ([]float64, error) {
	sum, err := group.AllReduceSum(ctx, values)
	if err != nil {
		return nil, err
	}
	worldSize := float64(group.WorldSize())
	for ii := range sum {
		sum[ii] /= worldSize
	}
	return sum, nil
}

// newSingleGroup returns a group with only one rank: collectives return immediately.
func newSingleGroup() ProcessGroup {
	hub, _ := NewHub(1)
	group, _ := hub.Join(0)
	return group
}
