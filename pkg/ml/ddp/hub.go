// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddp

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrCollective is returned when a collective operation fails: mismatched operations or shapes
// across ranks, a missing peer or a cancelled wait. It's fatal for the whole group: every
// following collective fails as well.
var ErrCollective = errors.New("collective operation failed")

// ProcessGroup is the contract of the collective runtime used by the training processes.
//
// Collective operations must be called by every rank of the group, in the same order and with
// the same shapes.
type ProcessGroup interface {
	Rank() int
	WorldSize() int

	// Barrier blocks until all ranks reached it.
	Barrier(ctx context.Context) error

	// AllReduceSum returns the element-wise sum of values over all ranks.
	AllReduceSum(ctx context.Context, values []float64) ([]float64, error)

	// Close leaves the group. Collectives still pending in other ranks fail.
	Close() error
}

type collectiveKind int

const (
	barrierKind collectiveKind = iota
	allReduceSumKind
)

func (k collectiveKind) String() string {
	if k == barrierKind {
		return "Barrier"
	}
	return "AllReduceSum"
}

// round is one collective operation in progress.
type round struct {
	kind    collectiveKind
	length  int
	arrived int
	sum     []float64
	err     error
	done    chan struct{}
}

// Hub is an in-process collective runtime: each rank is a LocalGroup, typically used from its own goroutine.
type Hub struct {
	worldSize int

	mu      sync.Mutex
	current *round
	err     error // Set once the group is broken.
	members []bool
	closed  int
}

// NewHub creates a Hub for worldSize ranks.
func NewHub(worldSize int) (*Hub, error) {
	if worldSize < 1 {
		return nil, errors.Wrapf(ErrConfig, "world size must be >= 1, got %d", worldSize)
	}
	return &Hub{worldSize: worldSize, members: make([]bool, worldSize)}, nil
}

// WorldSize of the hub.
func (h *Hub) WorldSize() int { return h.worldSize }

// Join returns the ProcessGroup of the given rank. Each rank can join only once.
func (h *Hub) Join(rank int) (*LocalGroup, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rank < 0 || rank >= h.worldSize {
		return nil, errors.Wrapf(ErrConfig, "rank must be in [0, %d), got %d", h.worldSize, rank)
	}
	if h.members[rank] {
		return nil, errors.Wrapf(ErrConfig, "rank %d already joined the group", rank)
	}
	h.members[rank] = true
	return &LocalGroup{hub: h, rank: rank}, nil
}

// Launcher returns a Launcher that joins this hub with the rank of the Env.
func (h *Hub) Launcher() Launcher {
	return func(_ context.Context, env Env) (ProcessGroup, error) {
		if env.WorldSize != h.worldSize {
			return nil, errors.Wrapf(ErrConfig, "world size %d doesn't match the hub's %d", env.WorldSize, h.worldSize)
		}
		return h.Join(env.Rank)
	}
}

// breakLocked marks the group as broken and fails the round in progress. h.mu must be held.
func (h *Hub) breakLocked(err error) {
	if h.err == nil {
		h.err = err
	}
	if h.current != nil {
		h.current.err = h.err
		close(h.current.done)
		h.current = nil
	}
}

func (h *Hub) collective(ctx context.Context, rank int, kind collectiveKind, values []float64) ([]float64, error) {
	h.mu.Lock()
	if h.err != nil {
		h.mu.Unlock()
		return nil, h.err
	}
	r := h.current
	if r == nil {
		r = &round{kind: kind, length: len(values), sum: make([]float64, len(values)), done: make(chan struct{})}
		h.current = r
	} else if r.kind != kind || r.length != len(values) {
		h.breakLocked(errors.Wrapf(ErrCollective, "rank %d called %s with %d values while other ranks called %s with %d values",
			rank, kind, len(values), r.kind, r.length))
		h.mu.Unlock()
		return nil, h.err
	}
	for ii, v := range values {
		r.sum[ii] += v
	}
	r.arrived++
	if r.arrived == h.worldSize {
		h.current = nil
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		h.mu.Lock()
		if h.current == r {
			h.breakLocked(errors.Wrapf(ErrCollective, "rank %d stopped waiting for %s: %v", rank, kind, ctx.Err()))
		}
		h.mu.Unlock()
		<-r.done
	}
	if r.err != nil {
		return nil, r.err
	}
	return slices.Clone(r.sum), nil
}

func (h *Hub) leave(rank int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	if h.current != nil {
		h.breakLocked(errors.Wrapf(ErrCollective, "rank %d left the group with a %s in progress", rank, h.current.kind))
	} else if h.err == nil && h.closed < h.worldSize {
		// Future collectives can't complete without this rank.
		h.err = errors.Wrapf(ErrCollective, "rank %d left the group", rank)
	}
}

// LocalGroup is the ProcessGroup of one rank of a Hub.
type LocalGroup struct {
	hub    *Hub
	rank   int
	once   sync.Once
	closed atomic.Bool
}

var _ ProcessGroup = (*LocalGroup)(nil)

// Rank implements ProcessGroup.
func (g *LocalGroup) Rank() int { return g.rank }

// WorldSize implements ProcessGroup.
func (g *LocalGroup) WorldSize() int { return g.hub.worldSize }

// Barrier implements ProcessGroup.
func (g *LocalGroup) Barrier(ctx context.Context) error {
	if g.closed.Load() {
		return errors.Wrapf(ErrCollective, "rank %d already left the group", g.rank)
	}
	_, err := g.hub.collective(ctx, g.rank, barrierKind, nil)
	return err
}

// AllReduceSum implements ProcessGroup.
func (g *LocalGroup) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	if g.closed.Load() {
		return nil, errors.Wrapf(ErrCollective, "rank %d already left the group", g.rank)
	}
	return g.hub.collective(ctx, g.rank, allReduceSumKind, values)
}

// Close implements ProcessGroup. It can be called more than once.
func (g *LocalGroup) Close() error {
	g.once.Do(func() {
		g.closed.Store(true)
		g.hub.leave(g.rank)
	})
	return nil
}
