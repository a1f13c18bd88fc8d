// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddp

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func lookupFromMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, found := vars[key]
		return v, found
	}
}

func TestEnvFromLookup(t *testing.T) {
	t.Run("SingleDevice", func(t *testing.T) {
		for _, vars := range []map[string]string{
			{},
			{EnvRank: "1"},
			{EnvWorldSize: "4", EnvLocalRank: "3"},
		} {
			env, err := EnvFromLookup(lookupFromMap(vars))
			require.NoError(t, err)
			assert.False(t, env.Distributed)
			assert.Equal(t, 0, env.Device())
			assert.Equal(t, 1, env.WorldSize)
			assert.True(t, env.IsMain())
		}
	})

	t.Run("Distributed", func(t *testing.T) {
		env, err := EnvFromLookup(lookupFromMap(map[string]string{EnvRank: "2", EnvWorldSize: "4", EnvLocalRank: "1"}))
		require.NoError(t, err)
		assert.Equal(t, Env{Distributed: true, Rank: 2, WorldSize: 4, LocalRank: 1}, env)
		assert.Equal(t, 1, env.Device())
		assert.False(t, env.IsMain())

		// LOCAL_RANK defaults to 0.
		env, err = EnvFromLookup(lookupFromMap(map[string]string{EnvRank: "0", EnvWorldSize: "2"}))
		require.NoError(t, err)
		assert.True(t, env.Distributed)
		assert.Equal(t, 0, env.Device())
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, vars := range []map[string]string{
			{EnvRank: "x", EnvWorldSize: "2"},
			{EnvRank: "0", EnvWorldSize: "two"},
			{EnvRank: "2", EnvWorldSize: "2"},
			{EnvRank: "-1", EnvWorldSize: "2"},
			{EnvRank: "0", EnvWorldSize: "0"},
			{EnvRank: "0", EnvWorldSize: "2", EnvLocalRank: "-3"},
		} {
			_, err := EnvFromLookup(lookupFromMap(vars))
			require.Error(t, err, "vars=%v", vars)
			require.True(t, errors.Is(err, ErrConfig), "vars=%v: %+v", vars, err)
		}
	})
}

func TestSingleDeviceSession(t *testing.T) {
	ctx := context.Background()
	session, err := Setup(ctx, SingleDevice, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, session.Device())
	require.NoError(t, session.Barrier(ctx))

	values := []float64{1, 2.5, -3}
	mean, err := session.ReduceMean(ctx, values)
	require.NoError(t, err)
	assert.Equal(t, values, mean)
	mean[0] = 100
	assert.Equal(t, 1.0, values[0], "ReduceMean must not alias its input")

	require.NoError(t, session.Cleanup())
	require.NoError(t, session.Cleanup())
}

// runRanks runs fn on each rank of a new Hub of worldSize, each in its own goroutine.
func runRanks(t *testing.T, worldSize int, fn func(ctx context.Context, session *Session) error) error {
	hub, err := NewHub(worldSize)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var eg errgroup.Group
	for rank := range worldSize {
		env := Env{Distributed: true, Rank: rank, WorldSize: worldSize, LocalRank: rank}
		eg.Go(func() error {
			session, err := Setup(ctx, env, hub.Launcher())
			if err != nil {
				return err
			}
			defer func() { _ = session.Cleanup() }()
			return fn(ctx, session)
		})
	}
	return eg.Wait()
}

func TestDistributedSession(t *testing.T) {
	const worldSize = 4

	t.Run("ReduceMean", func(t *testing.T) {
		results := make([][]float64, worldSize)
		err := runRanks(t, worldSize, func(ctx context.Context, session *Session) error {
			rank := float64(session.Env.Rank)
			mean, err := session.ReduceMean(ctx, []float64{rank, 10 * rank, 7})
			if err != nil {
				return err
			}
			// A second round, to check rounds don't mix.
			if _, err = session.ReduceMean(ctx, []float64{rank}); err != nil {
				return err
			}
			results[session.Env.Rank] = mean
			return session.Barrier(ctx)
		})
		require.NoError(t, err)
		for rank, mean := range results {
			require.InDeltaSlice(t, []float64{1.5, 15, 7}, mean, 1e-9, "rank %d", rank)
		}
	})

	t.Run("MismatchedCollectives", func(t *testing.T) {
		err := runRanks(t, worldSize, func(ctx context.Context, session *Session) error {
			if session.Env.Rank == 3 {
				_, err := session.ReduceMean(ctx, []float64{1, 2})
				return err
			}
			_, err := session.ReduceMean(ctx, []float64{1})
			return err
		})
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrCollective), "unexpected error %+v", err)
	})

	t.Run("LeavingRank", func(t *testing.T) {
		err := runRanks(t, 2, func(ctx context.Context, session *Session) error {
			if session.Env.Rank == 1 {
				return session.Cleanup()
			}
			return session.Barrier(ctx)
		})
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrCollective), "unexpected error %+v", err)
	})
}

func TestSetupErrors(t *testing.T) {
	ctx := context.Background()
	env := Env{Distributed: true, Rank: 0, WorldSize: 2}

	_, err := Setup(ctx, env, nil)
	require.True(t, errors.Is(err, ErrConfig))

	hub, err := NewHub(3)
	require.NoError(t, err)
	_, err = Setup(ctx, env, hub.Launcher())
	require.True(t, errors.Is(err, ErrConfig))

	// Initial barrier times out if the other rank never joins.
	hub, err = NewHub(2)
	require.NoError(t, err)
	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = Setup(timeoutCtx, env, hub.Launcher())
	require.True(t, errors.Is(err, ErrCollective), "unexpected error %+v", err)

	// Rank can't join twice.
	hub, err = NewHub(2)
	require.NoError(t, err)
	_, err = hub.Join(1)
	require.NoError(t, err)
	_, err = hub.Join(1)
	require.True(t, errors.Is(err, ErrConfig))
}
