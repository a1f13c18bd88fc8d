// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ddp coordinates data-parallel training processes: it reads the rank configuration from
// the environment, sets up a ProcessGroup (with a barrier so all ranks start together), reduces
// metrics across ranks and tears the group down.
//
// The collective runtime itself is pluggable (see Launcher). Hub provides an in-process runtime,
// where each rank is a goroutine.
package ddp

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Environment variables read by EnvFromOS.
const (
	EnvRank      = "RANK"
	EnvWorldSize = "WORLD_SIZE"
	EnvLocalRank = "LOCAL_RANK"
)

// ErrConfig is returned for invalid distributed configurations.
var ErrConfig = errors.New("invalid distributed configuration")

// Env is the distributed configuration of the current process. It's read once at start.
type Env struct {
	// Distributed is true if both RANK and WORLD_SIZE are set.
	Distributed bool

	Rank, WorldSize int

	// LocalRank is the index of the device used by this process on its host.
	LocalRank int
}

// SingleDevice is the Env of a non-distributed process.
var SingleDevice = Env{Rank: 0, WorldSize: 1, LocalRank: 0}

// EnvFromOS reads the Env from the process environment variables.
func EnvFromOS() (Env, error) {
	return EnvFromLookup(os.LookupEnv)
}

// EnvFromLookup reads the Env using lookup (like os.LookupEnv).
//
// If both RANK and WORLD_SIZE are present, it's in distributed mode and LOCAL_RANK (default 0)
// selects the device. Otherwise, it's single-device mode with device 0.
func EnvFromLookup(lookup func(key string) (string, bool)) (Env, error) {
	rankStr, hasRank := lookup(EnvRank)
	worldSizeStr, hasWorldSize := lookup(EnvWorldSize)
	if !hasRank || !hasWorldSize {
		return SingleDevice, nil
	}
	env := Env{Distributed: true}
	var err error
	if env.Rank, err = parseEnvInt(EnvRank, rankStr); err != nil {
		return Env{}, err
	}
	if env.WorldSize, err = parseEnvInt(EnvWorldSize, worldSizeStr); err != nil {
		return Env{}, err
	}
	if localRankStr, found := lookup(EnvLocalRank); found {
		if env.LocalRank, err = parseEnvInt(EnvLocalRank, localRankStr); err != nil {
			return Env{}, err
		}
	}
	if err := env.Validate(); err != nil {
		return Env{}, err
	}
	return env, nil
}

func parseEnvInt(key, value string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(ErrConfig, "$%s=%q is not an integer", key, value)
	}
	return v, nil
}

// Validate checks that the rank is within the world size.
func (e Env) Validate() error {
	if e.WorldSize < 1 {
		return errors.Wrapf(ErrConfig, "world size must be >= 1, got %d", e.WorldSize)
	}
	if e.Rank < 0 || e.Rank >= e.WorldSize {
		return errors.Wrapf(ErrConfig, "rank must be in [0, %d), got %d", e.WorldSize, e.Rank)
	}
	if e.LocalRank < 0 {
		return errors.Wrapf(ErrConfig, "local rank must be >= 0, got %d", e.LocalRank)
	}
	return nil
}

// Device returns the index of the device this process should use.
func (e Env) Device() int {
	if !e.Distributed {
		return 0
	}
	return e.LocalRank
}

// IsMain returns whether this is the rank 0 process, usually the one that logs and saves checkpoints.
func (e Env) IsMain() bool { return e.Rank == 0 }
