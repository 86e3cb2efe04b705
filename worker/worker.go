// Package worker resolves the identity of this process within a distributed
// run and binds it to exactly one accelerator.
//
// The result is an immutable Context value that is handed to every component
// needing rank or device information. Nothing here mutates process-global
// device state.
package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/pkg/log"
)

// HostDevice is the DeviceID of a worker running without an accelerator.
const HostDevice = -1

// Env is the process-group environment set by the launcher (mpirun,
// torchrun-style launchers or a Kubernetes job controller).
type Env struct {
	Rank      int `env:"RANK" envDefault:"0"`
	WorldSize int `env:"WORLD_SIZE" envDefault:"1"`
	// LocalRank defaults to Rank when unset.
	LocalRank      int      `env:"LOCAL_RANK" envDefault:"-1"`
	VisibleDevices []string `env:"VISIBLE_DEVICES" envSeparator:","`
	CUDADevices    []string `env:"CUDA_VISIBLE_DEVICES" envSeparator:","`
}

// LoadEnv parses Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, errors.NewConfigurationError("env", err.Error(), nil)
	}
	return e, nil
}

// LoadEnvFrom parses Env from an explicit variable map.
func LoadEnvFrom(vars map[string]string) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Environment: vars}); err != nil {
		return Env{}, errors.NewConfigurationError("env", err.Error(), nil)
	}
	return e, nil
}

// Devices returns the visible accelerator pool. VISIBLE_DEVICES wins over
// CUDA_VISIBLE_DEVICES.
func (e Env) Devices() ([]int, error) {
	raw := e.VisibleDevices
	key := "VISIBLE_DEVICES"
	if len(raw) == 0 {
		raw = e.CUDADevices
		key = "CUDA_VISIBLE_DEVICES"
	}
	var out []int
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.Atoi(s)
		if err != nil || id < 0 {
			return nil, errors.NewConfigurationError(key, "device ids must be non-negative integers", s)
		}
		out = append(out, id)
	}
	return out, nil
}

// Context is one worker's identity. DeviceID is the only accelerator this
// worker may use.
type Context struct {
	Rank      int
	WorldSize int
	LocalRank int
	DeviceID  int
}

// Init validates the process-group identity and selects the accelerator at
// index LocalRank of the visible pool. A worker with no pool and a world size
// of one runs on the host. It is a pure function of its inputs, so calling it
// again yields the same binding.
func Init(e Env) (Context, error) {
	if e.WorldSize < 1 {
		return Context{}, errors.NewConfigurationError("WORLD_SIZE", "must be >= 1", e.WorldSize)
	}
	if e.Rank < 0 || e.Rank >= e.WorldSize {
		return Context{}, errors.NewConfigurationError("RANK", fmt.Sprintf("must be in [0, %d)", e.WorldSize), e.Rank)
	}
	local := e.LocalRank
	if local < 0 {
		local = e.Rank
	}
	if local > e.Rank {
		return Context{}, errors.NewConfigurationError("LOCAL_RANK", "must not exceed RANK", local)
	}

	pool, err := e.Devices()
	if err != nil {
		return Context{}, err
	}
	c := Context{Rank: e.Rank, WorldSize: e.WorldSize, LocalRank: local, DeviceID: HostDevice}
	if len(pool) == 0 {
		if e.WorldSize == 1 {
			return c, nil
		}
		return Context{}, errors.NewConfigurationError("VISIBLE_DEVICES",
			"no accelerators visible for a multi-worker run", nil)
	}
	if local >= len(pool) {
		return Context{}, errors.NewConfigurationError("LOCAL_RANK",
			fmt.Sprintf("no device for this rank: %d device(s) visible", len(pool)), local)
	}
	c.DeviceID = pool[local]
	return c, nil
}

// IsPrimary reports whether this worker is rank 0. Side effects that must
// happen once per run (checkpoints, text logs, visualizations) are guarded by
// it.
func (c Context) IsPrimary() bool { return c.Rank == 0 }

// OnHost reports whether the worker runs without an accelerator.
func (c Context) OnHost() bool { return c.DeviceID == HostDevice }

// VisibleDevices is the restricted pool this worker sees: its own device only.
func (c Context) VisibleDevices() []int {
	if c.OnHost() {
		return nil
	}
	return []int{c.DeviceID}
}

// Environ returns the environment entries that restrict a child process to
// this worker's device.
func (c Context) Environ() []string {
	dev := ""
	if !c.OnHost() {
		dev = strconv.Itoa(c.DeviceID)
	}
	return []string{
		"CUDA_VISIBLE_DEVICES=" + dev,
		"VISIBLE_DEVICES=" + dev,
		"RANK=" + strconv.Itoa(c.Rank),
		"WORLD_SIZE=" + strconv.Itoa(c.WorldSize),
		"LOCAL_RANK=" + strconv.Itoa(c.LocalRank),
	}
}

func (c Context) String() string {
	dev := "host"
	if !c.OnHost() {
		dev = "device:" + strconv.Itoa(c.DeviceID)
	}
	return fmt.Sprintf("worker %d/%d (local %d, %s)", c.Rank, c.WorldSize, c.LocalRank, dev)
}

// LogFields returns the standard key/value pairs identifying this worker.
func (c Context) LogFields() []any {
	return []any{log.WorkerIDKey, c.Rank, log.WorldSizeKey, c.WorldSize, log.LocalRankKey, c.LocalRank, log.GPUIDKey, c.DeviceID}
}
