// Package hooks provides the standard training hooks: checkpointing,
// evaluation, timing, logging, visualization and progress reporting.
package hooks

import (
	"github.com/YuminosukeSato/detrain/checkpoint"
	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/pkg/log"
	"github.com/YuminosukeSato/detrain/runner"
)

// CheckpointHook saves a snapshot after every Interval-th training epoch
// and once more at the end of the run if the last epoch was not saved.
// Only the primary worker writes.
type CheckpointHook struct {
	runner.BaseHook

	Every   int
	OutDir  string
	MaxKeep int

	saved int
}

func NewCheckpointHook(interval int, outDir string, maxKeep int) *CheckpointHook {
	return &CheckpointHook{Every: interval, OutDir: outDir, MaxKeep: maxKeep, saved: -1}
}

func (h *CheckpointHook) Name() string  { return "CheckpointHook" }
func (h *CheckpointHook) Interval() int { return h.Every }

func (h *CheckpointHook) AfterEpoch(r *runner.Runner) error {
	if r.Mode() != config.PhaseTrain {
		return nil
	}
	// the epoch counter advances after this callback
	return h.save(r, r.Epoch()+1)
}

func (h *CheckpointHook) AfterRun(r *runner.Runner) error {
	if h.saved == r.Epoch() {
		return nil
	}
	return h.save(r, r.Epoch())
}

func (h *CheckpointHook) save(r *runner.Runner, epoch int) error {
	if !r.Worker().IsPrimary() {
		return nil
	}
	ck, err := r.Snapshot()
	if err != nil {
		return err
	}
	ck.Epoch = epoch
	name := checkpoint.FileName(epoch)
	path, err := checkpoint.Save(h.OutDir, name, ck)
	if err != nil {
		return err
	}
	if err := checkpoint.SetLatest(h.OutDir, name); err != nil {
		return err
	}
	if err := checkpoint.Prune(h.OutDir, h.MaxKeep); err != nil {
		return err
	}
	h.saved = epoch
	r.Logger().Info("checkpoint saved", "checkpoint.path", path, log.EpochKey, epoch, log.IterationKey, ck.Iteration)
	return nil
}
