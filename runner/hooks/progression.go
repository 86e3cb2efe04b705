package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/YuminosukeSato/detrain/runner"
)

// Status is the progress report of a run.
type Status struct {
	Name         string             `json:"name"`
	RunID        string             `json:"run_id"`
	Rank         int                `json:"rank"`
	Mode         string             `json:"mode"`
	Epoch        int                `json:"epoch"`
	MaxEpochs    int                `json:"max_epochs"`
	Iteration    int                `json:"iteration"`
	MaxIters     int                `json:"max_iterations"`
	LearningRate float64            `json:"learning_rate"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Finished     bool               `json:"finished"`
}

// ProgressionHook keeps a Status current and, on the primary worker, writes
// it atomically to Path every Every training iterations and after each
// epoch. Status may be read concurrently, e.g. by an HTTP handler.
type ProgressionHook struct {
	runner.BaseHook

	Path  string
	Every int

	mu     sync.RWMutex
	status Status
}

func NewProgressionHook(path string, interval int) *ProgressionHook {
	return &ProgressionHook{Path: path, Every: interval}
}

func (h *ProgressionHook) Name() string { return "ProgressionHook" }

// Status returns a copy of the latest status.
func (h *ProgressionHook) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.status
	st.Metrics = make(map[string]float64, len(h.status.Metrics))
	for k, v := range h.status.Metrics {
		st.Metrics[k] = v
	}
	return st
}

func (h *ProgressionHook) BeforeRun(r *runner.Runner) error {
	return h.update(r, false)
}

func (h *ProgressionHook) AfterIter(r *runner.Runner) error {
	if !r.Training() || !every(r.Iter(), h.Every) {
		return nil
	}
	return h.update(r, false)
}

func (h *ProgressionHook) AfterEpoch(r *runner.Runner) error {
	return h.update(r, false)
}

func (h *ProgressionHook) AfterRun(r *runner.Runner) error {
	return h.update(r, true)
}

func (h *ProgressionHook) update(r *runner.Runner, finished bool) error {
	now := time.Now()
	h.mu.Lock()
	if h.status.StartedAt.IsZero() {
		h.status.StartedAt = now
	}
	h.status.Name = r.Name()
	h.status.RunID = r.RunID()
	h.status.Rank = r.Worker().Rank
	h.status.Mode = r.Mode()
	h.status.Epoch = r.Epoch()
	h.status.MaxEpochs = r.MaxEpochs()
	h.status.Iteration = r.Iter()
	h.status.MaxIters = r.MaxIters()
	if opt := r.Optimizer(); opt != nil {
		h.status.LearningRate = opt.LearningRate()
	}
	h.status.Metrics = r.Metrics()
	h.status.UpdatedAt = now
	h.status.Finished = finished
	st := h.status
	h.mu.Unlock()

	if h.Path == "" || !r.Worker().IsPrimary() {
		return nil
	}
	return writeJSONAtomic(h.Path, st)
}

func writeJSONAtomic(path string, v any) (err error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(raw); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
