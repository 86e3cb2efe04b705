package hooks

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/detrain/runner"
)

// Log variables written by IterTimerHook.
const (
	VarDataTime = "data_time"
	VarTime     = "time"
)

const timerWindow = 50

// IterTimerHook records the time spent waiting for data (data_time) and the
// full iteration time (time) in seconds.
type IterTimerHook struct {
	runner.BaseHook

	now    func() time.Time
	last   time.Time
	window []float64
}

func NewIterTimerHook() *IterTimerHook {
	return &IterTimerHook{now: time.Now}
}

func (h *IterTimerHook) Name() string { return "IterTimerHook" }

func (h *IterTimerHook) BeforeEpoch(*runner.Runner) error {
	h.last = h.now()
	return nil
}

func (h *IterTimerHook) BeforeIter(r *runner.Runner) error {
	r.LogBuffer().Update(map[string]float64{VarDataTime: h.now().Sub(h.last).Seconds()}, 1)
	return nil
}

func (h *IterTimerHook) AfterIter(r *runner.Runner) error {
	now := h.now()
	d := now.Sub(h.last).Seconds()
	h.last = now
	r.LogBuffer().Update(map[string]float64{VarTime: d}, 1)
	h.window = append(h.window, d)
	if len(h.window) > timerWindow {
		h.window = h.window[len(h.window)-timerWindow:]
	}
	return nil
}

// MeanIterTime is the mean iteration time over the recent window and its
// standard deviation.
func (h *IterTimerHook) MeanIterTime() (mean, std float64) {
	if len(h.window) == 0 {
		return 0, 0
	}
	return stat.MeanStdDev(h.window, nil)
}

// every reports whether counter n is a multiple of k; k <= 0 always is.
func every(n, k int) bool {
	return k <= 0 || n%k == 0
}
