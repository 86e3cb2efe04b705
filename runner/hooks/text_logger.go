package hooks

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/YuminosukeSato/detrain/runner"
)

// TextLoggerHook writes a human readable line to Out and a JSON record to
// <work_dir>/<timestamp>.log.json every Every training iterations, and after
// each evaluation. Only the primary worker logs. The hook is not gated by
// the runner: Every counts iterations only.
type TextLoggerHook struct {
	runner.BaseHook

	Every int
	Out   io.Writer
	Timer *IterTimerHook

	console zerolog.Logger
	json    zerolog.Logger
	file    *os.File
	started time.Time
	path    string
}

func NewTextLoggerHook(interval int, out io.Writer, timer *IterTimerHook) *TextLoggerHook {
	return &TextLoggerHook{Every: interval, Out: out, Timer: timer}
}

func (h *TextLoggerHook) Name() string { return "TextLoggerHook" }

// Path is the JSON log file, empty before the run starts.
func (h *TextLoggerHook) Path() string { return h.path }

func (h *TextLoggerHook) BeforeRun(r *runner.Runner) error {
	if !r.Worker().IsPrimary() {
		return nil
	}
	out := h.Out
	if out == nil {
		out = os.Stdout
	}
	h.console = zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.DateTime}).With().Timestamp().Logger()

	if err := os.MkdirAll(r.WorkDir(), 0o755); err != nil {
		return err
	}
	h.path = filepath.Join(r.WorkDir(), r.Timestamp()+".log.json")
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	h.file = f
	h.json = zerolog.New(f)
	h.started = time.Now()
	return nil
}

func (h *TextLoggerHook) AfterIter(r *runner.Runner) error {
	if h.file == nil || !r.Training() || !every(r.Iter(), h.Every) {
		return nil
	}
	buf := r.LogBuffer()
	buf.Average(h.Every)
	h.emit(r, r.Mode(), buf.Output)
	return nil
}

func (h *TextLoggerHook) AfterEpoch(r *runner.Runner) error {
	if h.file == nil {
		return nil
	}
	buf := r.LogBuffer()
	if !r.Training() {
		buf.Average(0)
		h.emit(r, r.Mode(), buf.Output)
		return nil
	}
	if r.MetricsEpoch() == r.Epoch() {
		h.emit(r, "val", r.Metrics())
	}
	return nil
}

func (h *TextLoggerHook) AfterRun(*runner.Runner) error {
	return h.Close()
}

// Close closes the JSON log file. The runner also calls it when a run
// aborts.
func (h *TextLoggerHook) Close() error {
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

func (h *TextLoggerHook) emit(r *runner.Runner, mode string, vars map[string]float64) {
	epoch := r.Epoch() + 1
	rec := h.json.Log().
		Str("mode", mode).
		Int("epoch", epoch).
		Int("iter", r.Iter()+1)
	line := h.console.Info().
		Str("mode", mode).
		Str("epoch", fmt.Sprintf("[%d][%d/%d]", epoch, r.InnerIter()+1, r.InnerLen()))

	if opt := r.Optimizer(); opt != nil && mode == "train" {
		rec = rec.Float64("lr", opt.LearningRate())
		line = line.Str("lr", fmt.Sprintf("%.3e", opt.LearningRate()))
		if r.AMP() {
			rec = rec.Float64("loss_scale", opt.LossScale())
			line = line.Float64("loss_scale", opt.LossScale())
		}
	}
	if eta, ok := h.eta(r); ok && mode == "train" {
		line = line.Str("eta", eta.Truncate(time.Second).String())
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := vars[k]
		rec = rec.Float64(k, v)
		if strings.HasSuffix(k, "time") {
			line = line.Str(k, fmt.Sprintf("%.3f", v))
		} else {
			line = line.Str(k, fmt.Sprintf("%.4f", v))
		}
	}
	rec.Send()
	line.Msg(r.Name())
}

func (h *TextLoggerHook) eta(r *runner.Runner) (time.Duration, bool) {
	if h.Timer == nil {
		return 0, false
	}
	mean, _ := h.Timer.MeanIterTime()
	if mean <= 0 {
		return 0, false
	}
	left := r.MaxIters() - r.Iter() - 1
	if left < 0 {
		left = 0
	}
	return time.Duration(float64(left) * mean * float64(time.Second)), true
}
