package runner

import (
	"fmt"
	"strings"
)

// Hook observes and extends the training loop at fixed lifecycle points.
// Callbacks run on the loop goroutine in registration order. A non-nil
// error, or a panic, aborts the run.
//
// Interval gates the callbacks: with k > 0, iteration callbacks run only
// when the 0-based iteration index is a multiple of k and epoch callbacks
// only when the 0-based epoch index is. Run callbacks are never gated.
type Hook interface {
	Interval() int
	BeforeRun(r *Runner) error
	AfterRun(r *Runner) error
	BeforeEpoch(r *Runner) error
	AfterEpoch(r *Runner) error
	BeforeIter(r *Runner) error
	AfterIter(r *Runner) error
}

// Named hooks report their name in logs and failures. Other hooks are
// named after their type.
type Named interface {
	Name() string
}

// BaseHook implements every callback as a no-op, ungated. Embed it and
// override what is needed.
type BaseHook struct{}

func (BaseHook) Interval() int             { return 0 }
func (BaseHook) BeforeRun(*Runner) error   { return nil }
func (BaseHook) AfterRun(*Runner) error    { return nil }
func (BaseHook) BeforeEpoch(*Runner) error { return nil }
func (BaseHook) AfterEpoch(*Runner) error  { return nil }
func (BaseHook) BeforeIter(*Runner) error  { return nil }
func (BaseHook) AfterIter(*Runner) error   { return nil }

// HookName returns the name of h.
func HookName(h Hook) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	name := fmt.Sprintf("%T", h)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Callback names used in failures and logs.
const (
	CallbackBeforeRun   = "before_run"
	CallbackAfterRun    = "after_run"
	CallbackBeforeEpoch = "before_epoch"
	CallbackAfterEpoch  = "after_epoch"
	CallbackBeforeIter  = "before_iter"
	CallbackAfterIter   = "after_iter"
)

func dispatch(h Hook, callback string, r *Runner) error {
	switch callback {
	case CallbackBeforeRun:
		return h.BeforeRun(r)
	case CallbackAfterRun:
		return h.AfterRun(r)
	case CallbackBeforeEpoch:
		return h.BeforeEpoch(r)
	case CallbackAfterEpoch:
		return h.AfterEpoch(r)
	case CallbackBeforeIter:
		return h.BeforeIter(r)
	case CallbackAfterIter:
		return h.AfterIter(r)
	}
	return fmt.Errorf("unknown callback %q", callback)
}

// due reports whether a hook with interval k runs at counter n.
func due(k, n int) bool {
	return k <= 0 || n%k == 0
}
