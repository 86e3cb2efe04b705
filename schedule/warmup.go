package schedule

import (
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// Warmup ramps linearly from InitRate to the inner schedule's step-0 rate
// over Steps steps, so Rate(0) is always InitRate. From step Steps on it returns Inner.Rate(step); the inner
// schedule is not shifted by the warmup length.
type Warmup struct {
	inner    Schedule
	initRate float64
	steps    int
}

func NewWarmup(inner Schedule, initRate float64, steps int) (*Warmup, error) {
	if inner == nil {
		return nil, errors.NewValueError("Warmup", "inner schedule is nil")
	}
	if steps < 1 {
		return nil, errors.NewConfigurationError("warmup_steps", "must be >= 1", steps)
	}
	if initRate <= 0 {
		return nil, errors.NewConfigurationError("warmup_init_lr_scale", "initial warmup rate must be > 0", initRate)
	}
	return &Warmup{inner: inner, initRate: initRate, steps: steps}, nil
}

func (w *Warmup) Rate(step int) float64 {
	if step >= w.steps {
		return w.inner.Rate(step)
	}
	target := w.inner.Rate(0)
	return w.initRate + (target-w.initRate)*float64(step)/float64(w.steps)
}

func (w *Warmup) Name() string { return "warmup(" + w.inner.Name() + ")" }

// InitRate is the rate at step 0.
func (w *Warmup) InitRate() float64 { return w.initRate }

// Steps is the warmup length.
func (w *Warmup) Steps() int { return w.steps }

// Inner returns the wrapped decay schedule.
func (w *Warmup) Inner() Schedule { return w.inner }
