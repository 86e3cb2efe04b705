// Package optim provides the momentum optimizer bound to a learning-rate
// schedule and the dynamic loss scaling adapter used for reduced-precision
// training.
package optim

import (
	"github.com/YuminosukeSato/detrain/schedule"
)

// Optimizer updates a flat parameter vector in place.
//
// Apply reports whether the update was applied. Only a loss-scaled optimizer
// ever returns false without an error, when the step's gradients overflowed.
// Iterations counts steps, applied or skipped, and is the step fed to the
// schedule. Skip advances it without touching parameters or slots.
type Optimizer interface {
	Apply(params, grads []float64) (applied bool, err error)
	Skip()
	Iterations() int
	LearningRate() float64
	LossScale() float64
	Name() string
	State() State
	LoadState(State) error
}

// State is the serializable optimizer state stored in checkpoints.
type State struct {
	Type       string
	Iterations int
	Slots      map[string][]float64
	Scalars    map[string]float64
}

// Options configures New.
type Options struct {
	Momentum  float64
	Nesterov  bool
	FP16      bool
	LossScale LossScaleOptions
}

// DefaultOptions is SGD with momentum 0.9, no Nesterov, full precision.
func DefaultOptions() Options {
	return Options{
		Momentum:  0.9,
		LossScale: DefaultLossScaleOptions(),
	}
}

// New builds the momentum optimizer for sched and wraps it with dynamic loss
// scaling when FP16 is set.
func New(opts Options, sched schedule.Schedule) (Optimizer, error) {
	base, err := NewMomentum(sched, opts.Momentum, opts.Nesterov)
	if err != nil {
		return nil, err
	}
	if !opts.FP16 {
		return base, nil
	}
	return NewDynamicLossScale(base, opts.LossScale)
}
