package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// LossScaleOptions configures DynamicLossScale.
type LossScaleOptions struct {
	Initial        float64
	GrowthInterval int
	Factor         float64
	Min            float64
	// Limit is the magnitude above which a scaled gradient counts as
	// overflowed. Zero only checks finiteness.
	Limit float64
}

// DefaultLossScaleOptions starts at 2^15, halves on overflow and doubles
// after 2000 consecutive good steps.
func DefaultLossScaleOptions() LossScaleOptions {
	return LossScaleOptions{
		Initial:        1 << 15,
		GrowthInterval: 2000,
		Factor:         2,
		Min:            1,
		Limit:          errors.HalfMax,
	}
}

// DynamicLossScale wraps an Optimizer for reduced-precision training. Callers
// multiply the loss by LossScale before backprop and hand the scaled
// gradients to Apply, which unscales them. A step whose scaled gradients
// overflow is skipped and the scale shrinks; the skip still consumes a
// schedule step and never reaches the caller as an error.
type DynamicLossScale struct {
	inner     Optimizer
	opts      LossScaleOptions
	scale     float64
	goodSteps int
	skipped   int
	unscaled  []float64
}

func NewDynamicLossScale(inner Optimizer, opts LossScaleOptions) (*DynamicLossScale, error) {
	if inner == nil {
		return nil, errors.NewValueError("NewDynamicLossScale", "inner optimizer is nil")
	}
	if opts.Initial <= 0 || opts.Factor <= 1 || opts.GrowthInterval < 1 || opts.Min <= 0 {
		return nil, errors.NewConfigurationError("loss_scale", "initial > 0, factor > 1, growth interval >= 1 and min > 0 required", opts)
	}
	return &DynamicLossScale{inner: inner, opts: opts, scale: opts.Initial}, nil
}

func (d *DynamicLossScale) Apply(params, grads []float64) (bool, error) {
	if errors.Overflows(grads, d.opts.Limit) {
		old := d.scale
		d.scale = math.Max(d.scale/d.opts.Factor, d.opts.Min)
		d.goodSteps = 0
		d.skipped++
		errors.Warn(errors.NewOverflowWarning(d.inner.Iterations(), old, d.scale))
		d.inner.Skip()
		return false, nil
	}

	if cap(d.unscaled) < len(grads) {
		d.unscaled = make([]float64, len(grads))
	}
	d.unscaled = d.unscaled[:len(grads)]
	floats.ScaleTo(d.unscaled, 1/d.scale, grads)

	applied, err := d.inner.Apply(params, d.unscaled)
	if err != nil || !applied {
		return applied, err
	}
	d.goodSteps++
	if d.goodSteps >= d.opts.GrowthInterval {
		if grown := d.scale * d.opts.Factor; !math.IsInf(grown, 0) {
			d.scale = grown
		}
		d.goodSteps = 0
	}
	return true, nil
}

func (d *DynamicLossScale) Skip()                 { d.inner.Skip() }
func (d *DynamicLossScale) Iterations() int       { return d.inner.Iterations() }
func (d *DynamicLossScale) LearningRate() float64 { return d.inner.LearningRate() }
func (d *DynamicLossScale) LossScale() float64    { return d.scale }
func (d *DynamicLossScale) Name() string          { return d.inner.Name() }

// Skipped is the number of steps dropped because of overflow.
func (d *DynamicLossScale) Skipped() int { return d.skipped }

func (d *DynamicLossScale) State() State {
	st := d.inner.State()
	if st.Scalars == nil {
		st.Scalars = map[string]float64{}
	}
	st.Scalars["loss_scale"] = d.scale
	st.Scalars["good_steps"] = float64(d.goodSteps)
	st.Scalars["skipped_steps"] = float64(d.skipped)
	return st
}

func (d *DynamicLossScale) LoadState(st State) error {
	if err := d.inner.LoadState(st); err != nil {
		return err
	}
	if s, ok := st.Scalars["loss_scale"]; ok && s > 0 {
		d.scale = s
	}
	d.goodSteps = int(st.Scalars["good_steps"])
	d.skipped = int(st.Scalars["skipped_steps"])
	return nil
}
