package optim

import (
	"gonum.org/v1/gonum/floats"

	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/schedule"
)

const momentumSlot = "momentum"

// Momentum is SGD with classical (or Nesterov) momentum:
//
//	v = m*v - lr*g
//	w = w + v            (classical)
//	w = w + m*v - lr*g   (nesterov)
type Momentum struct {
	sched    schedule.Schedule
	momentum float64
	nesterov bool

	velocity   []float64
	iterations int
}

func NewMomentum(sched schedule.Schedule, momentum float64, nesterov bool) (*Momentum, error) {
	if sched == nil {
		return nil, errors.NewValueError("NewMomentum", "schedule is nil")
	}
	if momentum < 0 || momentum >= 1 {
		return nil, errors.NewConfigurationError("momentum", "must be in [0, 1)", momentum)
	}
	return &Momentum{sched: sched, momentum: momentum, nesterov: nesterov}, nil
}

func (o *Momentum) Apply(params, grads []float64) (bool, error) {
	if len(params) != len(grads) {
		return false, errors.NewDimensionError("Momentum.Apply", len(params), len(grads), 1)
	}
	if err := errors.CheckNumericalStability("gradient_update", grads, o.iterations); err != nil {
		return false, err
	}
	if o.velocity == nil {
		o.velocity = make([]float64, len(params))
	} else if len(o.velocity) != len(params) {
		return false, errors.NewDimensionError("Momentum.Apply", len(o.velocity), len(params), 1)
	}

	lr := o.sched.Rate(o.iterations)
	floats.Scale(o.momentum, o.velocity)
	floats.AddScaled(o.velocity, -lr, grads)
	if o.nesterov {
		floats.AddScaled(params, o.momentum, o.velocity)
		floats.AddScaled(params, -lr, grads)
	} else {
		floats.Add(params, o.velocity)
	}
	o.iterations++
	return true, nil
}

// Skip consumes one schedule step without an update.
func (o *Momentum) Skip() { o.iterations++ }

func (o *Momentum) Iterations() int { return o.iterations }

// LearningRate is the rate the next Apply will use.
func (o *Momentum) LearningRate() float64 { return o.sched.Rate(o.iterations) }

func (o *Momentum) LossScale() float64 { return 1 }

func (o *Momentum) Name() string {
	if o.nesterov {
		return "sgd_nesterov"
	}
	return "sgd_momentum"
}

func (o *Momentum) State() State {
	st := State{
		Type:       o.Name(),
		Iterations: o.iterations,
		Slots:      map[string][]float64{},
		Scalars:    map[string]float64{"momentum": o.momentum},
	}
	if o.velocity != nil {
		st.Slots[momentumSlot] = append([]float64(nil), o.velocity...)
	}
	return st
}

func (o *Momentum) LoadState(st State) error {
	if st.Type != o.Name() {
		return errors.NewValueError("Momentum.LoadState", "optimizer type mismatch: "+st.Type)
	}
	if st.Iterations < 0 {
		return errors.NewValueError("Momentum.LoadState", "negative iteration count")
	}
	o.iterations = st.Iterations
	o.velocity = nil
	if v, ok := st.Slots[momentumSlot]; ok {
		o.velocity = append([]float64(nil), v...)
	}
	return nil
}
