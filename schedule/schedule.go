// Package schedule composes the learning-rate schedule of a run: a decay
// schedule scaled to the global batch size, wrapped by a linear warmup ramp.
//
// Every Schedule is a pure function of the optimizer step. Steps count
// applied optimizer updates across the whole run and are never reset per
// epoch.
package schedule

import (
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// Schedule maps an optimizer step to a learning rate.
type Schedule interface {
	Rate(step int) float64
	Name() string
}

// Kind selects the decay schedule.
type Kind string

const (
	// KindStep is the "1x" schedule: constant, then /10 at epoch 8 and /100
	// at epoch 10.
	KindStep Kind = "1x"

	// KindCosine is cosine decay with restarts over 12-epoch cycles.
	KindCosine Kind = "cosine"
)

// Kinds lists the supported schedule kinds.
func Kinds() []string {
	return []string{string(KindStep), string(KindCosine)}
}

// ParseKind validates a schedule name from the command line.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindStep, KindCosine:
		return Kind(s), nil
	default:
		return "", errors.NewUnsupportedScheduleError(s, Kinds())
	}
}

const (
	stepFirstDecayEpoch  = 8
	stepSecondDecayEpoch = 10
	cosineCycleEpochs    = 12
)

// Decay builds the undecorated decay schedule of the given kind.
func Decay(kind Kind, plan BatchPlan) (Schedule, error) {
	spe := plan.StepsPerEpoch
	lr := plan.ScaledLR
	switch kind {
	case KindStep:
		return NewPiecewiseConstant(
			[]int{spe * stepFirstDecayEpoch, spe * stepSecondDecayEpoch},
			[]float64{lr, lr * 0.1, lr * 0.01},
		)
	case KindCosine:
		return NewCosineDecayRestarts(CosineOptions{
			InitialRate:     lr,
			FirstDecaySteps: cosineCycleEpochs * spe,
			TMul:            1,
			MMul:            1,
		})
	default:
		return nil, errors.NewUnsupportedScheduleError(string(kind), Kinds())
	}
}

// Compose builds the decay schedule for kind and wraps it with warmup.
// The warmup starts at plan.ScaledLR / warmupInitScale.
func Compose(kind Kind, plan BatchPlan, warmupInitScale float64, warmupSteps int) (Schedule, error) {
	inner, err := Decay(kind, plan)
	if err != nil {
		return nil, err
	}
	if warmupInitScale < 1 {
		return nil, errors.NewConfigurationError("warmup_init_lr_scale", "must be >= 1", warmupInitScale)
	}
	return NewWarmup(inner, plan.ScaledLR/warmupInitScale, warmupSteps)
}
