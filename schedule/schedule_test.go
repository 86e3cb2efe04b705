package schedule

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/detrain/pkg/errors"
)

func TestNewBatchPlan(t *testing.T) {
	tests := []struct {
		name        string
		batch       int
		world       int
		images      int
		baseLR      float64
		wantGlobal  int
		wantSPE     int
		wantScaleLR float64
	}{
		{"coco single node", 1, 8, 118287, 0.01, 8, 14785, 0.01},
		{"coco 4 per device x 8", 4, 8, 118287, 0.01, 32, 3696, 0.04},
		{"two workers", 2, 2, 10, 0.02, 4, 2, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewBatchPlan(tt.batch, tt.world, tt.images, tt.baseLR)
			require.NoError(t, err)
			assert.Equal(t, tt.wantGlobal, plan.GlobalBatchSize)
			assert.Equal(t, tt.wantSPE, plan.StepsPerEpoch)
			assert.InDelta(t, tt.wantScaleLR, plan.ScaledLR, 1e-12)
			assert.InDelta(t, tt.baseLR*float64(tt.batch*tt.world)/8, plan.ScaledLR, 1e-12)
		})
	}
}

func TestNewBatchPlanRejects(t *testing.T) {
	_, err := NewBatchPlan(0, 1, 100, 0.01)
	assert.True(t, errors.IsConfigurationError(err))

	_, err = NewBatchPlan(4, 4, 10, 0.01)
	assert.True(t, errors.IsConfigurationError(err), "fewer images than a global batch")

	_, err = NewBatchPlan(1, 1, 100, 0)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestStepScheduleConcreteCase(t *testing.T) {
	plan := BatchPlan{StepsPerEpoch: 100, ScaledLR: 0.08}
	s, err := Decay(KindStep, plan)
	require.NoError(t, err)

	pc := s.(*PiecewiseConstant)
	assert.Equal(t, []int{800, 1000}, pc.Boundaries())

	assert.InDelta(t, 0.08, s.Rate(700), 1e-12)
	assert.InDelta(t, 0.08, s.Rate(800), 1e-12, "boundary belongs to the earlier plateau")
	assert.InDelta(t, 0.008, s.Rate(801), 1e-12)
	assert.InDelta(t, 0.008, s.Rate(900), 1e-12)
	assert.InDelta(t, 0.0008, s.Rate(1100), 1e-12)
}

func TestCosineDecayRestarts(t *testing.T) {
	c, err := NewCosineDecayRestarts(CosineOptions{InitialRate: 1, FirstDecaySteps: 100, TMul: 1, MMul: 1})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, c.Rate(0), 1e-12)
	assert.InDelta(t, 0.5, c.Rate(50), 1e-12)
	assert.InDelta(t, 1.0, c.Rate(100), 1e-12, "restart at the cycle boundary")
	assert.InDelta(t, c.Rate(25), c.Rate(125), 1e-12)

	for step := 0; step < 99; step++ {
		assert.LessOrEqual(t, c.Rate(step+1), c.Rate(step), "step %d", step)
	}
}

func TestCosineDecayRestartsStretched(t *testing.T) {
	c, err := NewCosineDecayRestarts(CosineOptions{InitialRate: 1, FirstDecaySteps: 10, TMul: 2, MMul: 0.5, Alpha: 0.1})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, c.Rate(0), 1e-9)
	// second cycle starts at 10 and lasts 20 steps with half the peak
	assert.InDelta(t, 0.1+0.9*0.5, c.Rate(10), 1e-9)
	assert.InDelta(t, 0.1+0.9*0.5*0.5, c.Rate(20), 1e-9)
	// third cycle starts at 30
	assert.InDelta(t, 0.1+0.9*0.25, c.Rate(30), 1e-9)
}

func TestWarmup(t *testing.T) {
	plan := BatchPlan{StepsPerEpoch: 100, ScaledLR: 0.04}
	const warmupSteps = 500
	const initScale = 3.0

	for _, kind := range []Kind{KindStep, KindCosine} {
		t.Run(string(kind), func(t *testing.T) {
			s, err := Compose(kind, plan, initScale, warmupSteps)
			require.NoError(t, err)

			assert.InDelta(t, plan.ScaledLR/initScale, s.Rate(0), 1e-12)
			for step := 0; step+1 < warmupSteps; step++ {
				assert.LessOrEqual(t, s.Rate(step), s.Rate(step+1)+1e-15, "step %d", step)
			}
			if kind == KindStep {
				// flat first plateau, so the ramp meets it without a drop
				assert.InDelta(t, plan.ScaledLR, s.Rate(warmupSteps), 1e-12)
			}

			inner, err := Decay(kind, plan)
			require.NoError(t, err)
			for _, step := range []int{warmupSteps, 700, 900, 1100, 1500} {
				assert.InDelta(t, inner.Rate(step), s.Rate(step), 1e-12, "step %d follows the inner schedule", step)
			}
		})
	}
}

func TestWarmupMidpoint(t *testing.T) {
	inner, err := NewPiecewiseConstant(nil, []float64{1})
	require.NoError(t, err)
	w, err := NewWarmup(inner, 0.2, 10)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, w.Rate(5), 1e-12)
	assert.InDelta(t, 1.0, w.Rate(10), 1e-12)
	assert.Equal(t, "warmup(piecewise_constant)", w.Name())
}

func TestComposeUnsupportedSchedule(t *testing.T) {
	_, err := Compose(Kind("linear"), BatchPlan{StepsPerEpoch: 1, ScaledLR: 1}, 3, 10)
	require.Error(t, err)

	var schedErr *errors.UnsupportedScheduleError
	require.True(t, errors.As(err, &schedErr))
	assert.Equal(t, "linear", schedErr.Kind)

	_, err = ParseKind("2x")
	assert.True(t, errors.IsConfigurationError(err))

	k, err := ParseKind("cosine")
	require.NoError(t, err)
	assert.Equal(t, KindCosine, k)
}

func TestComposeRejectsWarmupScale(t *testing.T) {
	_, err := Compose(KindStep, BatchPlan{StepsPerEpoch: 1, ScaledLR: 1}, 0.5, 10)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestWarmupStartsAtInitRate(t *testing.T) {
	plan := BatchPlan{StepsPerEpoch: 10, ScaledLR: 0.3}
	for _, steps := range []int{0, -5} {
		_, err := Compose(KindStep, plan, 3, steps)
		assert.True(t, errors.IsConfigurationError(err), "warmup_steps %d", steps)
	}

	s, err := Compose(KindStep, plan, 3, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, s.Rate(0), 1e-12)
	assert.InDelta(t, 0.3, s.Rate(1), 1e-12)
}

func TestPiecewiseConstantValidation(t *testing.T) {
	_, err := NewPiecewiseConstant([]int{10}, []float64{1})
	assert.Error(t, err)

	_, err = NewPiecewiseConstant([]int{10, 10}, []float64{1, 2, 3})
	assert.Error(t, err)

	p, err := NewPiecewiseConstant([]int{0}, []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Rate(0))
	assert.Equal(t, 2.0, p.Rate(1))
	assert.False(t, math.IsNaN(p.Rate(-5)))
}
