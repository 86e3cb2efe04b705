package train

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detrain/collective"
	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/detector"
	"github.com/YuminosukeSato/detrain/optim"
	"github.com/YuminosukeSato/detrain/runner"
	"github.com/YuminosukeSato/detrain/schedule"
)

func testBatch(phase float64) *data.Batch {
	in := mat.NewDense(2, 6, nil)
	for i := 0; i < 2; i++ {
		for j := 0; j < 6; j++ {
			in.Set(i, j, math.Sin(phase+float64(i*6+j)))
		}
	}
	fg := data.Object{Label: 1, Box: data.Box{0.1, 0.1, 0.5, 0.6}}
	return &data.Batch{
		Inputs:   in,
		Targets:  []data.Object{fg, {Label: 0}},
		Objects:  [][]data.Object{{fg}, nil},
		ImageIDs: []int{1, 2},
	}
}

func testModel(t *testing.T) *detector.Model {
	t.Helper()
	m, err := detector.Build(config.Model{
		Type:       config.ModelReference,
		NumClasses: 2,
		Backbone:   config.Backbone{HiddenSizes: []int{4}},
	}, 7, testBatch(0), "")
	require.NoError(t, err)
	return m
}

func testRunner(t *testing.T, m *detector.Model, comm collective.Communicator, fp16 bool) *runner.Runner {
	t.Helper()
	sched, err := schedule.NewPiecewiseConstant(nil, []float64{0.1})
	require.NoError(t, err)
	opts := optim.DefaultOptions()
	opts.FP16 = fp16
	opt, err := optim.New(opts, sched)
	require.NoError(t, err)
	r, err := runner.New(m, opt, runner.Options{
		Processor:   NewProcessor(m),
		Comm:        comm,
		LossWeights: map[string]float64{"loss_cls": 1, "loss_bbox": 1},
	})
	require.NoError(t, err)
	return r
}

func TestProcessorTrainStep(t *testing.T) {
	m := testModel(t)
	r := testRunner(t, m, nil, false)
	before := append([]float64(nil), m.Params()...)

	out, err := NewProcessor(m).Process(context.Background(), r, testBatch(1), true)
	require.NoError(t, err)

	assert.True(t, out.Applied)
	assert.Equal(t, 2, out.NumSamples)
	assert.InDelta(t, out.LogVars[detector.LossCls]+out.LogVars[detector.LossBBox], out.Loss, 1e-12)
	assert.Contains(t, out.LogVars, detector.Accuracy)
	assert.NotEqual(t, before, m.Params())
	assert.Equal(t, 1, r.Optimizer().Iterations())
}

func TestProcessorValidationLeavesModel(t *testing.T) {
	m := testModel(t)
	r := testRunner(t, m, nil, false)
	before := append([]float64(nil), m.Params()...)

	out, err := NewProcessor(m).Process(context.Background(), r, testBatch(1), false)
	require.NoError(t, err)

	assert.False(t, out.Applied)
	assert.Equal(t, before, m.Params())
	assert.Equal(t, 0, r.Optimizer().Iterations())
}

func TestProcessorLossScaledStepMatchesFullPrecision(t *testing.T) {
	full, scaled := testModel(t), testModel(t)
	rf := testRunner(t, full, nil, false)
	rs := testRunner(t, scaled, nil, true)
	initial := append([]float64(nil), scaled.Params()...)

	_, err := NewProcessor(full).Process(context.Background(), rf, testBatch(2), true)
	require.NoError(t, err)

	// overflowed steps are skipped until the scale has shrunk enough
	applied := false
	steps := 0
	for ; steps < 20 && !applied; steps++ {
		out, err := NewProcessor(scaled).Process(context.Background(), rs, testBatch(2), true)
		require.NoError(t, err)
		applied = out.Applied
		if !applied {
			require.Equal(t, initial, scaled.Params())
		}
	}
	require.True(t, applied)
	assert.Equal(t, steps, rs.Optimizer().Iterations())
	assert.InDeltaSlice(t, full.Params(), scaled.Params(), 1e-9)
}

func TestProcessorAveragesGradientsAcrossWorkers(t *testing.T) {
	group, err := collective.NewGroup(2)
	require.NoError(t, err)
	members := group.Members()

	models := []*detector.Model{testModel(t), testModel(t)}
	runners := []*runner.Runner{testRunner(t, models[0], members[0], false), testRunner(t, models[1], members[1], false)}
	before := append([]float64(nil), models[0].Params()...)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			_, errs[rank] = NewProcessor(models[rank]).Process(context.Background(), runners[rank], testBatch(float64(rank+3)), true)
		}(rank)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// different shards, one shared update
	assert.Equal(t, models[0].Params(), models[1].Params())
	assert.NotEqual(t, before, models[0].Params())
}

func TestProcessorWithoutOptimizer(t *testing.T) {
	m := testModel(t)
	r, err := runner.New(m, nil, runner.Options{Processor: NewProcessor(m)})
	require.NoError(t, err)

	_, err = NewProcessor(m).Process(context.Background(), r, testBatch(1), true)
	assert.Error(t, err)
}
