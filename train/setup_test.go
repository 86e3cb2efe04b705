package train

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/detrain/checkpoint"
	"github.com/YuminosukeSato/detrain/collective"
	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/data/datatest"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/pkg/log"
	"github.com/YuminosukeSato/detrain/runner"
	"github.com/YuminosukeSato/detrain/worker"
)

func testConfig(t *testing.T, epochs int, resume string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	src := datatest.WriteCOCO(t, filepath.Join(dir, "coco"), datatest.Options{Images: 8, Classes: 2})
	f := config.File{
		Model: config.Model{
			NumClasses: 2,
			Backbone:   config.Backbone{HiddenSizes: []int{8}},
		},
		Data:        config.Data{Train: src, Val: src},
		OutputsPath: filepath.Join(dir, "outputs"),
		Workflow:    []config.Phase{{Name: config.PhaseTrain, Epochs: 1}, {Name: config.PhaseVal, Epochs: 1}},
		LogConfig:   config.LogConfig{Interval: 2},
	}
	cfg, err := config.Assemble(f, config.Options{
		BaseLearningRate:   0.02,
		BatchSizePerDevice: 2,
		Schedule:           "1x",
		WarmupInitLRScale:  3,
		WarmupSteps:        2,
		Epochs:             epochs,
		Name:               "brave-turing",
		ResumeFrom:         resume,
	})
	require.NoError(t, err)
	return cfg
}

func single(t *testing.T) (worker.Context, collective.Communicator) {
	t.Helper()
	wc, err := worker.Init(worker.Env{WorldSize: 1})
	require.NoError(t, err)
	group, err := collective.NewGroup(1)
	require.NoError(t, err)
	return wc, group.Members()[0]
}

func TestSetupRegistersHooksInOrder(t *testing.T) {
	cfg := testConfig(t, 1, "")
	wc, comm := single(t)

	job, err := Setup(context.Background(), cfg, wc, comm, nil, Options{RunID: "r1", Console: io.Discard})
	require.NoError(t, err)

	var names []string
	for _, h := range job.Runner.Hooks() {
		names = append(names, runner.HookName(h))
	}
	assert.Equal(t, []string{
		"CheckpointHook", "EvalHook", "IterTimerHook", "TextLoggerHook",
		"VisualizerHook", "ScalarLoggerHook", "ProgressionHook",
	}, names)

	assert.Equal(t, 2, job.Plan.GlobalBatchSize)
	assert.Equal(t, 4, job.Plan.StepsPerEpoch)
	assert.InDelta(t, 0.005, job.Plan.ScaledLR, 1e-12)
	assert.InDelta(t, 0.005/3, job.Schedule.Rate(0), 1e-12)
	assert.Equal(t, 48, job.Model.InputDim())
}

func TestSetupRunAndResume(t *testing.T) {
	cfg := testConfig(t, 2, "")
	wc, comm := single(t)
	logger, _ := log.NewTestLogger(log.LevelInfo)
	reg := prometheus.NewRegistry()

	job, err := Setup(context.Background(), cfg, wc, comm, logger, Options{
		RunID:      "r1",
		Registerer: reg,
		Console:    io.Discard,
		Now:        func() time.Time { return time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC) },
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, 2, job.Runner.Epoch())
	assert.Equal(t, 8, job.Runner.Iter())
	assert.True(t, logger.ContainsMessage("checkpoint saved"))
	assert.True(t, logger.ContainsMessage("evaluation finished"))

	epochs, err := checkpoint.List(cfg.WorkDir)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, epochs)

	st := job.Progress.Status()
	assert.True(t, st.Finished)
	assert.Equal(t, 8, st.MaxIters)
	_, err = os.Stat(filepath.Join(cfg.WorkDir, ProgressionFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.WorkDir, "20240203_040506.log.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.OutputsPath, "visualizations", "iter_0.png"))
	assert.NoError(t, err)

	// a longer run picks up at the last checkpoint
	resumed := testConfig(t, 3, cfg.WorkDir)
	resumed.WorkDir = cfg.WorkDir
	job2, err := Setup(context.Background(), resumed, wc, comm, nil, Options{Console: io.Discard})
	require.NoError(t, err)
	assert.Equal(t, 2, job2.Runner.Epoch())
	assert.Equal(t, 8, job2.Runner.Optimizer().Iterations())
	assert.Equal(t, job.Model.Params(), job2.Model.Params())

	require.NoError(t, job2.Run(context.Background()))
	assert.Equal(t, 12, job2.Runner.Iter())
	latest, err := checkpoint.Latest(cfg.WorkDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.WorkDir, checkpoint.FileName(3)), latest)
}

func TestSetupMissingAnnotations(t *testing.T) {
	cfg := testConfig(t, 1, "")
	cfg.Data.Val.AnnFile = filepath.Join(t.TempDir(), "missing.json")
	wc, comm := single(t)

	_, err := Setup(context.Background(), cfg, wc, comm, nil, Options{Console: io.Discard})
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestNewCommunicatorLocal(t *testing.T) {
	cfg := testConfig(t, 1, "")
	wc, _ := single(t)

	comm, err := NewCommunicator(context.Background(), cfg, wc, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, comm.Size())
	assert.Equal(t, 0, comm.Rank())
	out, err := comm.AllReduce(context.Background(), collective.Mean, []float64{2, 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, out)
	require.NoError(t, comm.Close())

	wc.WorldSize = 2
	_, err = NewCommunicator(context.Background(), cfg, wc, nil)
	assert.True(t, errors.IsConfigurationError(err))
}
