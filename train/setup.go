package train

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/YuminosukeSato/detrain/collective"
	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/detector"
	"github.com/YuminosukeSato/detrain/optim"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/pkg/log"
	"github.com/YuminosukeSato/detrain/runner"
	"github.com/YuminosukeSato/detrain/runner/hooks"
	"github.com/YuminosukeSato/detrain/schedule"
	"github.com/YuminosukeSato/detrain/worker"
)

// ProgressionFile is the default progression status file in the work dir.
const ProgressionFile = "progression.json"

// Options carries the process-level collaborators of Setup.
type Options struct {
	RunID string
	// Registerer receives the scalar gauges; nil disables them.
	Registerer prometheus.Registerer
	// Console receives the text log lines, os.Stdout when nil.
	Console io.Writer
	// Wrap decorates the batch processor, e.g. with middleware.
	Wrap func(runner.BatchProcessor) runner.BatchProcessor
	Now  func() time.Time
}

// Job is a fully wired run, ready to start.
type Job struct {
	Config   *config.Config
	Worker   worker.Context
	Plan     schedule.BatchPlan
	Schedule schedule.Schedule
	Model    *detector.Model
	Runner   *runner.Runner
	Progress *hooks.ProgressionHook

	sources []data.Source
}

// Run drives the workflow for the configured number of training epochs.
func (j *Job) Run(ctx context.Context) error {
	return j.Runner.Run(ctx, j.sources, j.Config.Workflow, j.Config.Epochs)
}

// Setup builds everything a worker needs for a run: the batch plan, the
// train and validation shards, the model with its pretrained backbone, the
// warmup schedule, the optimizer and the runner with its hooks registered
// in order (checkpoint, evaluation, iteration timer, text logger,
// visualizer, scalar logger, progression). When cfg.ResumeFrom is set the
// runner resumes from that checkpoint or checkpoint directory.
func Setup(ctx context.Context, cfg *config.Config, wc worker.Context, comm collective.Communicator, logger log.Logger, opts Options) (*Job, error) {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.With(wc.LogFields()...)

	trainSet, err := data.BuildDataset(cfg.Data.Train, cfg.Model.NumClasses)
	if err != nil {
		return nil, errors.Wrap(err, "train dataset")
	}
	valSet, err := data.BuildDataset(cfg.Data.Val, cfg.Model.NumClasses)
	if err != nil {
		return nil, errors.Wrap(err, "val dataset")
	}

	total := cfg.TrainCfg.TotalImages
	if total == 0 {
		total = trainSet.Len()
	}
	plan, err := schedule.NewBatchPlan(cfg.BatchSizePerDevice, wc.WorldSize, total, cfg.BaseLearningRate)
	if err != nil {
		return nil, err
	}
	logger.Info("batch plan",
		log.GlobalBatchSizeKey, plan.GlobalBatchSize,
		log.StepsPerEpochKey, plan.StepsPerEpoch,
		log.LearningRateKey, plan.ScaledLR,
		log.ScheduleKey, string(cfg.Schedule),
		log.WarmupStepsKey, cfg.WarmupSteps,
	)

	trainLoader, err := data.NewLoader(trainSet, data.LoaderOptions{
		BatchSize: cfg.BatchSizePerDevice,
		Rank:      wc.Rank,
		WorldSize: wc.WorldSize,
		Shuffle:   cfg.Shuffle(),
		Seed:      cfg.TrainCfg.Seed,
		Prefetch:  cfg.TrainCfg.Prefetch,
		Workers:   cfg.TrainCfg.Workers,
		Balanced:  true,
		DropLast:  true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "train loader")
	}
	valLoader, err := data.NewLoader(valSet, data.LoaderOptions{
		BatchSize: cfg.BatchSizePerDevice,
		Rank:      wc.Rank,
		WorldSize: wc.WorldSize,
		Prefetch:  cfg.TrainCfg.Prefetch,
		Workers:   cfg.TrainCfg.Workers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "val loader")
	}

	sample, err := firstBatch(ctx, trainLoader)
	if err != nil {
		return nil, err
	}
	m, err := detector.Build(cfg.Model, cfg.TrainCfg.Seed, sample, cfg.Model.Backbone.WeightsPath)
	if err != nil {
		return nil, err
	}
	logger.Info("model built", "model.type", cfg.Model.Type, "model.parameters", len(m.Params()), "model.phase", m.Phase().String())

	sched, err := schedule.Compose(cfg.Schedule, plan, cfg.WarmupInitLRScale, cfg.WarmupSteps)
	if err != nil {
		return nil, err
	}
	optOpts := optim.DefaultOptions()
	optOpts.FP16 = cfg.FP16
	opt, err := optim.New(optOpts, sched)
	if err != nil {
		return nil, err
	}

	var proc runner.BatchProcessor = NewProcessor(m)
	if opts.Wrap != nil {
		proc = opts.Wrap(proc)
	}
	r, err := runner.New(m, opt, runner.Options{
		Name:        cfg.Name,
		RunID:       opts.RunID,
		WorkDir:     cfg.WorkDir,
		Logger:      logger,
		AMP:         cfg.FP16,
		LossWeights: cfg.LossWeights,
		Processor:   proc,
		Comm:        comm,
		Worker:      wc,
		Now:         opts.Now,
	})
	if err != nil {
		return nil, err
	}

	timer := hooks.NewIterTimerHook()
	progressPath := cfg.LogConfig.ProgressionFile
	if progressPath == "" {
		progressPath = filepath.Join(cfg.WorkDir, ProgressionFile)
	}
	progress := hooks.NewProgressionHook(progressPath, cfg.LogConfig.Interval)
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	r.RegisterHook(hooks.NewCheckpointHook(cfg.CheckpointInterval, cfg.WorkDir, cfg.MaxKeepCheckpoints))
	r.RegisterHook(&hooks.EvalHook{
		Source:         valLoader,
		Model:          m,
		Every:          cfg.EvaluationInterval,
		ScoreThreshold: cfg.TestCfg.ScoreThreshold,
		IoUThreshold:   cfg.TestCfg.IoUThreshold,
	})
	r.RegisterHook(timer)
	r.RegisterHook(hooks.NewTextLoggerHook(cfg.LogConfig.Interval, console, timer))
	r.RegisterHook(&hooks.VisualizerHook{
		Source:   valLoader,
		Model:    m,
		Renderer: valSet,
		Every:    cfg.Visualizer.Interval,
		TopK:     cfg.Visualizer.TopK,
		OutDir:   filepath.Join(cfg.OutputsPath, "visualizations"),
	})
	r.RegisterHook(hooks.NewScalarLoggerHook(cfg.LogConfig.ScalarInterval, opts.Registerer))
	r.RegisterHook(progress)

	if cfg.ResumeFrom != "" {
		if err := r.ResumeFrom(cfg.ResumeFrom); err != nil {
			return nil, errors.Wrap(err, "resume")
		}
	}

	sources := make([]data.Source, len(cfg.Workflow))
	for i, p := range cfg.Workflow {
		sources[i] = trainLoader
		if p.Name == config.PhaseVal {
			sources[i] = valLoader
		}
	}

	return &Job{
		Config:   cfg,
		Worker:   wc,
		Plan:     plan,
		Schedule: sched,
		Model:    m,
		Runner:   r,
		Progress: progress,
		sources:  sources,
	}, nil
}

// firstBatch pulls the first training batch; the model is materialized on
// its shape.
func firstBatch(ctx context.Context, src data.Source) (*data.Batch, error) {
	it, err := src.Open(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	b, err := it.Next(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "sample batch")
	}
	return b, nil
}
