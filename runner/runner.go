// Package runner drives the training loop: it pulls batches from per-epoch
// data sources, delegates each batch to a BatchProcessor and fires the
// registered hooks around every iteration, epoch and run.
package runner

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/YuminosukeSato/detrain/checkpoint"
	"github.com/YuminosukeSato/detrain/collective"
	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/core/model"
	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/optim"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/pkg/log"
	"github.com/YuminosukeSato/detrain/worker"
)

// TimestampLayout formats Runner.Timestamp.
const TimestampLayout = "20060102_150405"

// Model is the state a runner checkpoints and restores.
type Model interface {
	State() (*model.Weights, error)
	LoadState(*model.Weights) error
}

// Outputs is the result of processing one batch.
type Outputs struct {
	Loss       float64
	LogVars    map[string]float64
	NumSamples int
	// Applied is false when the optimizer skipped the update.
	Applied bool
}

// BatchProcessor computes one iteration. In train mode it updates the
// model; otherwise it only evaluates losses.
type BatchProcessor interface {
	Process(ctx context.Context, r *Runner, b *data.Batch, train bool) (*Outputs, error)
}

// Options configures New.
type Options struct {
	Name        string
	RunID       string
	WorkDir     string
	Logger      log.Logger
	AMP         bool
	LossWeights map[string]float64
	Processor   BatchProcessor
	Comm        collective.Communicator
	Worker      worker.Context
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Runner owns the loop state of one worker. It is not safe for concurrent
// use; hooks run on the loop goroutine.
type Runner struct {
	model     Model
	optimizer optim.Optimizer
	opts      Options
	logger    log.Logger
	created   time.Time
	hooks     []Hook
	logBuffer *LogBuffer
	outputs   *Outputs
	metrics   map[string]float64
	// metricsEpoch is the epoch of the last SetMetric, -1 before any.
	metricsEpoch int
	ctx          context.Context

	mode      string
	epoch     int
	iter      int
	innerIter int
	maxEpochs int
	maxIters  int
	maxInner  int
}

// New creates a runner. Its timestamp is taken now.
func New(m Model, opt optim.Optimizer, opts Options) (*Runner, error) {
	if m == nil {
		return nil, errors.NewValueError("runner.New", "model is required")
	}
	if opts.Processor == nil {
		return nil, errors.NewValueError("runner.New", "batch processor is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		model:        m,
		optimizer:    opt,
		opts:         opts,
		logger:       opts.Logger,
		created:      opts.Now(),
		logBuffer:    NewLogBuffer(),
		metrics:      make(map[string]float64),
		metricsEpoch: -1,
		ctx:          context.Background(),
	}, nil
}

// RegisterHook appends h. Earlier hooks see every lifecycle point first.
func (r *Runner) RegisterHook(h Hook) {
	r.hooks = append(r.hooks, h)
}

// Hooks returns the registered hooks in order.
func (r *Runner) Hooks() []Hook { return append([]Hook(nil), r.hooks...) }

func (r *Runner) Epoch() int                      { return r.epoch }
func (r *Runner) Iter() int                       { return r.iter }
func (r *Runner) InnerIter() int                  { return r.innerIter }
func (r *Runner) MaxEpochs() int                  { return r.maxEpochs }
func (r *Runner) MaxIters() int                   { return r.maxIters }
func (r *Runner) Mode() string                    { return r.mode }
func (r *Runner) Model() Model                    { return r.model }
func (r *Runner) Optimizer() optim.Optimizer      { return r.optimizer }
func (r *Runner) LogBuffer() *LogBuffer           { return r.logBuffer }
func (r *Runner) Outputs() *Outputs               { return r.outputs }
func (r *Runner) Worker() worker.Context          { return r.opts.Worker }
func (r *Runner) Comm() collective.Communicator   { return r.opts.Comm }
func (r *Runner) Logger() log.Logger              { return r.logger }
func (r *Runner) WorkDir() string                 { return r.opts.WorkDir }
func (r *Runner) Name() string                    { return r.opts.Name }
func (r *Runner) RunID() string                   { return r.opts.RunID }
func (r *Runner) AMP() bool                       { return r.opts.AMP }
func (r *Runner) LossWeights() map[string]float64 { return r.opts.LossWeights }
func (r *Runner) Timestamp() string               { return r.created.Format(TimestampLayout) }

// Context is the context of the current Run. Hooks use it for blocking
// work such as evaluation passes.
func (r *Runner) Context() context.Context { return r.ctx }

// SetMetric records a summary metric, such as an evaluation result.
func (r *Runner) SetMetric(name string, v float64) {
	r.metrics[name] = v
	r.metricsEpoch = r.epoch
}

// MetricsEpoch is the epoch in which a metric was last recorded, -1 if none
// was. Equal to Epoch when the current epoch produced metrics.
func (r *Runner) MetricsEpoch() int { return r.metricsEpoch }

// Metrics returns a copy of the recorded summary metrics.
func (r *Runner) Metrics() map[string]float64 {
	out := make(map[string]float64, len(r.metrics))
	for k, v := range r.metrics {
		out[k] = v
	}
	return out
}

// InnerLen is the number of iterations of the current epoch.
func (r *Runner) InnerLen() int { return r.maxInner }

// Training reports whether the current epoch is a training epoch.
func (r *Runner) Training() bool { return r.mode == config.PhaseTrain }

// Run executes the workflow until maxEpochs training epochs have run.
// sources[i] feeds workflow[i]. Phases cycle in order; each runs its epoch
// count. Any hook, data or batch failure aborts immediately and is returned
// as a RuntimeFailure; AfterRun hooks are then not called. Hooks that
// implement io.Closer are closed when Run returns, aborted or not.
func (r *Runner) Run(ctx context.Context, sources []data.Source, workflow []config.Phase, maxEpochs int) error {
	if len(sources) != len(workflow) {
		return errors.NewValueError("Run", "one data source per workflow phase is required")
	}
	trainIdx := -1
	for i, p := range workflow {
		if p.Name != config.PhaseTrain && p.Name != config.PhaseVal {
			return errors.NewValueError("Run", "unknown workflow phase "+p.Name)
		}
		if p.Epochs < 1 {
			return errors.NewValueError("Run", "workflow phase "+p.Name+" needs epochs >= 1")
		}
		if p.Name == config.PhaseTrain && trainIdx < 0 {
			trainIdx = i
		}
	}
	if trainIdx < 0 {
		return errors.NewValueError("Run", "workflow has no train phase")
	}
	r.ctx = ctx
	r.maxEpochs = maxEpochs
	defer r.closeHooks()
	r.maxIters = maxEpochs * sources[trainIdx].Len()

	r.logger.Info("run started",
		log.RunNameKey, r.opts.Name,
		log.RunIDKey, r.opts.RunID,
		log.EpochKey, r.epoch,
		"training.max_epochs", maxEpochs,
		"training.max_iters", r.maxIters,
	)
	if err := r.callHooks(CallbackBeforeRun); err != nil {
		return err
	}

	for r.epoch < maxEpochs {
		for i, phase := range workflow {
			for e := 0; e < phase.Epochs; e++ {
				if phase.Name == config.PhaseTrain && r.epoch >= maxEpochs {
					break
				}
				if err := r.runEpoch(ctx, phase.Name, sources[i]); err != nil {
					return err
				}
			}
		}
	}

	if err := r.callHooks(CallbackAfterRun); err != nil {
		return err
	}
	r.logger.Info("run finished", log.EpochKey, r.epoch, log.IterationKey, r.iter)
	return nil
}

func (r *Runner) closeHooks() {
	for _, h := range r.hooks {
		c, ok := h.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			r.logger.Warn("closing hook failed", log.HookKey, HookName(h), log.ErrAttr(err))
		}
	}
}

func (r *Runner) runEpoch(ctx context.Context, mode string, src data.Source) (err error) {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	r.mode = mode
	r.innerIter = 0
	r.logBuffer.Clear()

	it, err := src.Open(ctx, r.epoch)
	if err != nil {
		return errors.NewRuntimeFailure("data", "source", "open", r.epoch, r.iter, err)
	}
	defer func() {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = errors.NewRuntimeFailure("data", "source", "close", r.epoch, r.iter, cerr)
		}
	}()
	r.maxInner = it.Len()

	r.logger.Debug("epoch started", log.PhaseKey, mode, log.EpochKey, r.epoch, log.StepsPerEpochKey, r.maxInner)
	if err := r.callHooks(CallbackBeforeEpoch); err != nil {
		return err
	}

	train := mode == config.PhaseTrain
	for {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.NewRuntimeFailure("data", "source", "next", r.epoch, r.iter, err)
		}

		if err := r.callHooks(CallbackBeforeIter); err != nil {
			return err
		}
		out, err := r.process(ctx, batch, train)
		if err != nil {
			return errors.NewRuntimeFailure("batch", "processor", "process", r.epoch, r.iter, err)
		}
		r.outputs = out
		r.logBuffer.Update(out.LogVars, out.NumSamples)
		if err := r.callHooks(CallbackAfterIter); err != nil {
			return err
		}

		r.innerIter++
		if train {
			r.iter++
		}
	}

	if err := r.callHooks(CallbackAfterEpoch); err != nil {
		return err
	}
	if train {
		r.epoch++
	}
	return nil
}

func (r *Runner) process(ctx context.Context, b *data.Batch, train bool) (out *Outputs, err error) {
	defer errors.Recover(&err, "batch processor")
	out, err = r.opts.Processor.Process(ctx, r, b, train)
	if err == nil && out == nil {
		err = errors.NewValueError("Process", "no outputs")
	}
	return out, err
}

func (r *Runner) callHooks(callback string) error {
	for _, h := range r.hooks {
		if !r.gate(h, callback) {
			continue
		}
		if err := r.callHook(h, callback); err != nil {
			return errors.NewRuntimeFailure("hook", HookName(h), callback, r.epoch, r.iter, err)
		}
	}
	return nil
}

func (r *Runner) callHook(h Hook, callback string) (err error) {
	defer errors.Recover(&err, HookName(h)+"."+callback)
	return dispatch(h, callback, r)
}

// gate applies a hook's interval. Iteration gating counts training
// iterations in train epochs and inner iterations otherwise.
func (r *Runner) gate(h Hook, callback string) bool {
	k := h.Interval()
	switch callback {
	case CallbackBeforeIter, CallbackAfterIter:
		if r.Training() {
			return due(k, r.iter)
		}
		return due(k, r.innerIter)
	case CallbackBeforeEpoch, CallbackAfterEpoch:
		return due(k, r.epoch)
	default:
		return true
	}
}

// Resume restores loop counters, model and optimizer state from ck. The
// next training epoch is ck.Epoch.
func (r *Runner) Resume(ck *checkpoint.Checkpoint) error {
	if ck.Model == nil {
		return errors.NewValueError("Resume", "checkpoint has no model state")
	}
	if err := r.model.LoadState(ck.Model); err != nil {
		return errors.Wrap(err, "restore model")
	}
	if r.optimizer != nil {
		if err := r.optimizer.LoadState(ck.Optimizer); err != nil {
			return errors.Wrap(err, "restore optimizer")
		}
	}
	r.epoch = ck.Epoch
	r.iter = ck.Iteration
	r.logger.Info("resumed", log.EpochKey, r.epoch, log.IterationKey, r.iter, "checkpoint.path", ck.Path)
	return nil
}

// ResumeFrom loads the checkpoint at path, or the latest valid one when path
// is a directory, and resumes from it.
func (r *Runner) ResumeFrom(path string) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		latest, err := checkpoint.Latest(path)
		if err != nil {
			return err
		}
		path = latest
	}
	ck, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	return r.Resume(ck)
}

// Snapshot captures the current state as a checkpoint.
func (r *Runner) Snapshot() (*checkpoint.Checkpoint, error) {
	st, err := r.model.State()
	if err != nil {
		return nil, err
	}
	ck := &checkpoint.Checkpoint{
		Epoch:     r.epoch,
		Iteration: r.iter,
		Model:     st,
		Meta: map[string]string{
			log.RunNameKey: r.opts.Name,
			log.RunIDKey:   r.opts.RunID,
			"timestamp":    r.Timestamp(),
		},
	}
	if r.optimizer != nil {
		ck.Optimizer = r.optimizer.State()
	}
	return ck, nil
}
