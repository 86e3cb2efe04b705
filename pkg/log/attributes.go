// Standard attribute keys for training logs.
//
// Keys follow a hierarchical naming convention ("training.epoch",
// "infra.worker_id") so that records from every worker of a run can be
// filtered and joined in the log backend.

package log

// Run and component context.
const (
	// RunNameKey is the human readable run name (--name).
	RunNameKey = "run.name"

	// RunIDKey is the unique id assigned to a run at startup.
	RunIDKey = "run.id"

	// ComponentKey identifies which package emitted the record.
	// Examples: "runner", "collective", "checkpoint"
	ComponentKey = "ml.component"

	// HookKey names the hook a record relates to.
	HookKey = "runner.hook"

	// PhaseKey is the workflow phase, "train" or "val".
	PhaseKey = "ml.phase"
)

// Data shape.
const (
	// SamplesKey is the number of samples in a dataset or shard.
	SamplesKey = "data.samples"

	// FeaturesKey is the per-sample input width.
	FeaturesKey = "data.features"

	// BatchSizeKey is the per-device batch size.
	BatchSizeKey = "data.batch_size"

	// GlobalBatchSizeKey is the batch size summed over all workers.
	GlobalBatchSizeKey = "data.global_batch_size"
)

// Progress and metrics.
const (
	DurationMsKey      = "perf.duration_ms"
	DurationSecondsKey = "perf.duration_seconds"

	// LossKey records the weighted total loss.
	LossKey = "metrics.loss"

	// MAPKey records the bbox mean average precision from evaluation.
	MAPKey = "metrics.bbox_map"

	// IterationKey is the global train iteration (0-based).
	IterationKey = "training.iteration"

	// EpochKey is the 0-based epoch index.
	EpochKey = "training.epoch"

	// StepsPerEpochKey is the schedule's notion of an epoch in optimizer steps.
	StepsPerEpochKey = "training.steps_per_epoch"

	// LossScaleKey is the current dynamic loss scale.
	LossScaleKey = "training.loss_scale"
)

// Hyperparameters and configuration.
const (
	LearningRateKey = "hyperparams.learning_rate"
	ScheduleKey     = "hyperparams.schedule"
	WarmupStepsKey  = "hyperparams.warmup_steps"
	RandomSeedKey   = "config.random_seed"
	ConfigPathKey   = "config.path"
)

// Infrastructure.
const (
	HostnameKey = "infra.hostname"

	// GPUIDKey is the accelerator bound by this worker, -1 for the host.
	GPUIDKey = "infra.gpu_id"

	// WorkerIDKey is the global rank.
	WorkerIDKey = "infra.worker_id"

	// WorldSizeKey is the number of workers in the job.
	WorldSizeKey = "infra.world_size"

	// LocalRankKey is the rank within the host.
	LocalRankKey = "infra.local_rank"
)

// Phase values.
const (
	PhaseTraining   = "train"
	PhaseValidation = "val"
)
