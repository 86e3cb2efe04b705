package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/pkg/log"
	"github.com/YuminosukeSato/detrain/schedule"
)

// Defaults applied to keys the file leaves unset.
const (
	DefaultEpochs             = 13
	DefaultCheckpointInterval = 1
	DefaultEvaluationInterval = 1
	DefaultOutputsPath        = "./outputs"
	DefaultLogInterval        = 10
	DefaultScalarInterval     = 10
	DefaultVisualizerInterval = 100
	DefaultVisualizerTopK     = 10
	DefaultPrefetch           = 2
	DefaultScoreThreshold     = 0.05
	DefaultIoUThreshold       = 0.5
	DefaultTopicPrefix        = "detrain"

	ModelReference = "reference"
	PhaseTrain     = "train"
	PhaseVal       = "val"
	BackendLocal   = "local"
	BackendMQTT    = "mqtt"
)

var (
	defaultMean = []float64{123.675, 116.28, 103.53}
	defaultStd  = []float64{58.395, 57.12, 57.375}
)

// Assemble merges the command-line options into the file configuration,
// applies the model hyperparameter overrides, fills defaults and validates
// the result. It is the only place a Config is constructed.
func Assemble(f File, opts Options) (*Config, error) {
	cfg := &Config{
		File:               f,
		ConfigPath:         opts.ConfigPath,
		BaseLearningRate:   opts.BaseLearningRate,
		BatchSizePerDevice: opts.BatchSizePerDevice,
		FP16:               opts.FP16,
		WarmupInitLRScale:  opts.WarmupInitLRScale,
		WarmupSteps:        opts.WarmupSteps,
		Epochs:             opts.Epochs,
		Name:               opts.Name,
	}
	if opts.ResumeFrom != "" {
		cfg.ResumeFrom = opts.ResumeFrom
	}

	// command-line overrides of the box head
	if opts.LabelSmoothing > 0 {
		cfg.Model.BBoxHead.LabelSmoothing = opts.LabelSmoothing
	}
	if opts.UseRCNNBN {
		cfg.Model.BBoxHead.UseBN = true
	}
	if opts.UseConv {
		cfg.Model.BBoxHead.UseConv = true
	}

	cfg.applyDefaults()

	kind, err := schedule.ParseKind(opts.Schedule)
	if err != nil {
		return nil, err
	}
	cfg.Schedule = kind

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Epochs == 0 {
		c.Epochs = DefaultEpochs
	}
	if c.Model.Type == "" {
		c.Model.Type = ModelReference
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.EvaluationInterval == 0 {
		c.EvaluationInterval = DefaultEvaluationInterval
	}
	if c.OutputsPath == "" {
		c.OutputsPath = DefaultOutputsPath
	}
	if c.WorkDir == "" {
		c.WorkDir = c.OutputsPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.LossWeights) == 0 {
		c.LossWeights = map[string]float64{"loss_cls": 1, "loss_bbox": 1}
	}
	if len(c.Workflow) == 0 {
		c.Workflow = []Phase{{Name: PhaseTrain, Epochs: 1}}
	}
	if c.TrainCfg.Prefetch == 0 {
		c.TrainCfg.Prefetch = DefaultPrefetch
	}
	if c.TestCfg.ScoreThreshold == 0 {
		c.TestCfg.ScoreThreshold = DefaultScoreThreshold
	}
	if c.TestCfg.IoUThreshold == 0 {
		c.TestCfg.IoUThreshold = DefaultIoUThreshold
	}
	if c.LogConfig.Interval == 0 {
		c.LogConfig.Interval = DefaultLogInterval
	}
	if c.LogConfig.ScalarInterval == 0 {
		c.LogConfig.ScalarInterval = DefaultScalarInterval
	}
	if c.Visualizer.Interval == 0 {
		c.Visualizer.Interval = DefaultVisualizerInterval
	}
	if c.Visualizer.TopK == 0 {
		c.Visualizer.TopK = DefaultVisualizerTopK
	}
	if c.Collective.Backend == "" {
		c.Collective.Backend = BackendLocal
	}
	if c.Collective.TopicPrefix == "" {
		c.Collective.TopicPrefix = DefaultTopicPrefix
	}
	for _, ds := range []*DataSource{&c.Data.Train, &c.Data.Val} {
		if len(ds.Mean) == 0 {
			ds.Mean = append([]float64(nil), defaultMean...)
		}
		if len(ds.Std) == 0 {
			ds.Std = append([]float64(nil), defaultStd...)
		}
	}
}

// Validate checks every consumed key and resolves the collective timeout.
// The first problem found is returned as a ConfigurationError naming the key.
func (c *Config) Validate() error {
	checks := []func() error{
		c.validateRun,
		c.validateModel,
		c.validateData,
		c.validateLoop,
		c.validateCollective,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateRun() error {
	switch {
	case c.BaseLearningRate <= 0:
		return errors.NewConfigurationError("base_learning_rate", "must be > 0", c.BaseLearningRate)
	case c.BatchSizePerDevice < 1:
		return errors.NewConfigurationError("batch_size_per_device", "must be >= 1", c.BatchSizePerDevice)
	case c.WarmupInitLRScale < 1:
		return errors.NewConfigurationError("warmup_init_lr_scale", "must be >= 1", c.WarmupInitLRScale)
	case c.WarmupSteps < 1:
		return errors.NewConfigurationError("warmup_steps", "must be >= 1", c.WarmupSteps)
	case c.Epochs < 1:
		return errors.NewConfigurationError("epochs", "must be >= 1", c.Epochs)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.NewConfigurationError("log_level", "must be one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

func (c *Config) validateModel() error {
	m := c.Model
	if m.Type != ModelReference {
		return errors.NewConfigurationError("model.type", "unknown model type", m.Type)
	}
	if m.NumClasses < 1 {
		return errors.NewConfigurationError("model.num_classes", "must be >= 1", m.NumClasses)
	}
	if len(m.Backbone.HiddenSizes) == 0 {
		return errors.NewConfigurationError("model.backbone.hidden_sizes", "at least one layer is required", nil)
	}
	for i, h := range m.Backbone.HiddenSizes {
		if h < 1 {
			return errors.NewConfigurationError(fmt.Sprintf("model.backbone.hidden_sizes[%d]", i), "must be >= 1", h)
		}
	}
	if m.BBoxHead.UseConv && m.BBoxHead.SharedFCSize < 1 {
		return errors.NewConfigurationError("model.bbox_head.shared_fc_size", "must be >= 1 when use_conv is set", m.BBoxHead.SharedFCSize)
	}
	if ls := m.BBoxHead.LabelSmoothing; ls < 0 || ls >= 1 {
		return errors.NewConfigurationError("model.bbox_head.label_smoothing", "must be in [0, 1)", ls)
	}
	return nil
}

func (c *Config) validateData() error {
	if err := validateSource("data.train", c.Data.Train); err != nil {
		return err
	}
	if err := validateSource("data.val", c.Data.Val); err != nil {
		return err
	}
	if c.TrainCfg.TotalImages < 0 {
		return errors.NewConfigurationError("train_cfg.total_images", "must be >= 0", c.TrainCfg.TotalImages)
	}
	if c.TrainCfg.Prefetch < 0 {
		return errors.NewConfigurationError("train_cfg.prefetch", "must be >= 0", c.TrainCfg.Prefetch)
	}
	if c.TrainCfg.Workers < 0 {
		return errors.NewConfigurationError("train_cfg.workers", "must be >= 0", c.TrainCfg.Workers)
	}
	return nil
}

func validateSource(key string, ds DataSource) error {
	if ds.AnnFile == "" {
		return errors.NewConfigurationError(key+".ann_file", "is required", nil)
	}
	if len(ds.ImgScale) != 2 || ds.ImgScale[0] < 1 || ds.ImgScale[1] < 1 {
		return errors.NewConfigurationError(key+".img_scale", "must be [height, width] with positive sides", ds.ImgScale)
	}
	if len(ds.Mean) != 3 {
		return errors.NewConfigurationError(key+".mean", "must have 3 channels", ds.Mean)
	}
	if len(ds.Std) != 3 {
		return errors.NewConfigurationError(key+".std", "must have 3 channels", ds.Std)
	}
	for _, s := range ds.Std {
		if s <= 0 {
			return errors.NewConfigurationError(key+".std", "must be > 0", ds.Std)
		}
	}
	return nil
}

func (c *Config) validateLoop() error {
	switch {
	case c.CheckpointInterval < 1:
		return errors.NewConfigurationError("checkpoint_interval", "must be >= 1", c.CheckpointInterval)
	case c.MaxKeepCheckpoints < 0:
		return errors.NewConfigurationError("max_keep_checkpoints", "must be >= 0", c.MaxKeepCheckpoints)
	case c.EvaluationInterval < 1:
		return errors.NewConfigurationError("evaluation_interval", "must be >= 1", c.EvaluationInterval)
	case c.LogConfig.Interval < 1:
		return errors.NewConfigurationError("log_config.interval", "must be >= 1", c.LogConfig.Interval)
	case c.LogConfig.ScalarInterval < 1:
		return errors.NewConfigurationError("log_config.scalar_interval", "must be >= 1", c.LogConfig.ScalarInterval)
	case c.Visualizer.Interval < 1:
		return errors.NewConfigurationError("visualizer.interval", "must be >= 1", c.Visualizer.Interval)
	case c.Visualizer.TopK < 1:
		return errors.NewConfigurationError("visualizer.top_k", "must be >= 1", c.Visualizer.TopK)
	case c.TestCfg.IoUThreshold <= 0 || c.TestCfg.IoUThreshold > 1:
		return errors.NewConfigurationError("test_cfg.iou_threshold", "must be in (0, 1]", c.TestCfg.IoUThreshold)
	case c.TestCfg.ScoreThreshold < 0 || c.TestCfg.ScoreThreshold >= 1:
		return errors.NewConfigurationError("test_cfg.score_threshold", "must be in [0, 1)", c.TestCfg.ScoreThreshold)
	}

	hasTrain := false
	for i, p := range c.Workflow {
		key := fmt.Sprintf("workflow[%d]", i)
		if p.Name != PhaseTrain && p.Name != PhaseVal {
			return errors.NewConfigurationError(key+".phase", "must be train or val", p.Name)
		}
		if p.Epochs < 1 {
			return errors.NewConfigurationError(key+".epochs", "must be >= 1", p.Epochs)
		}
		hasTrain = hasTrain || p.Name == PhaseTrain
	}
	if !hasTrain {
		return errors.NewConfigurationError("workflow", "needs a train phase", c.Workflow)
	}

	for name, w := range c.LossWeights {
		if !strings.Contains(name, "loss") {
			return errors.NewConfigurationError("loss_weights."+name, "loss term names must contain 'loss'", name)
		}
		if w < 0 {
			return errors.NewConfigurationError("loss_weights."+name, "must be >= 0", w)
		}
	}
	return nil
}

func (c *Config) validateCollective() error {
	col := c.Collective
	switch col.Backend {
	case BackendLocal:
	case BackendMQTT:
		if col.Broker == "" {
			return errors.NewConfigurationError("collective.broker", "is required for the mqtt backend", nil)
		}
		if col.QoS < 0 || col.QoS > 2 {
			return errors.NewConfigurationError("collective.qos", "must be 0, 1 or 2", col.QoS)
		}
	default:
		return errors.NewConfigurationError("collective.backend", "must be local or mqtt", col.Backend)
	}
	if col.Timeout != "" {
		d, err := time.ParseDuration(col.Timeout)
		if err != nil || d < 0 {
			return errors.NewConfigurationError("collective.timeout", "must be a non-negative duration", col.Timeout)
		}
		c.CollectiveTimeout = d
	}
	return nil
}
