// Package config assembles the single validated configuration value of a
// run from the TOML configuration file and the command-line options.
//
// Unknown keys in the file are rejected at load time, and every value a
// component consumes is range-checked by Assemble before anything runs.
package config

import (
	"time"

	"github.com/YuminosukeSato/detrain/schedule"
)

// File mirrors the configuration file.
type File struct {
	Model              Model              `toml:"model"`
	TrainCfg           TrainCfg           `toml:"train_cfg"`
	TestCfg            TestCfg            `toml:"test_cfg"`
	Data               Data               `toml:"data"`
	CheckpointInterval int                `toml:"checkpoint_interval"`
	MaxKeepCheckpoints int                `toml:"max_keep_checkpoints"`
	EvaluationInterval int                `toml:"evaluation_interval"`
	OutputsPath        string             `toml:"outputs_path"`
	WorkDir            string             `toml:"work_dir"`
	LogLevel           string             `toml:"log_level"`
	LossWeights        map[string]float64 `toml:"loss_weights"`
	Workflow           []Phase            `toml:"workflow"`
	ResumeFrom         string             `toml:"resume_from"`
	LogConfig          LogConfig          `toml:"log_config"`
	Visualizer         Visualizer         `toml:"visualizer"`
	Collective         Collective         `toml:"collective"`
	MetricsAddr        string             `toml:"metrics_addr"`
}

// Model declares the detector.
type Model struct {
	Type       string   `toml:"type"`
	NumClasses int      `toml:"num_classes"`
	Backbone   Backbone `toml:"backbone"`
	BBoxHead   BBoxHead `toml:"bbox_head"`
}

// Backbone is the feature-extraction submodule. WeightsPath points at the
// pretrained weights loaded positionally after the first forward pass.
type Backbone struct {
	HiddenSizes []int  `toml:"hidden_sizes"`
	WeightsPath string `toml:"weights_path"`
}

// BBoxHead configures the classification and box regression head.
type BBoxHead struct {
	SharedFCSize   int     `toml:"shared_fc_size"`
	UseBN          bool    `toml:"use_bn"`
	UseConv        bool    `toml:"use_conv"`
	LabelSmoothing float64 `toml:"label_smoothing"`
}

// TrainCfg holds training-only knobs. TotalImages overrides the dataset
// size used for steps per epoch (the COCO train2017 count is 118287).
type TrainCfg struct {
	TotalImages int   `toml:"total_images"`
	Seed        int64 `toml:"seed"`
	Shuffle     *bool `toml:"shuffle"`
	Prefetch    int   `toml:"prefetch"`
	Workers     int   `toml:"workers"`
}

// TestCfg holds evaluation thresholds.
type TestCfg struct {
	ScoreThreshold float64 `toml:"score_threshold"`
	IoUThreshold   float64 `toml:"iou_threshold"`
}

// Data lists the train and validation sources.
type Data struct {
	Train DataSource `toml:"train"`
	Val   DataSource `toml:"val"`
}

// DataSource is a COCO-format annotated image set. ImgScale is
// [height, width]. Mean and Std are per RGB channel in [0, 255] units.
type DataSource struct {
	AnnFile   string    `toml:"ann_file"`
	ImgPrefix string    `toml:"img_prefix"`
	ImgScale  []int     `toml:"img_scale"`
	Mean      []float64 `toml:"mean"`
	Std       []float64 `toml:"std"`
}

// Phase is one workflow entry: run Epochs epochs of the named mode.
type Phase struct {
	Name   string `toml:"phase"`
	Epochs int    `toml:"epochs"`
}

// LogConfig configures the text and scalar logger hooks.
type LogConfig struct {
	Interval        int    `toml:"interval"`
	ScalarInterval  int    `toml:"scalar_interval"`
	ProgressionFile string `toml:"progression_file"`
}

// Visualizer configures the prediction rendering hook.
type Visualizer struct {
	Interval int `toml:"interval"`
	TopK     int `toml:"top_k"`
}

// Collective selects the all-reduce transport. Timeout is a duration
// string; empty or "0" blocks forever.
type Collective struct {
	Backend     string `toml:"backend"`
	Broker      string `toml:"broker"`
	TopicPrefix string `toml:"topic_prefix"`
	QoS         int    `toml:"qos"`
	Timeout     string `toml:"timeout"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

// Options are the command-line inputs.
type Options struct {
	ConfigPath         string
	BaseLearningRate   float64
	BatchSizePerDevice int
	FP16               bool
	Schedule           string
	WarmupInitLRScale  float64
	WarmupSteps        int
	Epochs             int
	UseRCNNBN          bool
	UseConv            bool
	LabelSmoothing     float64
	Name               string
	ResumeFrom         string
}

// Config is the assembled, validated configuration of a run.
type Config struct {
	File

	ConfigPath         string
	BaseLearningRate   float64
	BatchSizePerDevice int
	FP16               bool
	Schedule           schedule.Kind
	WarmupInitLRScale  float64
	WarmupSteps        int
	Epochs             int
	Name               string
	CollectiveTimeout  time.Duration
}

// Shuffle reports whether training batches are shuffled within the shard.
func (c *Config) Shuffle() bool {
	return c.TrainCfg.Shuffle == nil || *c.TrainCfg.Shuffle
}

// HasPhase reports whether the workflow contains the named phase.
func (c *Config) HasPhase(name string) bool {
	for _, p := range c.Workflow {
		if p.Name == name {
			return true
		}
	}
	return false
}
