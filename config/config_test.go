package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/schedule"
)

func validOptions() Options {
	return Options{
		ConfigPath:         "testdata/valid.toml",
		BaseLearningRate:   0.01,
		BatchSizePerDevice: 4,
		Schedule:           "1x",
		WarmupInitLRScale:  3,
		WarmupSteps:        500,
		Epochs:             13,
		Name:               "coco-baseline",
	}
}

func TestLoadValidFile(t *testing.T) {
	f, err := Load("testdata/valid.toml")
	require.NoError(t, err)

	assert.Equal(t, 80, f.Model.NumClasses)
	assert.Equal(t, []int{512, 256}, f.Model.Backbone.HiddenSizes)
	assert.Equal(t, 118287, f.TrainCfg.TotalImages)
	assert.Equal(t, []int{64, 64}, f.Data.Train.ImgScale)
	assert.Equal(t, []Phase{{Name: "train", Epochs: 1}}, f.Workflow)
	assert.Equal(t, 1.0, f.LossWeights["loss_bbox"])
	assert.Equal(t, "mqtt", f.Collective.Backend)
	require.NotNil(t, f.TrainCfg.Shuffle)
	assert.True(t, *f.TrainCfg.Shuffle)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load("testdata/unknown_key.toml")
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "chekpoint_dir")
}

func TestDecodeRejectsMistypedValue(t *testing.T) {
	_, err := Decode(strings.NewReader(`checkpoint_interval = "daily"`))
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("testdata/does_not_exist.toml")
	assert.True(t, errors.IsConfigurationError(err))
}

func TestAssemble(t *testing.T) {
	f, err := Load("testdata/valid.toml")
	require.NoError(t, err)

	opts := validOptions()
	opts.FP16 = true
	opts.UseRCNNBN = true
	opts.UseConv = true
	opts.LabelSmoothing = 0.1

	cfg, err := Assemble(f, opts)
	require.NoError(t, err)

	assert.Equal(t, schedule.KindStep, cfg.Schedule)
	assert.True(t, cfg.FP16)
	assert.True(t, cfg.Model.BBoxHead.UseBN)
	assert.True(t, cfg.Model.BBoxHead.UseConv)
	assert.Equal(t, 0.1, cfg.Model.BBoxHead.LabelSmoothing)
	assert.Equal(t, cfg.OutputsPath, cfg.WorkDir)
	assert.Equal(t, time.Duration(0), cfg.CollectiveTimeout)
	assert.True(t, cfg.Shuffle())
	assert.Len(t, cfg.Data.Val.Mean, 3)
}

func TestAssembleKeepsFileHeadWhenFlagsUnset(t *testing.T) {
	f, err := Decode(strings.NewReader(minimalFile + `
[model.bbox_head]
use_bn = true
label_smoothing = 0.2
`))
	require.NoError(t, err)

	cfg, err := Assemble(f, validOptions())
	require.NoError(t, err)
	assert.True(t, cfg.Model.BBoxHead.UseBN)
	assert.Equal(t, 0.2, cfg.Model.BBoxHead.LabelSmoothing)
	assert.Equal(t, DefaultEpochs, cfg.Epochs)
	assert.Equal(t, []Phase{{Name: PhaseTrain, Epochs: 1}}, cfg.Workflow)
	assert.Equal(t, BackendLocal, cfg.Collective.Backend)
}

const minimalFile = `
[model]
num_classes = 3
  [model.backbone]
  hidden_sizes = [16]

[data.train]
ann_file = "train.json"
img_scale = [8, 8]

[data.val]
ann_file = "val.json"
img_scale = [8, 8]
`

func TestAssembleValidation(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		mutate  func(*Options)
		wantKey string
	}{
		{"missing lr", minimalFile, func(o *Options) { o.BaseLearningRate = 0 }, "base_learning_rate"},
		{"zero batch", minimalFile, func(o *Options) { o.BatchSizePerDevice = 0 }, "batch_size_per_device"},
		{"warmup scale below one", minimalFile, func(o *Options) { o.WarmupInitLRScale = 0.5 }, "warmup_init_lr_scale"},
		{"negative warmup", minimalFile, func(o *Options) { o.WarmupSteps = -1 }, "warmup_steps"},
		{"no warmup", minimalFile, func(o *Options) { o.WarmupSteps = 0 }, "warmup_steps"},
		{"bad log level", "log_level = \"trace\"\n" + minimalFile, nil, "log_level"},
		{"missing val source", strings.Replace(minimalFile, `ann_file = "val.json"`, "", 1), nil, "data.val.ann_file"},
		{"bad img scale", strings.Replace(minimalFile, "img_scale = [8, 8]", "img_scale = [8]", 1), nil, "data.train.img_scale"},
		{"bad workflow phase", minimalFile + "\n[[workflow]]\nphase = \"test\"\nepochs = 1\n", nil, "workflow[0].phase"},
		{"val only workflow", minimalFile + "\n[[workflow]]\nphase = \"val\"\nepochs = 1\n", nil, "workflow"},
		{"bad loss weight name", minimalFile + "\n[loss_weights]\ncls = 1.0\n", nil, "loss_weights.cls"},
		{"mqtt without broker", minimalFile + "\n[collective]\nbackend = \"mqtt\"\n", nil, "collective.broker"},
		{"bad timeout", minimalFile + "\n[collective]\ntimeout = \"soon\"\n", nil, "collective.timeout"},
		{"use conv without fc", minimalFile, func(o *Options) { o.UseConv = true }, "model.bbox_head.shared_fc_size"},
		{"smoothing out of range", minimalFile, func(o *Options) { o.LabelSmoothing = 1.5 }, "model.bbox_head.label_smoothing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(strings.NewReader(tt.file))
			require.NoError(t, err)
			opts := validOptions()
			if tt.mutate != nil {
				tt.mutate(&opts)
			}

			_, err = Assemble(f, opts)
			require.Error(t, err)

			var cfgErr *errors.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.wantKey, cfgErr.Key)
		})
	}
}

func TestAssembleUnsupportedSchedule(t *testing.T) {
	f, err := Decode(strings.NewReader(minimalFile))
	require.NoError(t, err)
	opts := validOptions()
	opts.Schedule = "3x"

	_, err = Assemble(f, opts)
	var schedErr *errors.UnsupportedScheduleError
	require.True(t, errors.As(err, &schedErr))
	assert.True(t, errors.IsConfigurationError(err))
}

func TestParseFlagBool(t *testing.T) {
	for in, want := range map[string]bool{"True": true, "False": false, "true": true, "1": true, "": false} {
		got, err := ParseFlagBool("fp16", in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFlagBool("fp16", "yes")
	assert.True(t, errors.IsConfigurationError(err))
}
