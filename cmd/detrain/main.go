// Command detrain launches one worker of a distributed detector training
// run. Start one process per accelerator with RANK, WORLD_SIZE, LOCAL_RANK
// and VISIBLE_DEVICES set by the launcher.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/detrain/config"
)

type flags struct {
	configuration      string
	baseLearningRate   float64
	batchSizePerDevice int
	fp16               string
	schedule           string
	warmupInitLRScale  float64
	warmupSteps        int
	epochs             int
	useRCNNBN          string
	useConv            string
	labelSmoothing     float64
	name               string
	resumeFrom         string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "detrain",
		Short:         "Distributed detector training",
		Long:          `detrain trains an object detector on a COCO-format dataset. Each process is one worker of the run.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.configuration, "configuration", "", "Model configuration file")
	fs.Float64Var(&f.baseLearningRate, "base_learning_rate", 0, "Learning rate for a global batch of 8")
	fs.IntVar(&f.batchSizePerDevice, "batch_size_per_device", 0, "Images per device and step")
	fs.StringVar(&f.fp16, "fp16", "", "Dynamic loss scaling (True/False)")
	fs.StringVar(&f.schedule, "schedule", "", "Learning rate schedule type (1x or cosine)")
	fs.Float64Var(&f.warmupInitLRScale, "warmup_init_lr_scale", 0, "Warmup starts at the learning rate divided by this")
	fs.IntVar(&f.warmupSteps, "warmup_steps", 0, "Linear warmup steps")
	fs.IntVar(&f.epochs, "epochs", config.DefaultEpochs, "Training epochs")
	fs.StringVar(&f.useRCNNBN, "use_rcnn_bn", "", "Batch norm in the box head (True/False)")
	fs.StringVar(&f.useConv, "use_conv", "", "Shared layer in the box head (True/False)")
	fs.Float64Var(&f.labelSmoothing, "ls", 0, "Label smoothing of the box head")
	fs.StringVar(&f.name, "name", "", "Run name, generated when empty")
	fs.StringVar(&f.resumeFrom, "resume_from", "", "Checkpoint file or directory to resume from")
	_ = cmd.MarkFlagRequired("configuration")

	return cmd
}

func (f *flags) options() (config.Options, error) {
	fp16, err := config.ParseFlagBool("fp16", f.fp16)
	if err != nil {
		return config.Options{}, err
	}
	useBN, err := config.ParseFlagBool("use_rcnn_bn", f.useRCNNBN)
	if err != nil {
		return config.Options{}, err
	}
	useConv, err := config.ParseFlagBool("use_conv", f.useConv)
	if err != nil {
		return config.Options{}, err
	}
	return config.Options{
		ConfigPath:         f.configuration,
		BaseLearningRate:   f.baseLearningRate,
		BatchSizePerDevice: f.batchSizePerDevice,
		FP16:               fp16,
		Schedule:           f.schedule,
		WarmupInitLRScale:  f.warmupInitLRScale,
		WarmupSteps:        f.warmupSteps,
		Epochs:             f.epochs,
		UseRCNNBN:          useBN,
		UseConv:            useConv,
		LabelSmoothing:     f.labelSmoothing,
		Name:               f.name,
		ResumeFrom:         f.resumeFrom,
	}, nil
}
