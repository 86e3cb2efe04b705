// Package detrain launches distributed training of object detectors.
//
// A run is described by a TOML experiment file plus command-line
// overrides. Every worker process reads its placement from the environment
// (RANK, WORLD_SIZE, LOCAL_RANK, CUDA_VISIBLE_DEVICES), loads its shard of
// the dataset and builds the same model, learning rate schedule and
// optimizer. The runner then drives the configured workflow phases and
// calls its hooks in priority order.
//
// # Quick Start
//
// Train on a single worker:
//
//	detrain --configuration configs/reference_coco.toml --epochs 2
//
// Train on four workers sharing an MQTT broker:
//
//	RANK=0 WORLD_SIZE=4 detrain --configuration exp.toml --fp16 true
//
// # Learning rate
//
// The base learning rate is given for a global batch of 8 images and scaled
// linearly:
//
//	lr = base_learning_rate * batch_size_per_device * WORLD_SIZE / 8
//
// The schedule is either the 1x step schedule (decay by 10 at epochs 8 and
// 10) or cosine decay over 12 epochs, both preceded by a linear warmup.
//
// # Packages
//
//   - cmd/detrain: command-line entry point
//   - config: experiment file loading, flag overrides and validation
//   - worker: process placement from the environment
//   - data: COCO style datasets and sharded loaders
//   - detector: the reference detection model
//   - schedule, optim: learning rate schedules and optimizers
//   - collective: all-reduce over a local group or an MQTT broker
//   - runner, runner/hooks: the training loop and its hooks
//   - checkpoint: atomic checkpoint files
//   - metrics: detection metrics
//   - train: wiring of all of the above into a job
//   - core/model, core/parallel, preprocessing: shared building blocks
//   - pkg/errors, pkg/log: error taxonomy and structured logging
package detrain
