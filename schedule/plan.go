package schedule

import (
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// ReferenceBatchSize is the global batch size the base learning rate is
// tuned for. Rates scale linearly from it.
const ReferenceBatchSize = 8

// BatchPlan holds the values derived from the per-device batch size and the
// number of workers.
type BatchPlan struct {
	BatchPerDevice  int
	WorldSize       int
	GlobalBatchSize int
	TotalImages     int
	StepsPerEpoch   int
	BaseLR          float64
	ScaledLR        float64
}

// NewBatchPlan derives the global batch size, steps per epoch (remainder
// images dropped) and the linearly scaled learning rate.
func NewBatchPlan(batchPerDevice, worldSize, totalImages int, baseLR float64) (BatchPlan, error) {
	if batchPerDevice < 1 {
		return BatchPlan{}, errors.NewConfigurationError("batch_size_per_device", "must be >= 1", batchPerDevice)
	}
	if worldSize < 1 {
		return BatchPlan{}, errors.NewConfigurationError("world_size", "must be >= 1", worldSize)
	}
	if baseLR <= 0 {
		return BatchPlan{}, errors.NewConfigurationError("base_learning_rate", "must be > 0", baseLR)
	}
	global := batchPerDevice * worldSize
	spe := totalImages / global
	if spe < 1 {
		return BatchPlan{}, errors.NewConfigurationError("train_cfg.total_images",
			"fewer images than one global batch", totalImages)
	}
	return BatchPlan{
		BatchPerDevice:  batchPerDevice,
		WorldSize:       worldSize,
		GlobalBatchSize: global,
		TotalImages:     totalImages,
		StepsPerEpoch:   spe,
		BaseLR:          baseLR,
		ScaledLR:        baseLR * float64(global) / ReferenceBatchSize,
	}, nil
}

// TotalSteps is the number of optimizer steps in epochs epochs.
func (p BatchPlan) TotalSteps(epochs int) int {
	return p.StepsPerEpoch * epochs
}
