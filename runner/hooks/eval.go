package hooks

import (
	"io"

	"github.com/YuminosukeSato/detrain/collective"
	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/detector"
	"github.com/YuminosukeSato/detrain/metrics"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/pkg/log"
	"github.com/YuminosukeSato/detrain/runner"
)

// Metric names written by EvalHook.
const (
	MetricMAP  = "bbox_mAP"
	MetricMIoU = "bbox_mIoU"
	MetricMAE  = "bbox_mae"
)

// Predictor is the read-only view of a model EvalHook needs.
type Predictor interface {
	Predict(b *data.Batch) ([]detector.Prediction, error)
	NumClasses() int
}

// EvalHook runs a full pass over the validation shard after every
// Interval-th training epoch, sums the detection statistics of all workers
// and publishes bbox_mAP, bbox_mIoU and bbox_mae. It only reads the model.
type EvalHook struct {
	runner.BaseHook

	Source         data.Source
	Model          Predictor
	Every          int
	ScoreThreshold float64
	IoUThreshold   float64
	Bins           int
}

func (h *EvalHook) Name() string  { return "EvalHook" }
func (h *EvalHook) Interval() int { return h.Every }

func (h *EvalHook) AfterEpoch(r *runner.Runner) error {
	if r.Mode() != config.PhaseTrain {
		return nil
	}
	results, err := h.Evaluate(r)
	if err != nil {
		return err
	}
	buf := r.LogBuffer()
	for k, v := range results {
		r.SetMetric(k, v)
		buf.Output[k] = v
	}
	buf.Ready = true
	r.Logger().Info("evaluation finished",
		log.EpochKey, r.Epoch(),
		log.MAPKey, results[MetricMAP],
		"metrics.bbox_miou", results[MetricMIoU],
	)
	return nil
}

// Evaluate computes the metrics without touching runner counters.
func (h *EvalHook) Evaluate(r *runner.Runner) (map[string]float64, error) {
	stats, err := metrics.NewDetectionStats(h.Model.NumClasses(), h.Bins, h.IoUThreshold)
	if err != nil {
		return nil, err
	}
	ctx := r.Context()
	it, err := h.Source.Open(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for {
		b, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		preds, err := h.Model.Predict(b)
		if err != nil {
			return nil, err
		}
		for i, p := range preds {
			dets := make([]metrics.Detection, 0)
			for _, d := range p.Detections(h.ScoreThreshold) {
				dets = append(dets, metrics.Detection{Label: d.Label, Score: d.Score, Box: d.Box})
			}
			stats.AddImage(dets, b.Objects[i])
			stats.AddLocalization(p.Box, b.Targets[i])
		}
	}

	if comm := r.Comm(); comm != nil && comm.Size() > 1 {
		sum, err := comm.AllReduce(ctx, collective.Sum, stats.Vector())
		if err != nil {
			return nil, err
		}
		if err := stats.SetVector(sum); err != nil {
			return nil, err
		}
	}

	results := map[string]float64{
		MetricMAP:  stats.MAP(),
		MetricMIoU: stats.MeanIoU(),
	}
	if mae, err := stats.Box.MAE(); err == nil {
		results[MetricMAE] = mae
	}
	return results, nil
}
