package metrics

import (
	"sort"

	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// DefaultBins is the number of confidence bins.
const DefaultBins = 100

// Detection is one scored, labeled box.
type Detection struct {
	Label int
	Score float64
	Box   data.Box
}

// DetectionStats accumulates per-class true and false positives by
// confidence bin, positive counts, and IoU of the top prediction against the
// image target. All fields are sums, so the stats of several workers combine
// by adding their Vectors.
type DetectionStats struct {
	classes int
	bins    int
	iouThr  float64

	tp        []float64 // classes x bins
	fp        []float64 // classes x bins
	positives []float64 // classes
	iouSum    float64
	iouCount  float64

	Box BoxRegression
}

// NewDetectionStats tracks classes object classes (labels 1..classes).
func NewDetectionStats(classes, bins int, iouThreshold float64) (*DetectionStats, error) {
	if classes < 1 {
		return nil, errors.NewValueError("NewDetectionStats", "classes must be >= 1")
	}
	if bins < 1 {
		bins = DefaultBins
	}
	if iouThreshold <= 0 || iouThreshold > 1 {
		return nil, errors.NewValueError("NewDetectionStats", "iou threshold must be in (0, 1]")
	}
	return &DetectionStats{
		classes:   classes,
		bins:      bins,
		iouThr:    iouThreshold,
		tp:        make([]float64, classes*bins),
		fp:        make([]float64, classes*bins),
		positives: make([]float64, classes),
	}, nil
}

func (s *DetectionStats) bin(score float64) int {
	b := int(score * float64(s.bins))
	if b < 0 {
		return 0
	}
	if b >= s.bins {
		return s.bins - 1
	}
	return b
}

// AddImage matches the detections of one image against its ground truth.
// Detections are taken in descending score order; each claims the unmatched
// ground-truth object of its class with the highest IoU at or above the
// threshold. Crowd objects are not positives, and a detection matching one
// counts as neither true nor false positive.
func (s *DetectionStats) AddImage(dets []Detection, truth []data.Object) {
	for _, o := range truth {
		if !o.Crowd && o.Label >= 1 && o.Label <= s.classes {
			s.positives[o.Label-1]++
		}
	}

	sorted := append([]Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	matched := make([]bool, len(truth))
	for _, d := range sorted {
		if d.Label < 1 || d.Label > s.classes {
			continue
		}
		best, bestIoU := -1, s.iouThr
		crowd := false
		for i, o := range truth {
			if o.Label != d.Label {
				continue
			}
			iou := IoU(d.Box, o.Box)
			if iou < s.iouThr {
				continue
			}
			if o.Crowd {
				crowd = true
				continue
			}
			if !matched[i] && iou >= bestIoU {
				best, bestIoU = i, iou
			}
		}
		idx := (d.Label-1)*s.bins + s.bin(d.Score)
		switch {
		case best >= 0:
			matched[best] = true
			s.tp[idx]++
		case crowd:
			// ignored
		default:
			s.fp[idx]++
		}
	}
}

// AddLocalization records the IoU and coordinate error of the predicted box
// against the image target. Background targets are skipped.
func (s *DetectionStats) AddLocalization(pred data.Box, target data.Object) {
	if target.Label == 0 {
		return
	}
	s.iouSum += IoU(pred, target.Box)
	s.iouCount++
	s.Box.Add(pred, target.Box)
}

// Vector flattens the stats for summation across workers.
func (s *DetectionStats) Vector() []float64 {
	out := make([]float64, 0, s.vectorLen())
	out = append(out, s.tp...)
	out = append(out, s.fp...)
	out = append(out, s.positives...)
	out = append(out, s.iouSum, s.iouCount)
	return append(out, s.Box.Vector()...)
}

// SetVector replaces the stats with a (summed) Vector.
func (s *DetectionStats) SetVector(v []float64) error {
	if len(v) != s.vectorLen() {
		return errors.NewDimensionError("DetectionStats.SetVector", s.vectorLen(), len(v), 0)
	}
	n := s.classes * s.bins
	copy(s.tp, v[:n])
	copy(s.fp, v[n:2*n])
	copy(s.positives, v[2*n:2*n+s.classes])
	rest := v[2*n+s.classes:]
	s.iouSum, s.iouCount = rest[0], rest[1]
	return s.Box.SetVector(rest[2:])
}

func (s *DetectionStats) vectorLen() int {
	return 2*s.classes*s.bins + s.classes + 2 + boxRegressionLen
}

// AP returns the average precision of class label (1-based) and whether it
// is defined, which requires at least one positive. Precision is
// interpolated to be non-increasing in recall.
func (s *DetectionStats) AP(label int) (float64, bool) {
	pos := s.positives[label-1]
	if pos == 0 {
		return 0, false
	}
	tp := s.tp[(label-1)*s.bins : label*s.bins]
	fp := s.fp[(label-1)*s.bins : label*s.bins]

	var recall, precision []float64
	var cumTP, cumFP float64
	for b := s.bins - 1; b >= 0; b-- {
		if tp[b] == 0 && fp[b] == 0 {
			continue
		}
		cumTP += tp[b]
		cumFP += fp[b]
		recall = append(recall, cumTP/pos)
		precision = append(precision, cumTP/(cumTP+cumFP))
	}
	for i := len(precision) - 2; i >= 0; i-- {
		if precision[i+1] > precision[i] {
			precision[i] = precision[i+1]
		}
	}
	ap, prev := 0.0, 0.0
	for i := range recall {
		ap += (recall[i] - prev) * precision[i]
		prev = recall[i]
	}
	return ap, true
}

// MAP averages AP over classes with positives. With none it emits an
// UndefinedMetricWarning and returns 0.
func (s *DetectionStats) MAP() float64 {
	var sum float64
	var n int
	for k := 1; k <= s.classes; k++ {
		if ap, ok := s.AP(k); ok {
			sum += ap
			n++
		}
	}
	if n == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("bbox_mAP", "no positive objects", 0))
		return 0
	}
	return sum / float64(n)
}

// MeanIoU is the mean localization IoU, 0 when nothing was recorded.
func (s *DetectionStats) MeanIoU() float64 {
	if s.iouCount == 0 {
		return 0
	}
	return s.iouSum / s.iouCount
}
