// Package metrics computes detection quality over binned confidence
// statistics that can be summed across workers.
package metrics

import (
	"math"

	"github.com/YuminosukeSato/detrain/data"
)

// IoU はボックス同士のIntersection over Unionを計算する。
// 面積ゼロ同士の場合は0を返す。
func IoU(a, b data.Box) float64 {
	iw := math.Min(a[2], b[2]) - math.Max(a[0], b[0])
	ih := math.Min(a[3], b[3]) - math.Max(a[1], b[1])
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
