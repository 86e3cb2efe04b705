// Package train wires the components of a run together: it turns the
// assembled configuration into datasets, a model, a schedule, an optimizer
// and a runner with the standard hook list, and provides the batch
// processor that performs one training step.
package train

import (
	"sort"
	"strings"
)

// TotalLossKey is the log variable holding the weighted total loss.
const TotalLossKey = "loss"

// ParseLosses reduces the raw loss terms of a step. The total is the
// weighted sum of every term whose name contains "loss"; a term without a
// weight counts once. The returned log variables hold every raw term plus
// the total under "loss".
func ParseLosses(losses, weights map[string]float64) (float64, map[string]float64) {
	keys := make([]string, 0, len(losses))
	for k := range losses {
		keys = append(keys, k)
	}
	// fixed order keeps the float sum identical on every worker
	sort.Strings(keys)

	vars := make(map[string]float64, len(losses)+1)
	var total float64
	for _, k := range keys {
		v := losses[k]
		vars[k] = v
		if !strings.Contains(k, "loss") {
			continue
		}
		w, ok := weights[k]
		if !ok {
			w = 1
		}
		total += w * v
	}
	vars[TotalLossKey] = total
	return total, vars
}
