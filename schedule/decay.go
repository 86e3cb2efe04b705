package schedule

import (
	"fmt"
	"math"
	"sort"

	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// PiecewiseConstant returns values[0] up to and including boundaries[0],
// values[i+1] for boundaries[i] < step <= boundaries[i+1], and the last
// value past the final boundary.
type PiecewiseConstant struct {
	boundaries []int
	values     []float64
}

// NewPiecewiseConstant requires len(values) == len(boundaries)+1 and
// strictly increasing boundaries.
func NewPiecewiseConstant(boundaries []int, values []float64) (*PiecewiseConstant, error) {
	if len(values) != len(boundaries)+1 {
		return nil, errors.NewValueError("PiecewiseConstant",
			fmt.Sprintf("need %d values for %d boundaries, got %d", len(boundaries)+1, len(boundaries), len(values)))
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] <= boundaries[i-1] {
			return nil, errors.NewValueError("PiecewiseConstant", "boundaries must be strictly increasing")
		}
	}
	return &PiecewiseConstant{
		boundaries: append([]int(nil), boundaries...),
		values:     append([]float64(nil), values...),
	}, nil
}

func (p *PiecewiseConstant) Rate(step int) float64 {
	// first boundary b with step <= b
	i := sort.SearchInts(p.boundaries, step)
	return p.values[i]
}

func (p *PiecewiseConstant) Name() string { return "piecewise_constant" }

// Boundaries returns a copy of the step boundaries.
func (p *PiecewiseConstant) Boundaries() []int {
	return append([]int(nil), p.boundaries...)
}

// CosineOptions configures CosineDecayRestarts. TMul stretches each cycle
// relative to the previous one, MMul scales each restart's peak rate, and
// Alpha is the floor as a fraction of InitialRate.
type CosineOptions struct {
	InitialRate     float64
	FirstDecaySteps int
	TMul            float64
	MMul            float64
	Alpha           float64
}

// CosineDecayRestarts is SGDR: cosine annealing from the peak rate to
// Alpha*peak over a cycle, then a restart.
type CosineDecayRestarts struct {
	opts CosineOptions
}

func NewCosineDecayRestarts(opts CosineOptions) (*CosineDecayRestarts, error) {
	if opts.FirstDecaySteps < 1 {
		return nil, errors.NewValueError("CosineDecayRestarts", "first decay steps must be >= 1")
	}
	if opts.TMul <= 0 || opts.MMul <= 0 {
		return nil, errors.NewValueError("CosineDecayRestarts", "t_mul and m_mul must be > 0")
	}
	return &CosineDecayRestarts{opts: opts}, nil
}

func (c *CosineDecayRestarts) Rate(step int) float64 {
	o := c.opts
	frac := float64(step) / float64(o.FirstDecaySteps)

	var restart float64
	if o.TMul == 1 {
		restart = math.Floor(frac)
		frac -= restart
	} else {
		restart = math.Floor(math.Log(1-frac*(1-o.TMul)) / math.Log(o.TMul))
		sumR := (1 - math.Pow(o.TMul, restart)) / (1 - o.TMul)
		frac = (frac - sumR) / math.Pow(o.TMul, restart)
	}

	mFac := math.Pow(o.MMul, restart)
	cosineDecayed := 0.5 * mFac * (1 + math.Cos(math.Pi*frac))
	decayed := (1-o.Alpha)*cosineDecayed + o.Alpha
	return o.InitialRate * decayed
}

func (c *CosineDecayRestarts) Name() string { return "cosine_decay_restarts" }
