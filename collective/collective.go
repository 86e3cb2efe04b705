// Package collective provides the all-reduce used to keep data-parallel
// workers in lock step. Every rank must issue the same sequence of calls;
// the i-th call of each rank forms one round.
package collective

import (
	"context"
	"math"
	"time"

	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// Op combines the contributions of a round.
type Op int

const (
	// Sum adds contributions in rank order.
	Sum Op = iota
	// Mean is Sum divided by the group size.
	Mean
)

func (o Op) String() string {
	switch o {
	case Sum:
		return "sum"
	case Mean:
		return "mean"
	default:
		return "unknown"
	}
}

// Communicator is one rank's endpoint of a process group.
type Communicator interface {
	Rank() int
	Size() int
	// AllReduce returns op over the data of all ranks. Every rank receives
	// the same result. data is not modified.
	AllReduce(ctx context.Context, op Op, data []float64) ([]float64, error)
	// Barrier returns once every rank has entered it.
	Barrier(ctx context.Context) error
	Close() error
}

// reduce combines contribs, indexed by rank, in rank order so that every
// rank computes a bit-identical result.
func reduce(op Op, contribs [][]float64) ([]float64, error) {
	if len(contribs) == 0 {
		return nil, errors.NewValueError("AllReduce", "no contributions")
	}
	n := len(contribs[0])
	out := make([]float64, n)
	for rank, c := range contribs {
		if len(c) != n {
			return nil, errors.NewDimensionError("AllReduce", n, len(c), rank)
		}
		for i, v := range c {
			out[i] += v
		}
	}
	if op == Mean {
		inv := 1 / float64(len(contribs))
		for i := range out {
			out[i] *= inv
		}
	}
	return out, nil
}

type timed struct {
	Communicator
	timeout time.Duration
}

// WithTimeout bounds every AllReduce and Barrier of c by d. A call that
// runs out of time fails with ErrCollectiveTimeout. d <= 0 returns c.
func WithTimeout(c Communicator, d time.Duration) Communicator {
	if d <= 0 {
		return c
	}
	return &timed{Communicator: c, timeout: d}
}

func (t *timed) AllReduce(ctx context.Context, op Op, data []float64) ([]float64, error) {
	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.Communicator.AllReduce(tctx, op, data)
	return out, t.classify(ctx, err)
}

func (t *timed) Barrier(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.classify(ctx, t.Communicator.Barrier(tctx))
}

func (t *timed) classify(parent context.Context, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return errors.Wrapf(errors.ErrCollectiveTimeout, "rank %d after %s", t.Rank(), t.timeout)
	}
	return err
}

func hasNonFinite(data []float64) bool {
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
