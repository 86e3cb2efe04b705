package collective

import (
	"context"
	"sync"

	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// Group is an in-process process group. Its members are meant to run on
// separate goroutines, one per simulated worker.
type Group struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*round
}

type round struct {
	op       Op
	contribs [][]float64
	arrived  int
	done     chan struct{}
	result   []float64
	err      error
}

// NewGroup creates a group of size members.
func NewGroup(size int) (*Group, error) {
	if size < 1 {
		return nil, errors.NewValueError("NewGroup", "size must be >= 1")
	}
	return &Group{size: size, rounds: make(map[uint64]*round)}, nil
}

// Members returns one communicator per rank. Call it once.
func (g *Group) Members() []Communicator {
	out := make([]Communicator, g.size)
	for r := range out {
		out[r] = &Local{group: g, rank: r}
	}
	return out
}

// Local is a member of a Group.
type Local struct {
	group *Group
	rank  int
	seq   uint64

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.group.size }

func (l *Local) AllReduce(ctx context.Context, op Op, data []float64) ([]float64, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errors.WithStack(errors.ErrCollectiveClosed)
	}
	seq := l.seq
	l.seq++
	l.mu.Unlock()

	r := l.group.join(seq, l.rank, op, data)
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
	if r.err != nil {
		return nil, r.err
	}
	return append([]float64(nil), r.result...), nil
}

func (l *Local) Barrier(ctx context.Context) error {
	_, err := l.AllReduce(ctx, Sum, nil)
	return err
}

// Close marks the member closed. Later calls fail with ErrCollectiveClosed.
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	})
	return nil
}

func (g *Group) join(seq uint64, rank int, op Op, data []float64) *round {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rounds[seq]
	if !ok {
		r = &round{op: op, contribs: make([][]float64, g.size), done: make(chan struct{})}
		g.rounds[seq] = r
	}
	r.contribs[rank] = append([]float64{}, data...)
	if op != r.op {
		r.err = errors.Newf("collective: rank %d called %s in a %s round", rank, op, r.op)
	}
	r.arrived++
	if r.arrived == g.size {
		if r.err == nil {
			r.result, r.err = reduce(r.op, r.contribs)
		}
		r.contribs = nil
		delete(g.rounds, seq)
		close(r.done)
	}
	return r
}
