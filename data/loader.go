package data

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detrain/core/parallel"
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// Batch is a stacked set of samples. Inputs has one row per sample.
type Batch struct {
	Inputs   *mat.Dense
	Targets  []Object
	Objects  [][]Object
	ImageIDs []int
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Targets) }

// Iterator yields the batches of one epoch. Next returns io.EOF after the
// last batch. Close must be called on every exit path; it stops the
// prefetcher and is safe to call more than once.
type Iterator interface {
	Next(ctx context.Context) (*Batch, error)
	Close() error
	Len() int
}

// Source is a restartable, per-epoch batch sequence.
type Source interface {
	Open(ctx context.Context, epoch int) (Iterator, error)
	Len() int
}

// Partition returns the indices of [0, n) owned by rank: i % worldSize == rank.
// The shards of all ranks are disjoint and cover every index exactly once.
func Partition(n, rank, worldSize int) []int {
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		return nil
	}
	out := make([]int, 0, (n-rank+worldSize-1)/worldSize)
	for i := rank; i < n; i += worldSize {
		out = append(out, i)
	}
	return out
}

// LoaderOptions configures a Loader.
//
// With Balanced set every rank draws the same number of samples per epoch,
// floor(n / WorldSize), so that the per-iteration all-reduce stays in lock
// step; the few shard entries beyond that are skipped for the epoch after
// shuffling. An epoch then covers floor(n/WorldSize)*WorldSize distinct
// samples rather than all n. DropLast drops a trailing partial batch.
type LoaderOptions struct {
	BatchSize int
	Rank      int
	WorldSize int
	Shuffle   bool
	Seed      int64
	Prefetch  int
	Workers   int
	Balanced  bool
	DropLast  bool
}

// Loader is a Source over one rank's shard of a Dataset.
type Loader struct {
	ds    Dataset
	opts  LoaderOptions
	shard []int
	take  int
}

func NewLoader(ds Dataset, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize < 1 {
		return nil, errors.NewConfigurationError("batch_size_per_device", "must be >= 1", opts.BatchSize)
	}
	if opts.WorldSize < 1 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, errors.NewConfigurationError("RANK", "must be in [0, WORLD_SIZE)", opts.Rank)
	}
	if opts.Prefetch < 0 {
		opts.Prefetch = 0
	}
	shard := Partition(ds.Len(), opts.Rank, opts.WorldSize)
	take := len(shard)
	if opts.Balanced {
		take = ds.Len() / opts.WorldSize
	}
	l := &Loader{ds: ds, opts: opts, shard: shard, take: take}
	if l.Len() == 0 {
		return nil, errors.Wrapf(errors.ErrEmptyData, "rank %d has no batch of size %d", opts.Rank, opts.BatchSize)
	}
	return l, nil
}

// Len is the number of batches per epoch.
func (l *Loader) Len() int {
	if l.opts.DropLast {
		return l.take / l.opts.BatchSize
	}
	return (l.take + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() Dataset { return l.ds }

// Shard returns this rank's indices in dataset order.
func (l *Loader) Shard() []int { return append([]int(nil), l.shard...) }

// Order returns the sample indices drawn in epoch, in draw order.
func (l *Loader) Order(epoch int) []int {
	order := append([]int(nil), l.shard...)
	if l.opts.Shuffle {
		rng := rand.New(rand.NewPCG(uint64(l.opts.Seed), uint64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order[:l.take]
}

// Open starts the prefetcher for epoch.
func (l *Loader) Open(ctx context.Context, epoch int) (Iterator, error) {
	order := l.Order(epoch)
	n := l.Len()
	ctx, cancel := context.WithCancel(ctx)
	it := &epochIter{
		ch:     make(chan result, l.opts.Prefetch),
		cancel: cancel,
		done:   make(chan struct{}),
		n:      n,
	}
	go func() {
		defer close(it.done)
		defer close(it.ch)
		for b := 0; b < n; b++ {
			start := b * l.opts.BatchSize
			end := min(start+l.opts.BatchSize, len(order))
			batch, err := l.collate(ctx, order[start:end])
			select {
			case it.ch <- result{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return it, nil
}

func (l *Loader) collate(ctx context.Context, idx []int) (*Batch, error) {
	dim := l.ds.InputDim()
	b := &Batch{
		Inputs:   mat.NewDense(len(idx), dim, nil),
		Targets:  make([]Object, len(idx)),
		Objects:  make([][]Object, len(idx)),
		ImageIDs: make([]int, len(idx)),
	}
	err := parallel.ParallelizeErr(ctx, len(idx), l.opts.Workers, func(ctx context.Context, start, end int) error {
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := l.ds.Sample(idx[i])
			if err != nil {
				return err
			}
			if len(s.Pixels) != dim {
				return errors.NewDimensionError("Loader.collate", dim, len(s.Pixels), 1)
			}
			b.Inputs.SetRow(i, s.Pixels)
			b.Targets[i] = s.Target
			b.Objects[i] = s.Objects
			b.ImageIDs[i] = s.ImageID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

type result struct {
	batch *Batch
	err   error
}

type epochIter struct {
	ch     chan result
	cancel context.CancelFunc
	done   chan struct{}
	n      int
	once   sync.Once
}

func (it *epochIter) Next(ctx context.Context) (*Batch, error) {
	select {
	case r, ok := <-it.ch:
		if !ok {
			return nil, io.EOF
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (it *epochIter) Close() error {
	it.once.Do(func() {
		it.cancel()
		<-it.done
	})
	return nil
}

func (it *epochIter) Len() int { return it.n }
