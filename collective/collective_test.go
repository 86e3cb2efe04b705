package collective

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/YuminosukeSato/detrain/pkg/errors"
)

func runRanks(t *testing.T, comms []Communicator, fn func(c Communicator) error) {
	t.Helper()
	var g errgroup.Group
	for _, c := range comms {
		c := c
		g.Go(func() error { return fn(c) })
	}
	require.NoError(t, g.Wait())
}

func TestLocalAllReduce(t *testing.T) {
	group, err := NewGroup(4)
	require.NoError(t, err)
	comms := group.Members()

	results := make([][]float64, len(comms))
	runRanks(t, comms, func(c Communicator) error {
		r := float64(c.Rank())
		for i := 0; i < 10; i++ {
			out, err := c.AllReduce(context.Background(), Mean, []float64{r, 2 * r, float64(i)})
			if err != nil {
				return err
			}
			results[c.Rank()] = out
		}
		return nil
	})
	for _, out := range results {
		assert.Equal(t, []float64{1.5, 3, 9}, out)
	}
}

func TestLocalSumAndBarrier(t *testing.T) {
	group, err := NewGroup(3)
	require.NoError(t, err)
	runRanks(t, group.Members(), func(c Communicator) error {
		if err := c.Barrier(context.Background()); err != nil {
			return err
		}
		out, err := c.AllReduce(context.Background(), Sum, []float64{1, float64(c.Rank())})
		if err != nil {
			return err
		}
		if out[0] != 3 || out[1] != 3 {
			return fmt.Errorf("rank %d got %v", c.Rank(), out)
		}
		return nil
	})
}

func TestLocalInputNotModified(t *testing.T) {
	group, err := NewGroup(1)
	require.NoError(t, err)
	c := group.Members()[0]
	in := []float64{1, 2}
	out, err := c.AllReduce(context.Background(), Mean, in)
	require.NoError(t, err)
	out[0] = 42
	assert.Equal(t, []float64{1, 2}, in)
}

func TestLocalLengthMismatch(t *testing.T) {
	group, err := NewGroup(2)
	require.NoError(t, err)
	comms := group.Members()
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c Communicator) {
			defer wg.Done()
			_, errs[i] = c.AllReduce(context.Background(), Sum, make([]float64, i+1))
		}(i, c)
	}
	wg.Wait()
	for _, err := range errs {
		var dim *errors.DimensionError
		assert.True(t, errors.As(err, &dim))
	}
}

func TestLocalClosed(t *testing.T) {
	group, err := NewGroup(1)
	require.NoError(t, err)
	c := group.Members()[0]
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.AllReduce(context.Background(), Sum, []float64{1})
	assert.True(t, errors.Is(err, errors.ErrCollectiveClosed))
}

func TestWithTimeout(t *testing.T) {
	group, err := NewGroup(2)
	require.NoError(t, err)
	lonely := WithTimeout(group.Members()[0], 20*time.Millisecond)

	_, err = lonely.AllReduce(context.Background(), Mean, []float64{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCollectiveTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = lonely.Barrier(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrCollectiveTimeout))
	assert.True(t, errors.Is(err, context.Canceled))

	solo, err := NewGroup(1)
	require.NoError(t, err)
	c := solo.Members()[0]
	assert.Same(t, c, WithTimeout(c, 0))
}

// loopback routes published messages to every member, like a broker.
type loopback struct {
	mu      sync.Mutex
	members []*MQTT
}

func (l *loopback) add(m *MQTT) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.pub = l
	l.members = append(l.members, m)
}

func (l *loopback) publish(topic string, retained bool, payload []byte) error {
	l.mu.Lock()
	members := append([]*MQTT(nil), l.members...)
	l.mu.Unlock()
	for _, m := range members {
		switch {
		case strings.Contains(topic, "/hello/"):
			m.onHello(payload, retained)
		default:
			m.onContribution(payload)
		}
	}
	return nil
}

func mqttGroup(t *testing.T, size int) []Communicator {
	t.Helper()
	lb := &loopback{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for r := 0; r < size; r++ {
		lb.add(newMQTT(r, size, "test", logger))
	}
	var g errgroup.Group
	for _, m := range lb.members {
		m := m
		g.Go(func() error { return m.rendezvous(context.Background()) })
	}
	require.NoError(t, g.Wait())
	out := make([]Communicator, size)
	for i, m := range lb.members {
		out[i] = m
	}
	return out
}

func TestMQTTAllReduce(t *testing.T) {
	comms := mqttGroup(t, 3)
	runRanks(t, comms, func(c Communicator) error {
		for i := 0; i < 5; i++ {
			out, err := c.AllReduce(context.Background(), Mean, []float64{float64(c.Rank()), float64(i)})
			if err != nil {
				return err
			}
			if out[0] != 1 || out[1] != float64(i) {
				return fmt.Errorf("rank %d round %d got %v", c.Rank(), i, out)
			}
		}
		return c.Barrier(context.Background())
	})
}

func TestMQTTNonFinitePropagates(t *testing.T) {
	comms := mqttGroup(t, 2)
	results := make([][]float64, 2)
	runRanks(t, comms, func(c Communicator) error {
		data := []float64{1, 2}
		if c.Rank() == 1 {
			data[0] = math.Inf(1)
		}
		out, err := c.AllReduce(context.Background(), Mean, data)
		results[c.Rank()] = out
		return err
	})
	for _, out := range results {
		for _, v := range out {
			assert.True(t, math.IsNaN(v))
		}
	}
}

func TestMQTTRendezvousIgnoresStaleHello(t *testing.T) {
	lb := &loopback{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	first := newMQTT(0, 2, "test", logger)
	second := newMQTT(1, 2, "test", logger)
	lb.add(first)

	// left on the broker by a killed process of an earlier launch
	first.onHello([]byte(`{"rank":1}`), true)
	first.onHello([]byte(`{"rank":1}`), false)
	first.onHello([]byte(`{"rank":1,"nonce":"old"}`), true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := first.rendezvous(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "group must not form without the live peer")

	lb.add(second)
	var g errgroup.Group
	g.Go(func() error { return first.rendezvous(context.Background()) })
	g.Go(func() error { return second.rendezvous(context.Background()) })
	require.NoError(t, g.Wait())

	runRanks(t, []Communicator{first, second}, func(c Communicator) error {
		out, err := c.AllReduce(context.Background(), Sum, []float64{float64(c.Rank() + 1)})
		if err != nil {
			return err
		}
		if out[0] != 3 {
			return fmt.Errorf("rank %d got %v", c.Rank(), out)
		}
		return nil
	})
}

func TestMQTTLateJoinerHearsEarlyRank(t *testing.T) {
	lb := &loopback{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	early := newMQTT(0, 2, "test", logger)
	late := newMQTT(1, 2, "test", logger)
	lb.add(early)

	done := make(chan error, 1)
	go func() { done <- early.rendezvous(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	lb.add(late)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, late.rendezvous(ctx))
	require.NoError(t, <-done)
}

func TestMQTTClosed(t *testing.T) {
	comms := mqttGroup(t, 1)
	require.NoError(t, comms[0].Close())
	_, err := comms[0].AllReduce(context.Background(), Sum, nil)
	assert.True(t, errors.Is(err, errors.ErrCollectiveClosed))
}

func TestReduceRankOrder(t *testing.T) {
	out, err := reduce(Sum, [][]float64{{1e16}, {1}, {-1e16}})
	require.NoError(t, err)
	// ((1e16 + 1) - 1e16) in rank order
	assert.Equal(t, []float64{0}, out)
}
