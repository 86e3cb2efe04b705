package middleware

import (
	"context"
	"time"

	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/runner"
)

var _ runner.BatchProcessor = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	skipped metrics.Counter
	next    runner.BatchProcessor
}

// Metrics counts processed batches and skipped optimizer steps and
// observes the step latency, labelled by mode.
func Metrics(counter metrics.Counter, latency metrics.Histogram, skipped metrics.Counter, next runner.BatchProcessor) runner.BatchProcessor {
	return &metricsMiddleware{counter: counter, latency: latency, skipped: skipped, next: next}
}

func (mm *metricsMiddleware) Process(ctx context.Context, r *runner.Runner, b *data.Batch, train bool) (out *runner.Outputs, err error) {
	defer func(begin time.Time) {
		m := mode(train)
		mm.counter.With("mode", m).Add(1)
		mm.latency.With("mode", m).Observe(time.Since(begin).Seconds())
		if err == nil && out != nil && train && !out.Applied {
			mm.skipped.With("mode", m).Add(1)
		}
	}(time.Now())

	return mm.next.Process(ctx, r, b, train)
}

// MakeMetrics registers the batch counter, latency summary and skipped step
// counter with reg and returns them as go-kit metrics.
func MakeMetrics(reg prometheus.Registerer, namespace, subsystem string) (counter metrics.Counter, latency metrics.Histogram, skipped metrics.Counter, err error) {
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "batch_count",
		Help:      "Number of processed batches.",
	}, []string{"mode"})
	latencyVec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "batch_latency_seconds",
		Help:      "Total duration of batch processing in seconds.",
	}, []string{"mode"})
	skippedVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "skipped_steps",
		Help:      "Number of optimizer steps skipped on gradient overflow.",
	}, []string{"mode"})
	for _, c := range []prometheus.Collector{counterVec, latencyVec, skippedVec} {
		if err := reg.Register(c); err != nil {
			return nil, nil, nil, errors.Wrap(err, "register batch metrics")
		}
	}
	return kitprometheus.NewCounter(counterVec), kitprometheus.NewSummary(latencyVec), kitprometheus.NewCounter(skippedVec), nil
}
