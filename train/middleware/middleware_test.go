package middleware

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/YuminosukeSato/detrain/core/model"
	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/pkg/log"
	"github.com/YuminosukeSato/detrain/runner"
)

type nopModel struct{}

func (nopModel) State() (*model.Weights, error) { return &model.Weights{}, nil }
func (nopModel) LoadState(*model.Weights) error { return nil }

type fixedProcessor struct {
	out *runner.Outputs
	err error
}

func (p fixedProcessor) Process(context.Context, *runner.Runner, *data.Batch, bool) (*runner.Outputs, error) {
	return p.out, p.err
}

func newRunner(t *testing.T) *runner.Runner {
	t.Helper()
	r, err := runner.New(nopModel{}, nil, runner.Options{Processor: fixedProcessor{}})
	require.NoError(t, err)
	return r
}

func batch() *data.Batch {
	return &data.Batch{Targets: []data.Object{{Label: 1}, {Label: 0}}}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, mode string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "mode" && l.GetValue() == mode {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestLogging(t *testing.T) {
	r := newRunner(t)

	tests := []struct {
		name    string
		next    fixedProcessor
		message string
	}{
		{"applied", fixedProcessor{out: &runner.Outputs{Loss: 0.5, Applied: true}}, "Process batch completed successfully"},
		{"skipped", fixedProcessor{out: &runner.Outputs{Loss: 0.5}}, "Optimizer step skipped"},
		{"failed", fixedProcessor{err: errors.NewValueError("Process", "boom")}, "Process batch failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := log.NewTestLogger(log.LevelDebug)
			_, err := Logging(logger, tt.next).Process(context.Background(), r, batch(), true)
			assert.Equal(t, tt.next.err, err)
			assert.True(t, logger.ContainsMessage(tt.message))
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter, latency, skipped, err := MakeMetrics(reg, "t", "p")
	require.NoError(t, err)
	r := newRunner(t)

	applied := Metrics(counter, latency, skipped, fixedProcessor{out: &runner.Outputs{Applied: true}})
	skipping := Metrics(counter, latency, skipped, fixedProcessor{out: &runner.Outputs{}})
	for i := 0; i < 3; i++ {
		_, err := applied.Process(context.Background(), r, batch(), true)
		require.NoError(t, err)
	}
	_, err = skipping.Process(context.Background(), r, batch(), true)
	require.NoError(t, err)
	_, err = skipping.Process(context.Background(), r, batch(), false)
	require.NoError(t, err)

	assert.Equal(t, 4.0, counterValue(t, reg, "t_p_batch_count", "train"))
	assert.Equal(t, 1.0, counterValue(t, reg, "t_p_batch_count", "val"))
	assert.Equal(t, 1.0, counterValue(t, reg, "t_p_skipped_steps", "train"))
	assert.Equal(t, 0.0, counterValue(t, reg, "t_p_skipped_steps", "val"))

	_, _, _, err = MakeMetrics(reg, "t", "p")
	assert.Error(t, err)
}

func TestTracing(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")
	r := newRunner(t)

	want := &runner.Outputs{Loss: 1.25, Applied: true}
	out, err := Tracing(tracer, fixedProcessor{out: want}).Process(context.Background(), r, batch(), true)
	require.NoError(t, err)
	assert.Same(t, want, out)

	boom := errors.NewValueError("Process", "boom")
	out, err = Tracing(tracer, fixedProcessor{err: boom}).Process(context.Background(), r, batch(), false)
	assert.Nil(t, out)
	assert.Equal(t, boom, err)
}
