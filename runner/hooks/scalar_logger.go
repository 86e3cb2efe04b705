package hooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/runner"
)

// ScalarLoggerHook publishes averaged log variables, the learning rate and
// the loss scale as Prometheus gauges every Every training iterations.
// Evaluation metrics are published after each epoch.
type ScalarLoggerHook struct {
	runner.BaseHook

	Every      int
	Registerer prometheus.Registerer

	scalars   *prometheus.GaugeVec
	lr        prometheus.Gauge
	lossScale prometheus.Gauge
	iteration prometheus.Gauge
}

func NewScalarLoggerHook(interval int, reg prometheus.Registerer) *ScalarLoggerHook {
	return &ScalarLoggerHook{Every: interval, Registerer: reg}
}

func (h *ScalarLoggerHook) Name() string { return "ScalarLoggerHook" }

func (h *ScalarLoggerHook) BeforeRun(r *runner.Runner) error {
	labels := prometheus.Labels{"run": r.Name()}
	h.scalars = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "detrain",
		Name:        "scalar",
		Help:        "Averaged training scalars by name and phase.",
		ConstLabels: labels,
	}, []string{"name", "phase"})
	h.lr = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "detrain", Name: "learning_rate", Help: "Current learning rate.", ConstLabels: labels,
	})
	h.lossScale = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "detrain", Name: "loss_scale", Help: "Current dynamic loss scale.", ConstLabels: labels,
	})
	h.iteration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "detrain", Name: "iteration", Help: "Global training iteration.", ConstLabels: labels,
	})
	if h.Registerer == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{h.scalars, h.lr, h.lossScale, h.iteration} {
		if err := h.Registerer.Register(c); err != nil {
			return errors.Wrap(err, "register scalar metrics")
		}
	}
	return nil
}

func (h *ScalarLoggerHook) AfterIter(r *runner.Runner) error {
	if !r.Training() || !every(r.Iter(), h.Every) {
		return nil
	}
	buf := r.LogBuffer()
	buf.Average(h.Every)
	for k, v := range buf.Output {
		h.scalars.WithLabelValues(k, r.Mode()).Set(v)
	}
	if opt := r.Optimizer(); opt != nil {
		h.lr.Set(opt.LearningRate())
		h.lossScale.Set(opt.LossScale())
	}
	h.iteration.Set(float64(r.Iter()))
	return nil
}

func (h *ScalarLoggerHook) AfterEpoch(r *runner.Runner) error {
	for k, v := range r.Metrics() {
		h.scalars.WithLabelValues(k, "val").Set(v)
	}
	return nil
}

func (h *ScalarLoggerHook) AfterRun(r *runner.Runner) error {
	if h.Registerer == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{h.scalars, h.lr, h.lossScale, h.iteration} {
		h.Registerer.Unregister(c)
	}
	return nil
}
