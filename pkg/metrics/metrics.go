// Package metrics records run counters in a private Prometheus registry that
// is written out as a node exporter textfile when the run ends.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kipple"

// Recorder is safe for concurrent use. A nil Recorder ignores every call.
type Recorder struct {
	reg *prometheus.Registry

	modelsLoaded   prometheus.Counter
	samplesScored  *prometheus.CounterVec
	samplesSkipped *prometheus.CounterVec
	combinations   prometheus.Counter
	bestRate       *prometheus.GaugeVec
	phaseDuration  *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		modelsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "models_loaded_total",
			Help:      "Model artifacts loaded.",
		}),
		samplesScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_scored_total",
			Help:      "Model invocations while building the score cache.",
		}, []string{"dataset"}),
		samplesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_skipped_total",
			Help:      "Malformed samples skipped while building the score cache.",
		}, []string{"dataset"}),
		combinations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "combinations_evaluated_total",
			Help:      "Slot assignments evaluated by the portfolio search.",
		}),
		bestRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_detection_rate",
			Help:      "Best detection rate found per dataset.",
		}, []string{"dataset"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each pipeline phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
	}

	r.reg.MustRegister(
		r.modelsLoaded,
		r.samplesScored,
		r.samplesSkipped,
		r.combinations,
		r.bestRate,
		r.phaseDuration,
	)
	return r
}

func (r *Recorder) ModelLoaded() {
	if r == nil {
		return
	}
	r.modelsLoaded.Inc()
}

func (r *Recorder) Scored(dataset string, n int) {
	if r == nil {
		return
	}
	r.samplesScored.WithLabelValues(dataset).Add(float64(n))
}

func (r *Recorder) Skipped(dataset string, n int) {
	if r == nil {
		return
	}
	r.samplesSkipped.WithLabelValues(dataset).Add(float64(n))
}

func (r *Recorder) Combination() {
	if r == nil {
		return
	}
	r.combinations.Inc()
}

func (r *Recorder) Best(dataset string, rate float64) {
	if r == nil {
		return
	}
	r.bestRate.WithLabelValues(dataset).Set(rate)
}

// Phase starts timing a phase and returns the function that stops it.
func (r *Recorder) Phase(name string) func() {
	if r == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		r.phaseDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// WriteTextfile writes the current values in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return errors.Wrapf(err, "failed to write metrics file: %s", path)
	}
	return nil
}
