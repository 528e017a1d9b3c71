// Package metrics records resign progress and outcomes as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aluedeke/ipa-resign/pkg/resign"
)

var buckets = []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Recorder is a resign.Sink that counts stage transitions and results.
type Recorder struct {
	stages   *prometheus.CounterVec
	results  *prometheus.CounterVec
	duration prometheus.Histogram
}

var _ resign.Sink = (*Recorder)(nil)

// NewRecorder registers the resign metrics on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		stages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ipa_resign_stage_total",
			Help: "Number of times an operation entered each stage",
		}, []string{"stage"}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ipa_resign_results_total",
			Help: "Finished operations by status and final stage",
		}, []string{"status", "stage"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ipa_resign_duration_seconds",
			Help:    "A histogram of end-to-end operation latencies",
			Buckets: buckets,
		}),
	}
}

func (r *Recorder) Notify(e resign.Event) {
	switch e.Kind {
	case resign.EventProgress:
		r.stages.WithLabelValues(string(e.Stage)).Inc()
	case resign.EventFinished:
		if e.Result == nil {
			return
		}
		r.results.WithLabelValues(string(e.Result.Status), string(e.Result.Stage)).Inc()
		r.duration.Observe(e.Result.Duration.Seconds())
	}
}
