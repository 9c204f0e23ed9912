// Package metrics records recovery lifecycle metrics and serves them in
// Prometheus text format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/reinit/pkg/cleanup"
	"github.com/psantana5/reinit/pkg/models"
)

// Recorder implements the dispatcher's metrics hooks on top of Prometheus
// collectors.
type Recorder struct {
	faultsObserved    *prometheus.CounterVec
	unwinds           *prometheus.CounterVec
	unwindDuration    prometheus.Histogram
	consensusRounds   prometheus.Counter
	consensusDuration prometheus.Histogram
	restartStep       prometheus.Gauge
	aborts            prometheus.Counter
}

// NewRecorder creates a recorder and registers its collectors. A nil
// registerer means the default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		faultsObserved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reinit_faults_observed_total",
				Help: "Faults observed by this process, by kind",
			},
			[]string{"kind"},
		),
		unwinds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reinit_unwinds_total",
				Help: "Cleanup stack unwinds, by outcome",
			},
			[]string{"outcome"},
		),
		unwindDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reinit_unwind_duration_seconds",
				Help:    "Time spent unwinding the cleanup stack",
				Buckets: prometheus.ExponentialBuckets(0.001, 10, 6),
			},
		),
		consensusRounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reinit_consensus_rounds_total",
				Help: "Completed consensus rounds",
			},
		),
		consensusDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reinit_consensus_duration_seconds",
				Help:    "Time spent reaching restart consensus",
				Buckets: prometheus.ExponentialBuckets(0.001, 10, 6),
			},
		),
		restartStep: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reinit_restart_step",
				Help: "Restart step agreed by the last consensus round",
			},
		),
		aborts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reinit_aborts_total",
				Help: "Recovery cycles that ended in a global abort",
			},
		),
	}

	reg.MustRegister(r.faultsObserved)
	reg.MustRegister(r.unwinds)
	reg.MustRegister(r.unwindDuration)
	reg.MustRegister(r.consensusRounds)
	reg.MustRegister(r.consensusDuration)
	reg.MustRegister(r.restartStep)
	reg.MustRegister(r.aborts)

	return r
}

// FaultObserved counts an observed fault.
func (r *Recorder) FaultObserved(kind models.FaultKind) {
	r.faultsObserved.WithLabelValues(kind.String()).Inc()
}

// UnwindFinished records one cleanup stack unwind.
func (r *Recorder) UnwindFinished(code cleanup.Code, elapsed time.Duration) {
	r.unwinds.WithLabelValues(code.String()).Inc()
	r.unwindDuration.Observe(elapsed.Seconds())
}

// ConsensusFinished records one completed consensus round.
func (r *Recorder) ConsensusFinished(step models.Step, elapsed time.Duration) {
	r.consensusRounds.Inc()
	r.consensusDuration.Observe(elapsed.Seconds())
	r.restartStep.Set(float64(step))
}

// Aborted counts a global abort.
func (r *Recorder) Aborted() {
	r.aborts.Inc()
}
