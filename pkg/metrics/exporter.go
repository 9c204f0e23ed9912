package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/reinit/pkg/models"
)

// StatusSource is the live process state the exporter reads on scrape. The
// runtime satisfies it.
type StatusSource interface {
	Rank() int
	Size() int
	State() models.DispatcherState
	Step() models.Step
}

// Exporter serves Prometheus-compatible metrics for one process: a few
// scrape-time status gauges plus everything gathered from the registry.
type Exporter struct {
	source    StatusSource
	gatherer  promclient.Gatherer
	startTime time.Time
}

// NewExporter creates an exporter reading live status from source. A nil
// gatherer means the default registry.
func NewExporter(source StatusSource, g promclient.Gatherer) *Exporter {
	if g == nil {
		g = promclient.DefaultGatherer
	}
	return &Exporter{
		source:    source,
		gatherer:  g,
		startTime: time.Now(),
	}
}

var dispatcherStates = []models.DispatcherState{
	models.StateRunning,
	models.StateFaultPending,
	models.StateUnwinding,
	models.StateConsensus,
	models.StateDispatching,
	models.StateAborted,
}

// ServeHTTP serves metrics at /metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP reinit_uptime_seconds Process uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE reinit_uptime_seconds gauge\n")
	fmt.Fprintf(w, "reinit_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	fmt.Fprintf(w, "\n# HELP reinit_rank Rank of this process in the current group\n")
	fmt.Fprintf(w, "# TYPE reinit_rank gauge\n")
	fmt.Fprintf(w, "reinit_rank %d\n", e.source.Rank())

	fmt.Fprintf(w, "\n# HELP reinit_group_size Current group size\n")
	fmt.Fprintf(w, "# TYPE reinit_group_size gauge\n")
	fmt.Fprintf(w, "reinit_group_size %d\n", e.source.Size())

	fmt.Fprintf(w, "\n# HELP reinit_last_completed_step Last step completed by this process\n")
	fmt.Fprintf(w, "# TYPE reinit_last_completed_step gauge\n")
	fmt.Fprintf(w, "reinit_last_completed_step %d\n", e.source.Step())

	// One-hot dispatcher state, always exporting every state
	current := e.source.State()
	fmt.Fprintf(w, "\n# HELP reinit_dispatcher_state Recovery state machine position\n")
	fmt.Fprintf(w, "# TYPE reinit_dispatcher_state gauge\n")
	for _, s := range dispatcherStates {
		v := 0
		if s == current {
			v = 1
		}
		fmt.Fprintf(w, "reinit_dispatcher_state{state=\"%s\"} %d\n", s, v)
	}

	fmt.Fprintf(w, "\n")

	// Append the registry collectors (recorder counters and histograms)
	metricFamilies, err := e.gatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric family %s: %v\n", mf.GetName(), err)
			continue
		}
	}
	w.Write(buf.Bytes())
}
