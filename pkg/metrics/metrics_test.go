package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/reinit/pkg/cleanup"
	"github.com/psantana5/reinit/pkg/models"
)

type fakeSource struct {
	rank, size int
	state      models.DispatcherState
	step       models.Step
}

func (f *fakeSource) Rank() int                     { return f.rank }
func (f *fakeSource) Size() int                     { return f.size }
func (f *fakeSource) State() models.DispatcherState { return f.state }
func (f *fakeSource) Step() models.Step             { return f.step }

func TestExporter_ServesStatusAndRecorderMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)
	rec.FaultObserved(models.FaultExplicit)
	rec.UnwindFinished(cleanup.Success, 5*time.Millisecond)
	rec.ConsensusFinished(9, 12*time.Millisecond)

	src := &fakeSource{rank: 2, size: 4, state: models.StateRunning, step: 9}
	exp := NewExporter(src, reg)

	rr := httptest.NewRecorder()
	exp.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"reinit_rank 2",
		"reinit_group_size 4",
		"reinit_last_completed_step 9",
		`reinit_dispatcher_state{state="running"} 1`,
		`reinit_dispatcher_state{state="aborted"} 0`,
		`reinit_faults_observed_total{kind="explicit"} 1`,
		`reinit_unwinds_total{outcome="success"} 1`,
		"reinit_consensus_rounds_total 1",
		"reinit_restart_step 9",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRecorder_AbortCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)
	rec.Aborted()
	rec.Aborted()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "reinit_aborts_total" {
			continue
		}
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 2 {
			t.Errorf("reinit_aborts_total = %v, want 2", got)
		}
		return
	}
	t.Error("reinit_aborts_total not gathered")
}
