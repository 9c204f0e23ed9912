package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/psantana5/reinit/pkg/checkpoint"
	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/comm/memgroup"
	"github.com/psantana5/reinit/pkg/logging"
	"github.com/psantana5/reinit/pkg/models"
	"github.com/psantana5/reinit/pkg/step"
)

type roundOutcome struct {
	result *models.ConsensusResult
	view   comm.GroupView
	err    error
}

// runRound executes one consensus round across all given communicators,
// each with its own ledger, sharing one checkpoint registry.
func runRound(t *testing.T, procs []comm.Communicator, steps []models.Step, reg checkpoint.Registry) []roundOutcome {
	t.Helper()
	ctx := context.Background()
	outcomes := make([]roundOutcome, len(procs))
	var wg sync.WaitGroup
	for i, p := range procs {
		ledger := step.NewLedger()
		if steps[i] > 0 {
			if err := ledger.Complete(steps[i]); err != nil {
				t.Fatalf("seeding ledger %d: %v", i, err)
			}
		}
		co := New(p, reg, ledger, logging.Discard())
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, view, err := co.Run(ctx)
			outcomes[i] = roundOutcome{result: res, view: view, err: err}
		}(i)
	}
	wg.Wait()
	return outcomes
}

func TestCoordinator_ExplicitFaultNoMembershipChange(t *testing.T) {
	w := memgroup.NewWorld(4)
	procs := make([]comm.Communicator, 4)
	for i := range procs {
		procs[i] = w.Proc(i)
	}

	outcomes := runRound(t, procs, []models.Step{12, 9, 10, 11}, checkpoint.NewMemoryRegistry())

	for i, o := range outcomes {
		if o.err != nil {
			t.Fatalf("rank %d: round failed: %v", i, o.err)
		}
		if o.result.RestartStep != 9 {
			t.Errorf("rank %d: restart step = %d, want 9", i, o.result.RestartStep)
		}
		for r, s := range o.result.States {
			if s != models.StartRestarted {
				t.Errorf("rank %d: state[%d] = %v, want RESTARTED", i, r, s)
			}
		}
		if len(o.result.Records) != 4 {
			t.Fatalf("rank %d: %d records, want 4", i, len(o.result.Records))
		}
		for r, want := range []models.Step{12, 9, 10, 11} {
			rec := o.result.Records[r]
			if rec.Liveness != models.LivenessAlive || rec.LastStep != want {
				t.Errorf("rank %d: record[%d] = %+v, want alive at step %d", i, r, rec, want)
			}
		}
	}
}

func TestCoordinator_AgreedStepIsMinimum(t *testing.T) {
	w := memgroup.NewWorld(4)
	procs := make([]comm.Communicator, 4)
	for i := range procs {
		procs[i] = w.Proc(i)
	}

	outcomes := runRound(t, procs, []models.Step{5, 7, 5, 9}, checkpoint.NewMemoryRegistry())

	for i, o := range outcomes {
		if o.err != nil {
			t.Fatalf("rank %d: round failed: %v", i, o.err)
		}
		if o.result.RestartStep != 5 {
			t.Errorf("rank %d: restart step = %d, want 5", i, o.result.RestartStep)
		}
	}
}

func TestCoordinator_ReplacedRankFromDurable(t *testing.T) {
	w := memgroup.NewWorld(4)
	reg := checkpoint.NewMemoryRegistry()
	reg.RecordDurable(2, 8)

	w.Kill(2)
	repl, err := w.Replace(2)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	procs := []comm.Communicator{w.Proc(0), w.Proc(1), repl, w.Proc(3)}
	outcomes := runRound(t, procs, []models.Step{12, 9, 0, 11}, reg)

	for i, o := range outcomes {
		if o.err != nil {
			t.Fatalf("participant %d: round failed: %v", i, o.err)
		}
		// Replacement contributes its recovered step 8, the group minimum.
		if o.result.RestartStep != 8 {
			t.Errorf("participant %d: restart step = %d, want 8", i, o.result.RestartStep)
		}
		want := []models.StartState{
			models.StartRestarted, models.StartRestarted,
			models.StartAdded, models.StartRestarted,
		}
		for r := range want {
			if o.result.States[r] != want[r] {
				t.Errorf("participant %d: state[%d] = %v, want %v", i, r, o.result.States[r], want[r])
			}
		}
	}
}

func TestCoordinator_ReplicaPreferredOverDurable(t *testing.T) {
	w := memgroup.NewWorld(3)
	reg := checkpoint.NewMemoryRegistry()
	reg.RecordDurable(1, 4)
	reg.RecordReplica(0, 1, 6) // rank 0 holds an in-memory replica at step 6

	w.Kill(1)
	repl, err := w.Replace(1)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	procs := []comm.Communicator{w.Proc(0), repl, w.Proc(2)}
	outcomes := runRound(t, procs, []models.Step{10, 0, 9}, reg)

	for i, o := range outcomes {
		if o.err != nil {
			t.Fatalf("participant %d: round failed: %v", i, o.err)
		}
		if o.result.RestartStep != 6 {
			t.Errorf("participant %d: restart step = %d, want replica step 6", i, o.result.RestartStep)
		}
	}
}

func TestCoordinator_UnreachableWithoutSources(t *testing.T) {
	w := memgroup.NewWorld(3)
	reg := checkpoint.NewMemoryRegistry() // nothing recorded for rank 1

	w.Kill(1)
	repl, err := w.Replace(1)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	procs := []comm.Communicator{w.Proc(0), repl, w.Proc(2)}
	outcomes := runRound(t, procs, []models.Step{10, 0, 9}, reg)

	for i, o := range outcomes {
		if !errors.Is(o.err, models.ErrConsensusUnreachable) {
			t.Errorf("participant %d: err = %v, want ErrConsensusUnreachable", i, o.err)
		}
	}
}

func TestCoordinator_ShrunkGroupClassifiedNew(t *testing.T) {
	w := memgroup.NewWorld(3)
	w.Kill(1)

	procs := []comm.Communicator{w.Proc(0), w.Proc(2)}
	outcomes := runRound(t, procs, []models.Step{4, 6}, checkpoint.NewMemoryRegistry())

	for i, o := range outcomes {
		if o.err != nil {
			t.Fatalf("participant %d: round failed: %v", i, o.err)
		}
		if o.result.RestartStep != 4 {
			t.Errorf("participant %d: restart step = %d, want 4", i, o.result.RestartStep)
		}
		for r, s := range o.result.States {
			if s != models.StartNew {
				t.Errorf("participant %d: state[%d] = %v, want NEW on shrink", i, r, s)
			}
		}
	}
}
