package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/reinit/pkg/checkpoint"
	"github.com/psantana5/reinit/pkg/cleanup"
	"github.com/psantana5/reinit/pkg/comm/memgroup"
	"github.com/psantana5/reinit/pkg/logging"
	"github.com/psantana5/reinit/pkg/models"
)

// probeUntilDiverted spins on the synchronous delivery point. It only exits
// through the fault diversion.
func probeUntilDiverted(rt *Runtime) {
	for {
		_ = rt.Probe()
		time.Sleep(time.Millisecond)
	}
}

func TestReinit_ExplicitFaultRollsBackToMinStep(t *testing.T) {
	steps := []models.Step{12, 9, 10, 11}
	w := memgroup.NewWorld(4)

	type record struct {
		states       []models.StartState
		stepsAt      []models.Step
		cleanupState models.StartState
		cleanupRuns  int
	}
	records := make([]record, 4)
	errs := make([]error, 4)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		p := w.Proc(i)
		rt := New(p, w, WithLogger(logging.Discard()))
		w.BindSink(p, rt.FaultSink())
		wg.Add(1)
		go func(i int, rt *Runtime) {
			defer wg.Done()
			rec := &records[i]
			errs[i] = rt.Reinit(context.Background(), nil, func(ctx context.Context, rt *Runtime, args []string, state models.StartState) error {
				rec.states = append(rec.states, state)
				rec.stepsAt = append(rec.stepsAt, rt.Step())
				if len(rec.states) > 1 {
					return nil
				}
				if err := rt.PushCleanup(cleanup.HandlerFunc(func(s models.StartState, _ any) cleanup.Code {
					rec.cleanupState = s
					rec.cleanupRuns++
					return cleanup.Success
				}), nil); err != nil {
					return err
				}
				for s := models.Step(1); s <= steps[i]; s++ {
					if err := rt.CompleteStep(s); err != nil {
						return err
					}
				}
				// Everybody finishes its work before the fault is raised so
				// the agreed step is well defined.
				if err := w.Proc(i).Barrier(ctx); err != nil {
					return err
				}
				if i == 2 {
					if err := rt.RaiseFault(); err != nil {
						return err
					}
				}
				probeUntilDiverted(rt)
				return nil
			})
		}(i, rt)
	}
	wg.Wait()

	for i := range records {
		rec := &records[i]
		if errs[i] != nil {
			t.Errorf("rank %d: Reinit returned %v", i, errs[i])
		}
		if len(rec.states) != 2 {
			t.Fatalf("rank %d: %d entry invocations, want 2", i, len(rec.states))
		}
		if rec.states[0] != models.StartNew {
			t.Errorf("rank %d: first entry state = %s, want new", i, rec.states[0])
		}
		if rec.states[1] != models.StartRestarted {
			t.Errorf("rank %d: restarted entry state = %s, want restarted", i, rec.states[1])
		}
		if rec.stepsAt[1] != 9 {
			t.Errorf("rank %d: restart step = %d, want 9", i, rec.stepsAt[1])
		}
		if rec.cleanupRuns != 1 {
			t.Errorf("rank %d: cleanup handler ran %d times, want 1", i, rec.cleanupRuns)
		}
		if rec.cleanupState != models.StartRestarted {
			t.Errorf("rank %d: cleanup handler saw %s, want restarted", i, rec.cleanupState)
		}
	}
}

func TestReinit_ReplacementJoinsAsAdded(t *testing.T) {
	w := memgroup.NewWorld(3)
	reg := checkpoint.NewMemoryRegistry()
	if err := reg.RecordDurable(1, 5); err != nil {
		t.Fatalf("seeding durable checkpoint: %v", err)
	}

	survivorSteps := map[int]models.Step{0: 7, 2: 6}
	type record struct {
		states  []models.StartState
		stepsAt []models.Step
	}
	records := make(map[int]*record)
	errs := make(map[int]*error)

	var ready, wg sync.WaitGroup
	for _, i := range []int{0, 2} {
		p := w.Proc(i)
		rt := New(p, w, WithLogger(logging.Discard()), WithRegistry(reg))
		w.BindSink(p, rt.FaultSink())
		rec := &record{}
		records[i] = rec
		var rerr error
		errs[i] = &rerr
		ready.Add(1)
		wg.Add(1)
		go func(i int, rt *Runtime) {
			defer wg.Done()
			signalled := false
			rerr = rt.Reinit(context.Background(), nil, func(ctx context.Context, rt *Runtime, args []string, state models.StartState) error {
				rec.states = append(rec.states, state)
				rec.stepsAt = append(rec.stepsAt, rt.Step())
				if len(rec.states) > 1 {
					return nil
				}
				for s := models.Step(1); s <= survivorSteps[i]; s++ {
					if err := rt.CompleteStep(s); err != nil {
						return err
					}
				}
				if !signalled {
					signalled = true
					ready.Done()
				}
				probeUntilDiverted(rt)
				return nil
			})
		}(i, rt)
	}
	ready.Wait()

	// The substrate detects rank 1's death, the membership manager launches
	// a replacement into its slot, and the failure is announced to the
	// survivors. The replacement joins the recovery round in flight.
	w.Kill(1)
	repl, err := w.Replace(1)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	w.NotifyAll(models.FaultEvent{Origin: 1, Kind: models.FaultDetected})

	replRT := New(repl, w, WithLogger(logging.Discard()), WithRegistry(reg), WithAddedProcess())
	w.BindSink(repl, replRT.FaultSink())
	replRec := &record{}
	records[1] = replRec
	var replErr error
	errs[1] = &replErr
	wg.Add(1)
	go func() {
		defer wg.Done()
		replErr = replRT.Reinit(context.Background(), nil, func(ctx context.Context, rt *Runtime, args []string, state models.StartState) error {
			replRec.states = append(replRec.states, state)
			replRec.stepsAt = append(replRec.stepsAt, rt.Step())
			return nil
		})
	}()
	wg.Wait()

	for rank, errp := range errs {
		if *errp != nil {
			t.Errorf("rank %d: Reinit returned %v", rank, *errp)
		}
	}
	for _, rank := range []int{0, 2} {
		rec := records[rank]
		if len(rec.states) != 2 || rec.states[1] != models.StartRestarted {
			t.Errorf("rank %d: states = %v, want second entry restarted", rank, rec.states)
		}
		if rec.stepsAt[1] != 5 {
			t.Errorf("rank %d: restart step = %d, want 5", rank, rec.stepsAt[1])
		}
	}
	if len(replRec.states) != 1 || replRec.states[0] != models.StartAdded {
		t.Errorf("replacement: states = %v, want single added entry", replRec.states)
	}
	if replRec.stepsAt[0] != 5 {
		t.Errorf("replacement: restart step = %d, want 5", replRec.stepsAt[0])
	}
}

func TestReinit_AsynchronousFaultCancelsCycle(t *testing.T) {
	w := memgroup.NewWorld(1)
	p := w.Proc(0)
	rt := New(p, w, WithLogger(logging.Discard()))
	w.BindSink(p, rt.FaultSink())

	var states []models.StartState
	var stepAtRestart models.Step
	err := rt.Reinit(context.Background(), nil, func(ctx context.Context, rt *Runtime, args []string, state models.StartState) error {
		states = append(states, state)
		if len(states) > 1 {
			stepAtRestart = rt.Step()
			return nil
		}
		if err := rt.SetFaultMode(models.AsynchronousFaults); err != nil {
			return err
		}
		for s := models.Step(1); s <= 3; s++ {
			if err := rt.CompleteStep(s); err != nil {
				return err
			}
		}
		if err := rt.RaiseFault(); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Reinit: %v", err)
	}
	if len(states) != 2 || states[1] != models.StartRestarted {
		t.Fatalf("states = %v, want [new restarted]", states)
	}
	if stepAtRestart != 3 {
		t.Errorf("restart step = %d, want 3", stepAtRestart)
	}
}

func TestReinit_SynchronousFaultWaitsForDeliveryPoint(t *testing.T) {
	w := memgroup.NewWorld(1)
	p := w.Proc(0)
	rt := New(p, w, WithLogger(logging.Discard()))
	w.BindSink(p, rt.FaultSink())

	workedAfterRaise := false
	entries := 0
	err := rt.Reinit(context.Background(), nil, func(ctx context.Context, rt *Runtime, args []string, state models.StartState) error {
		entries++
		if entries > 1 {
			return nil
		}
		if err := rt.RaiseFault(); err != nil {
			return err
		}
		// In synchronous mode the pending fault does not preempt; control
		// continues until the next delivery point.
		workedAfterRaise = true
		return rt.Probe()
	})
	if err != nil {
		t.Fatalf("Reinit: %v", err)
	}
	if !workedAfterRaise {
		t.Error("pending fault preempted before a delivery point")
	}
	if entries != 2 {
		t.Errorf("entry invocations = %d, want 2", entries)
	}
}

func TestReinit_GroupSizeUnsupportedPropagates(t *testing.T) {
	w := memgroup.NewWorld(1)
	p := w.Proc(0)
	rt := New(p, w, WithLogger(logging.Discard()))
	w.BindSink(p, rt.FaultSink())

	err := rt.Reinit(context.Background(), nil, func(ctx context.Context, rt *Runtime, args []string, state models.StartState) error {
		return models.ErrGroupSizeUnsupported
	})
	if !errors.Is(err, models.ErrGroupSizeUnsupported) {
		t.Fatalf("err = %v, want ErrGroupSizeUnsupported", err)
	}
}

func TestRuntime_StartStepSeedsLedger(t *testing.T) {
	w := memgroup.NewWorld(1)
	p := w.Proc(0)
	rt := New(p, w, WithLogger(logging.Discard()), WithStartStep(4))
	w.BindSink(p, rt.FaultSink())

	var stepAtEntry models.Step
	err := rt.Reinit(context.Background(), nil, func(ctx context.Context, rt *Runtime, args []string, state models.StartState) error {
		stepAtEntry = rt.Step()
		// The start step itself is re-executed and completed again.
		return rt.CompleteStep(4)
	})
	if err != nil {
		t.Fatalf("Reinit: %v", err)
	}
	if stepAtEntry != 4 {
		t.Errorf("step at entry = %d, want 4", stepAtEntry)
	}
}
