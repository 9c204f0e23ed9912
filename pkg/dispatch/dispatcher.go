// Package dispatch drives a process through a recovery cycle: cleanup stack
// unwinding, group-wide agreement on the unwind outcome, consensus on the
// restart step, and hand-off back to application code. The state machine is
// validated against models.ValidateTransition at every move.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/reinit/pkg/cleanup"
	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/consensus"
	"github.com/psantana5/reinit/pkg/logging"
	"github.com/psantana5/reinit/pkg/models"
)

// Metrics receives recovery lifecycle events. All methods must be safe for
// concurrent use.
type Metrics interface {
	FaultObserved(kind models.FaultKind)
	UnwindFinished(code cleanup.Code, elapsed time.Duration)
	ConsensusFinished(step models.Step, elapsed time.Duration)
	Aborted()
}

type noopMetrics struct{}

func (noopMetrics) FaultObserved(models.FaultKind)               {}
func (noopMetrics) UnwindFinished(cleanup.Code, time.Duration)   {}
func (noopMetrics) ConsensusFinished(models.Step, time.Duration) {}
func (noopMetrics) Aborted()                                     {}

// Dispatcher is one process's recovery state machine.
type Dispatcher struct {
	mu      sync.RWMutex
	state   models.DispatcherState
	comm    comm.Communicator
	stack   *cleanup.Stack
	coord   *consensus.Coordinator
	log     *logging.Logger
	metrics Metrics
}

// New creates a dispatcher in the RUNNING state.
func New(c comm.Communicator, stack *cleanup.Stack, coord *consensus.Coordinator, log *logging.Logger, m Metrics) *Dispatcher {
	if m == nil {
		m = noopMetrics{}
	}
	return &Dispatcher{
		state:   models.StateRunning,
		comm:    c,
		stack:   stack,
		coord:   coord,
		log:     log,
		metrics: m,
	}
}

// State returns the current dispatcher state.
func (d *Dispatcher) State() models.DispatcherState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Dispatcher) transition(to models.DispatcherState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := models.ValidateTransition(d.state, to); err != nil {
		return err
	}
	d.log.Debugf("dispatcher: %s -> %s", d.state, to)
	d.state = to
	return nil
}

// ObserveFault moves the machine to FAULT_PENDING once a fault has been
// observed, whether by explicit raise, detection, or a probe.
func (d *Dispatcher) ObserveFault(ev models.FaultEvent) error {
	if err := d.transition(models.StateFaultPending); err != nil {
		return err
	}
	d.metrics.FaultObserved(ev.Kind)
	d.log.Infof("fault pending: %s fault from rank %d", ev.Kind, ev.Origin)
	return nil
}

// Recover runs one recovery cycle: unwind, group decision on the unwind
// outcome, post-unwind barrier, consensus. On success the machine is left in
// DISPATCHING and the caller re-enters application code; Dispatched must be
// called when it does. target is the start state this process expects to
// restart in, passed to every cleanup handler.
//
// Once unwinding begins it cannot be cancelled; it completes or aborts.
func (d *Dispatcher) Recover(ctx context.Context, target models.StartState) (*models.ConsensusResult, comm.GroupView, error) {
	if err := d.transition(models.StateUnwinding); err != nil {
		return nil, comm.GroupView{}, err
	}

	start := time.Now()
	code := d.stack.Unwind(target)
	d.metrics.UnwindFinished(code, time.Since(start))

	// The outcome is reduced group-wide so the abort decision is uniform.
	allOK, err := d.comm.AllreduceAnd(ctx, code == cleanup.Success)
	if err != nil {
		return nil, comm.GroupView{}, fmt.Errorf("unwind outcome reduction failed: %w", err)
	}
	if !allOK {
		if terr := d.transition(models.StateAborted); terr != nil {
			return nil, comm.GroupView{}, terr
		}
		d.metrics.Aborted()
		d.log.Errorf("unwind aborted group-wide, no recovery attempted")
		return nil, comm.GroupView{}, models.ErrCleanupAbort
	}

	// Completion of unwinding is synchronized across all processes.
	if err := d.comm.Barrier(ctx); err != nil {
		return nil, comm.GroupView{}, fmt.Errorf("post-unwind barrier failed: %w", err)
	}

	if err := d.transition(models.StateConsensus); err != nil {
		return nil, comm.GroupView{}, err
	}
	start = time.Now()
	result, view, err := d.coord.Run(ctx)
	if err != nil {
		if errors.Is(err, models.ErrConsensusUnreachable) {
			if terr := d.transition(models.StateAborted); terr != nil {
				return nil, view, terr
			}
			d.metrics.Aborted()
		}
		return nil, view, err
	}
	d.metrics.ConsensusFinished(result.RestartStep, time.Since(start))

	if err := d.transition(models.StateDispatching); err != nil {
		return nil, view, err
	}
	return result, view, nil
}

// Dispatched marks re-entry into application code.
func (d *Dispatcher) Dispatched() error {
	return d.transition(models.StateRunning)
}
