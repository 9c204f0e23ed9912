// Package runtime is the per-process entry surface of the
// restart-coordination layer. A Runtime threads the step ledger, cleanup
// stack, fault channel and dispatcher through every operation; Reinit owns
// the permanent driving loop that invokes the registered restart point with
// its start-state classification after every fault cycle.
//
// The original "never returns" re-entry is expressed cooperatively: a probe
// observing a pending fault diverts by unwinding the entry point's stack,
// and the driving loop re-invokes the entry once recovery completes. An
// entry point's own return is likewise a cooperative transfer back into the
// runtime.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/reinit/pkg/checkpoint"
	"github.com/psantana5/reinit/pkg/cleanup"
	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/consensus"
	"github.com/psantana5/reinit/pkg/dispatch"
	"github.com/psantana5/reinit/pkg/fault"
	"github.com/psantana5/reinit/pkg/logging"
	"github.com/psantana5/reinit/pkg/models"
	"github.com/psantana5/reinit/pkg/step"
)

// RestartPoint is the application entry invoked on every (re)start. ctx is
// cancelled when an asynchronous fault interrupts the cycle; args is the
// argument vector passed to Reinit, identical on every invocation; state
// says why the process is entering its main loop.
//
// Returning models.ErrGroupSizeUnsupported aborts the process: the
// application decided it cannot run at the current group size.
type RestartPoint func(ctx context.Context, rt *Runtime, args []string, state models.StartState) error

// faultInterrupt is the panic payload used for the non-local transfer out
// of application code when a probe observes a pending fault.
type faultInterrupt struct{}

// errFaultDiverted marks an entry cycle that ended through fault diversion.
var errFaultDiverted = errors.New("entry diverted by fault")

// Runtime is one process's restart-coordination context.
type Runtime struct {
	comm       comm.Communicator
	faults     *fault.Channel
	ledger     *step.Ledger
	stack      *cleanup.Stack
	dispatcher *dispatch.Dispatcher
	registry   checkpoint.Registry
	log        *logging.Logger

	added     bool
	startStep models.Step
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	logger    *logging.Logger
	metrics   dispatch.Metrics
	registry  checkpoint.Registry
	added     bool
	startStep models.Step
	faultMode models.FaultMode
}

// WithLogger sets the runtime logger.
func WithLogger(l *logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics wires recovery lifecycle metrics.
func WithMetrics(m dispatch.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithRegistry sets the checkpoint availability registry.
func WithRegistry(r checkpoint.Registry) Option { return func(o *options) { o.registry = r } }

// WithAddedProcess marks this process as a replacement launched by the
// membership manager. It joins the in-flight recovery round before its entry
// point runs.
func WithAddedProcess() Option { return func(o *options) { o.added = true } }

// WithStartStep sets the step the first invocation starts from, normally
// parsed from the command line.
func WithStartStep(s models.Step) Option { return func(o *options) { o.startStep = s } }

// WithFaultMode sets the initial fault delivery mode.
func WithFaultMode(m models.FaultMode) Option { return func(o *options) { o.faultMode = m } }

// New creates a runtime over the given substrate. notifier fans Raise out to
// the whole group; the caller must bind FaultSink as this process's delivery
// sink.
func New(c comm.Communicator, notifier comm.Notifier, opts ...Option) *Runtime {
	o := &options{
		logger:   logging.NewLogger(logging.INFO, false),
		registry: checkpoint.NewMemoryRegistry(),
	}
	for _, opt := range opts {
		opt(o)
	}

	log := o.logger.WithField("rank", c.Rank())
	ledger := step.NewLedger()
	stack := cleanup.NewStack()
	faults := fault.NewChannel(notifier)
	faults.SetMode(o.faultMode)
	coord := consensus.New(c, o.registry, ledger, log)

	return &Runtime{
		comm:       c,
		faults:     faults,
		ledger:     ledger,
		stack:      stack,
		dispatcher: dispatch.New(c, stack, coord, log, o.metrics),
		registry:   o.registry,
		log:        log,
		added:      o.added,
		startStep:  o.startStep,
	}
}

// FaultSink returns the delivery sink to register with the substrate's
// notification fan-out.
func (r *Runtime) FaultSink() func(models.FaultEvent) {
	return r.faults.Deliver
}

// Rank returns this process's rank in the current group.
func (r *Runtime) Rank() int { return r.comm.Rank() }

// Size returns the current group size.
func (r *Runtime) Size() int { return r.comm.Size() }

// State returns the dispatcher state.
func (r *Runtime) State() models.DispatcherState { return r.dispatcher.State() }

// RaiseFault broadcasts an application-detected fault to every process in
// the group, the caller included. Delivery on each process follows its local
// fault mode, exactly as for a substrate-detected failure.
func (r *Runtime) RaiseFault() error {
	r.faults.Raise(r.comm.Rank(), models.FaultExplicit)
	return nil
}

// Probe is the synchronous fault delivery point. If a fault is pending it
// does not return: control transfers into the dispatcher and the entry point
// is later re-invoked by the driving loop. Otherwise it returns nil.
func (r *Runtime) Probe() error {
	if r.faults.Pending() {
		panic(faultInterrupt{})
	}
	return nil
}

// CompleteStep marks step as completed. It is a designated runtime operation
// and therefore also a delivery point: a pending fault diverts before the
// step is recorded. Fails with models.ErrInvalidStepOrder when step is not
// strictly increasing.
func (r *Runtime) CompleteStep(s models.Step) error {
	if r.faults.Pending() {
		panic(faultInterrupt{})
	}
	return r.ledger.Complete(s)
}

// Step returns the last completed step; after a restart it is the agreed
// restart step.
func (r *Runtime) Step() models.Step { return r.ledger.Query() }

// PushCleanup registers handler at the top of the cleanup stack.
func (r *Runtime) PushCleanup(h cleanup.Handler, userCtx any) error {
	r.stack.Push(h, userCtx)
	return nil
}

// PopCleanup removes and returns the top cleanup entry, or the null sentinel
// when the stack is empty.
func (r *Runtime) PopCleanup() cleanup.Entry {
	return r.stack.Pop()
}

// DeleteCleanup removes the matching entry wherever it sits in the stack.
// Deleting an absent handler is a silent no-op.
func (r *Runtime) DeleteCleanup(h cleanup.Handler) error {
	r.stack.Delete(h)
	return nil
}

// Registry exposes the checkpoint availability registry so applications can
// record replicas and durable checkpoints as they write them.
func (r *Runtime) Registry() checkpoint.Registry { return r.registry }

// FaultMode returns the local fault delivery mode.
func (r *Runtime) FaultMode() models.FaultMode { return r.faults.Mode() }

// SetFaultMode switches the local delivery mode, with no retroactive effect
// on already-pending faults.
func (r *Runtime) SetFaultMode(m models.FaultMode) error {
	r.faults.SetMode(m)
	return nil
}

// Reinit marks the start of a resilient program. It invokes entry with
// StartNew (or joins the in-flight recovery first for added processes) and
// then drives the permanent cycle: every observed fault unwinds the cleanup
// stack, runs consensus, and re-invokes entry with the agreed
// classification and the ledger rewound to the agreed restart step.
//
// Reinit returns nil when entry completes without a pending fault, the
// entry's own error when it fails for application reasons, or
// models.ErrCleanupAbort / models.ErrConsensusUnreachable when recovery
// ends in a global abort; callers should then exit with
// models.AbortExitCode.
func (r *Runtime) Reinit(ctx context.Context, args []string, entry RestartPoint) error {
	state := models.StartNew
	if r.startStep > 0 {
		r.ledger.Rewind(r.startStep)
	}

	if r.added {
		// Replacement processes join the recovery round already in flight.
		ev := models.FaultEvent{Origin: r.comm.Rank(), Kind: models.FaultDetected}
		if err := r.dispatcher.ObserveFault(ev); err != nil {
			return err
		}
		result, err := r.finishRecovery(ctx)
		if err != nil {
			return err
		}
		state = result.States[r.comm.Rank()]
		r.added = false
	}

	for {
		err := r.runEntry(ctx, args, state, entry)
		diverted := errors.Is(err, errFaultDiverted)
		if !diverted && !r.faults.Pending() {
			// Cooperative completion or an application failure; either way
			// control stays with the caller.
			return err
		}

		ev, _ := r.faults.Consume()
		if oerr := r.dispatcher.ObserveFault(ev); oerr != nil {
			return oerr
		}
		result, rerr := r.finishRecovery(ctx)
		if rerr != nil {
			return rerr
		}
		state = result.States[r.comm.Rank()]
	}
}

// finishRecovery drives unwind and consensus, rewinds the ledger to the
// agreed step and marks re-entry.
func (r *Runtime) finishRecovery(ctx context.Context) (*models.ConsensusResult, error) {
	result, _, err := r.dispatcher.Recover(ctx, r.targetState())
	if err != nil {
		return nil, err
	}
	r.ledger.Rewind(result.RestartStep)
	if err := r.dispatcher.Dispatched(); err != nil {
		return nil, err
	}
	return result, nil
}

// targetState predicts the classification passed to cleanup handlers: the
// state this process restarts in if cleanup succeeds.
func (r *Runtime) targetState() models.StartState {
	if r.added {
		return models.StartAdded
	}
	return models.StartRestarted
}

// runEntry invokes entry for one cycle, converting a fault diversion back
// into normal control flow and cancelling the cycle context on asynchronous
// delivery.
func (r *Runtime) runEntry(ctx context.Context, args []string, state models.StartState, entry RestartPoint) (err error) {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.faults.BindInterrupt(cancel)

	defer func() {
		if rec := recover(); rec != nil {
			if _, ok := rec.(faultInterrupt); ok {
				err = errFaultDiverted
				return
			}
			panic(rec)
		}
	}()

	r.log.Debugf("entering restart point: state=%s step=%d", state, r.ledger.Query())
	if eerr := entry(cycleCtx, r, args, state); eerr != nil {
		if errors.Is(eerr, context.Canceled) && r.faults.Pending() {
			// The asynchronous interrupt cancelled the cycle.
			return errFaultDiverted
		}
		return fmt.Errorf("restart point failed: %w", eerr)
	}
	return nil
}
