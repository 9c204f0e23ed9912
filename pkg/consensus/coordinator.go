// Package consensus implements the distributed agreement on restart step and
// membership classification. A round runs the same ordered phases on every
// participant: group re-establishment, liveness identification,
// checkpoint-source resolution, MIN step agreement and result broadcast.
// Every phase boundary is a hard synchronization point.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/psantana5/reinit/pkg/checkpoint"
	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/logging"
	"github.com/psantana5/reinit/pkg/membership"
	"github.com/psantana5/reinit/pkg/models"
	"github.com/psantana5/reinit/pkg/step"
)

// Coordinator runs consensus rounds for one process.
type Coordinator struct {
	comm     comm.Communicator
	registry checkpoint.Registry
	ledger   *step.Ledger
	log      *logging.Logger
}

// New creates a coordinator over the given substrate, checkpoint registry
// and step ledger.
func New(c comm.Communicator, reg checkpoint.Registry, ledger *step.Ledger, log *logging.Logger) *Coordinator {
	return &Coordinator{comm: c, registry: reg, ledger: ledger, log: log}
}

// Run executes one consensus round and returns the agreed result together
// with this member's view of the re-established group. The result is
// identical on every participant by construction. There is no timeout: an
// unreachable participant blocks the round indefinitely.
func (co *Coordinator) Run(ctx context.Context) (*models.ConsensusResult, comm.GroupView, error) {
	// Phase 1: group re-establishment. Dead ranks are excluded and added
	// ones included before any reduction is attempted.
	view, err := co.comm.Reestablish(ctx)
	if err != nil {
		return nil, comm.GroupView{}, fmt.Errorf("group re-establishment failed: %w", err)
	}
	co.log.Debugf("group re-established: rank %d/%d, dead=%v added=%v shrunk=%v",
		view.Rank, view.Size, view.Dead, view.Added, view.Shrunk)

	// Phase 2: liveness/identification.
	unchanged := len(view.Dead) == 0 && len(view.Added) == 0 && !view.Shrunk
	allClean, err := co.comm.AllreduceAnd(ctx, unchanged)
	if err != nil {
		return nil, view, fmt.Errorf("liveness reduction failed: %w", err)
	}
	if !allClean {
		changed, err := co.identifyChanged(ctx, view)
		if err != nil {
			return nil, view, err
		}
		co.log.Infof("membership changed: ranks %v", changed)
	}

	// Phase 3: checkpoint-source resolution for each replaced rank.
	if err := co.resolveSources(ctx, view); err != nil {
		return nil, view, err
	}

	// Phase 4: step agreement. The minimum governs because data beyond it
	// may be unavailable to the slowest or replaced rank.
	contribution := co.ledger.Query()
	if view.PrevRank < 0 {
		recovered, err := co.registry.RecoveredStep(view.Rank)
		if err != nil {
			return nil, view, fmt.Errorf("recovering step for added rank %d: %w", view.Rank, err)
		}
		contribution = recovered
	}
	agreed, err := co.comm.AllreduceMin(ctx, uint64(contribution))
	if err != nil {
		return nil, view, fmt.Errorf("step reduction failed: %w", err)
	}

	// Phase 5: broadcast the result so delivery is identical everywhere
	// before any process leaves the round.
	result := &models.ConsensusResult{
		RestartStep: models.Step(agreed),
		States:      membership.Classify(view),
	}
	var payload []byte
	if view.Rank == 0 {
		if result.Records, err = co.gatherRecords(ctx, view, contribution); err != nil {
			return nil, view, err
		}
		if payload, err = json.Marshal(result); err != nil {
			return nil, view, fmt.Errorf("encoding consensus result: %w", err)
		}
	} else {
		if err := co.sendStep(ctx, contribution); err != nil {
			return nil, view, err
		}
	}
	delivered, err := co.comm.Broadcast(ctx, 0, payload)
	if err != nil {
		return nil, view, fmt.Errorf("result broadcast failed: %w", err)
	}
	final := &models.ConsensusResult{}
	if err := json.Unmarshal(delivered, final); err != nil {
		return nil, view, fmt.Errorf("decoding consensus result: %w", err)
	}
	co.log.Infof("consensus: restart step %d, state %s", final.RestartStep, final.States[view.Rank])
	return final, view, nil
}

// sendStep reports this member's step contribution to rank 0 for the
// result's membership records.
func (co *Coordinator) sendStep(ctx context.Context, step models.Step) error {
	b, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encoding step report: %w", err)
	}
	if err := co.comm.Send(ctx, 0, b); err != nil {
		return fmt.Errorf("reporting step to rank 0: %w", err)
	}
	return nil
}

// gatherRecords builds the round's membership table on rank 0: one row per
// rank of the new group with its reported step, plus a row for every dead
// pre-fault rank. Dead rows keep a zero step; nobody can vouch for more.
func (co *Coordinator) gatherRecords(ctx context.Context, view comm.GroupView, own models.Step) ([]models.ProcessRecord, error) {
	steps := make([]models.Step, view.Size)
	steps[0] = own
	for r := 1; r < view.Size; r++ {
		b, err := co.comm.Recv(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("collecting step from rank %d: %w", r, err)
		}
		if err := json.Unmarshal(b, &steps[r]); err != nil {
			return nil, fmt.Errorf("decoding step report from rank %d: %w", r, err)
		}
	}

	records := membership.BuildRecords(view)
	for i, rec := range records {
		if rec.Liveness != models.LivenessDead {
			records[i].LastStep = steps[rec.Rank]
		}
	}
	return records, nil
}

// identifyChanged agrees on the set of ranks that died or were added. Each
// member repeatedly contributes its highest locally-known unreported changed
// rank to a max-with-location reduction until nobody has anything left to
// report. Dead ranks keep their pre-fault numbering, added ranks the new
// one; the slot index is the same whenever world size is preserved.
func (co *Coordinator) identifyChanged(ctx context.Context, view comm.GroupView) ([]int, error) {
	local := make(map[int]bool)
	for _, r := range view.Dead {
		local[r] = true
	}
	if view.PrevRank < 0 {
		local[view.Rank] = true
	}

	var agreed []int
	for {
		contribution := uint64(0)
		for r := range local {
			if uint64(r+1) > contribution {
				contribution = uint64(r + 1)
			}
		}
		ml, err := co.comm.AllreduceMaxLoc(ctx, contribution)
		if err != nil {
			return nil, fmt.Errorf("identification reduction failed: %w", err)
		}
		if ml.Value == 0 {
			return agreed, nil
		}
		rank := int(ml.Value) - 1
		agreed = append(agreed, rank)
		delete(local, rank)
	}
}

// resolveSources decides, for each replaced rank, whether it restarts from a
// peer's in-memory replica or from its own durable checkpoint. Both
// availability decisions are group-wide AND reductions so every process acts
// on the same one. If multiple peers hold a replica, the max-with-location
// winner serves it; any one would do, the transfer is idempotent.
func (co *Coordinator) resolveSources(ctx context.Context, view comm.GroupView) error {
	for _, replaced := range view.Added {
		available, err := co.registry.ReplicaAvailable(replaced)
		if err != nil {
			return fmt.Errorf("querying replica availability for rank %d: %w", replaced, err)
		}
		replicaOK, err := co.comm.AllreduceAnd(ctx, available)
		if err != nil {
			return fmt.Errorf("replica availability reduction failed: %w", err)
		}
		if replicaOK {
			holds := uint64(0)
			if _, ok, _ := co.registry.HoldsReplica(view.Rank, replaced); ok {
				holds = 1
			}
			server, err := co.comm.AllreduceMaxLoc(ctx, holds)
			if err != nil {
				return fmt.Errorf("replica server reduction failed: %w", err)
			}
			co.log.Debugf("rank %d restarts from replica held by rank %d", replaced, server.Rank)
			continue
		}

		durable, err := co.registry.DurableAvailable(replaced)
		if err != nil {
			return fmt.Errorf("querying durable availability for rank %d: %w", replaced, err)
		}
		durableOK, err := co.comm.AllreduceAnd(ctx, durable)
		if err != nil {
			return fmt.Errorf("durable availability reduction failed: %w", err)
		}
		if !durableOK {
			// Uniform on every participant: the AND decided for all.
			return fmt.Errorf("rank %d: %w", replaced, models.ErrConsensusUnreachable)
		}
		co.log.Debugf("rank %d restarts from its durable checkpoint", replaced)
	}
	return nil
}
