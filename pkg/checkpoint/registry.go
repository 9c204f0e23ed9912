// Package checkpoint tracks checkpoint availability. Serialization and
// storage of checkpoint data belong to the application; the consensus
// coordinator only needs to know, per rank, whether a peer holds an
// in-memory replica and whether a durable checkpoint exists, and at which
// step a replaced rank can be recovered.
package checkpoint

import (
	"errors"

	"github.com/psantana5/reinit/pkg/models"
)

var ErrNoCheckpoint = errors.New("no checkpoint recorded for rank")

// Registry is a process's view of checkpoint availability.
//
// Resolution priority for a replaced rank is an in-memory peer replica
// first, then the rank's own durable checkpoint.
type Registry interface {
	// RecordReplica notes that holder keeps an in-memory replica of rank's
	// checkpoint at step.
	RecordReplica(holder, rank int, step models.Step) error
	// RecordDurable notes that rank has a durable checkpoint at step.
	RecordDurable(rank int, step models.Step) error

	// HoldsReplica reports whether this process (holder) keeps a replica for
	// rank, and at which step.
	HoldsReplica(holder, rank int) (models.Step, bool, error)
	// ReplicaAvailable reports whether any known peer holds a replica for
	// rank.
	ReplicaAvailable(rank int) (bool, error)
	// DurableAvailable reports whether rank has a durable checkpoint.
	DurableAvailable(rank int) (bool, error)

	// RecoveredStep returns the step a replaced rank would resume from given
	// the resolution priority. Returns ErrNoCheckpoint when neither source
	// exists.
	RecoveredStep(rank int) (models.Step, error)

	// Forget drops every record for rank, for ranks that left the group.
	Forget(rank int) error
}
