// Package comm defines the group-communication substrate consumed by the
// restart-coordination core: collective reductions, broadcast, barrier and
// point-to-point transfer for checkpoint movement. The core only issues
// well-formed requests against it; membership and transport are externally
// owned.
package comm

import (
	"context"

	"github.com/psantana5/reinit/pkg/models"
)

// MaxLoc is the result of a max-with-location reduction: the maximum
// contributed value and the rank that contributed it. Ties resolve to the
// lowest rank.
type MaxLoc struct {
	Value uint64 `json:"value"`
	Rank  int    `json:"rank"`
}

// GroupView describes the process group after re-establishment, from the
// perspective of one member.
type GroupView struct {
	Rank     int   `json:"rank"`      // this process's rank in the new group
	Size     int   `json:"size"`      // new group size
	PrevRank int   `json:"prev_rank"` // rank before the fault, -1 for added processes
	PrevSize int   `json:"prev_size"` // group size before the fault
	Dead     []int `json:"dead"`      // pre-fault ranks that died
	Added    []int `json:"added"`     // new ranks occupied by added processes
	Shrunk   bool  `json:"shrunk"`    // group shrank below its pre-fault size
}

// Communicator is one process's handle on the group substrate. Collective
// operations are hard synchronization points: every member of the current
// group must call them in the same order, and none returns before all have
// contributed. There is no timeout; an unreachable member blocks the
// collective indefinitely.
type Communicator interface {
	// Rank returns this process's rank in the current group.
	Rank() int
	// Size returns the current group size.
	Size() int

	// Reestablish forms a consistent process group excluding dead ranks and
	// including added ones, and returns this member's view of it. Must be
	// called before any reduction in a recovery round with stale membership.
	Reestablish(ctx context.Context) (GroupView, error)

	// Barrier blocks until every group member has entered it.
	Barrier(ctx context.Context) error

	// AllreduceAnd reduces with logical AND and delivers the result to all.
	AllreduceAnd(ctx context.Context, v bool) (bool, error)
	// AllreduceMin reduces with MIN and delivers the result to all.
	AllreduceMin(ctx context.Context, v uint64) (uint64, error)
	// AllreduceMaxLoc reduces with max-with-location and delivers the result
	// to all.
	AllreduceMaxLoc(ctx context.Context, v uint64) (MaxLoc, error)

	// Broadcast delivers root's payload to every member. Non-root callers
	// ignore their payload argument.
	Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error)

	// Send and Recv move opaque checkpoint payloads point-to-point.
	Send(ctx context.Context, to int, payload []byte) error
	Recv(ctx context.Context, from int) ([]byte, error)
}

// Notifier fans a fault notification out to every process in the group,
// causing each process's fault channel to become pending.
type Notifier interface {
	NotifyAll(ev models.FaultEvent)
}
