package httpgroup

import (
	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/models"
)

// JoinRequest registers a process with the coordinator. Initial members let
// the coordinator assign a rank; replacements name the dead rank whose slot
// they take.
type JoinRequest struct {
	Added bool `json:"added"`
	Rank  int  `json:"rank"` // only meaningful when Added
}

// JoinResponse carries the member identity used on every later call.
type JoinResponse struct {
	MemberID string `json:"member_id"`
	Rank     int    `json:"rank"`
	Size     int    `json:"size"`
}

// Collective operation names.
const (
	OpBarrier   = "barrier"
	OpAnd       = "and"
	OpMin       = "min"
	OpMaxLoc    = "maxloc"
	OpBroadcast = "broadcast"
)

// CollectiveRequest is one member's contribution to a group operation. The
// coordinator blocks the call until every live member has contributed.
type CollectiveRequest struct {
	Op      string `json:"op"`
	Flag    bool   `json:"flag,omitempty"`    // and
	Value   uint64 `json:"value,omitempty"`   // min, maxloc
	Root    int    `json:"root,omitempty"`    // broadcast
	Payload []byte `json:"payload,omitempty"` // broadcast
}

// CollectiveResponse is the combined result, identical for every member.
type CollectiveResponse struct {
	Flag    bool   `json:"flag,omitempty"`
	Value   uint64 `json:"value,omitempty"`
	Rank    int    `json:"rank,omitempty"` // maxloc winner
	Payload []byte `json:"payload,omitempty"`
}

// ReestablishResponse is the member's view of the re-established group.
type ReestablishResponse struct {
	View comm.GroupView `json:"view"`
}

// HeartbeatRequest refreshes a member's liveness and reports host load.
type HeartbeatRequest struct {
	Epoch      uint64  `json:"epoch"`
	CPULoad    float64 `json:"cpu_load"`
	MemUsedPc  float64 `json:"mem_used_pc"`
	EventsSeen int     `json:"events_seen"`
}

// HeartbeatResponse delivers fault events the member has not seen yet.
type HeartbeatResponse struct {
	Events []models.FaultEvent `json:"events"`
}

// SendRequest queues a point-to-point payload.
type SendRequest struct {
	To      int    `json:"to"`
	Payload []byte `json:"payload"`
}

// RecvRequest blocks for a point-to-point payload from a rank.
type RecvRequest struct {
	From int `json:"from"`
}

// RecvResponse carries the received payload.
type RecvResponse struct {
	Payload []byte `json:"payload"`
}
