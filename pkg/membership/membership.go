// Package membership builds the per-round process records and start-state
// classification from a re-established group view, and keeps the
// epoch-guarded member table used by the HTTP coordinator.
package membership

import (
	"sort"
	"sync"
	"time"

	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/models"
)

// Classify assigns every rank of the new group its start-state.
//
// With an unchanged or grown group, surviving ranks are RESTARTED and added
// processes are ADDED at the failed rank's original index. When the group
// shrank, rank continuity is waived and every process is classified NEW.
func Classify(view comm.GroupView) []models.StartState {
	states := make([]models.StartState, view.Size)
	if view.Shrunk {
		for i := range states {
			states[i] = models.StartNew
		}
		return states
	}
	for i := range states {
		states[i] = models.StartRestarted
	}
	for _, r := range view.Added {
		if r >= 0 && r < view.Size {
			states[r] = models.StartAdded
		}
	}
	return states
}

// BuildRecords produces the fresh membership table for one consensus round:
// one row per live or added rank of the new group, plus a dead row for every
// pre-fault rank that did not survive. Steps are filled in by the caller as
// they become known; unknown steps stay zero. Records are never persisted
// across rounds.
func BuildRecords(view comm.GroupView) []models.ProcessRecord {
	records := make([]models.ProcessRecord, 0, view.Size+len(view.Dead))
	added := make(map[int]bool, len(view.Added))
	for _, r := range view.Added {
		added[r] = true
	}
	for rank := 0; rank < view.Size; rank++ {
		liveness := models.LivenessAlive
		if added[rank] {
			liveness = models.LivenessAdded
		}
		records = append(records, models.ProcessRecord{Rank: rank, Liveness: liveness})
	}
	for _, rank := range view.Dead {
		records = append(records, models.ProcessRecord{Rank: rank, Liveness: models.LivenessDead})
	}
	return records
}

// Member is one process known to the coordinator's member table.
type Member struct {
	ID        string
	Rank      int
	Addr      string
	Epoch     uint64
	LastOK    time.Time
	Alive     bool
	CPULoad   float64
	MemUsedPc float64
}

// Table is the coordinator's best-effort membership view. Epochs guard
// against stale updates from restarted processes; the failure detector is
// timeout-based and intentionally imperfect.
type Table struct {
	mu      sync.RWMutex
	members map[string]Member
}

// NewTable creates an empty member table.
func NewTable() *Table {
	return &Table{members: make(map[string]Member)}
}

// Upsert records or refreshes a member. Updates carrying an older epoch than
// the stored one are dropped; a restarted process bumps its epoch to
// overwrite its old registration.
func (t *Table) Upsert(m Member) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.members[m.ID]
	if ok && m.Epoch < cur.Epoch {
		return
	}
	if ok && !cur.Alive && m.Epoch == cur.Epoch {
		// We already declared it dead; only a new epoch revives it.
		m.Alive = false
		m.LastOK = cur.LastOK
	}
	t.members[m.ID] = m
}

// MarkDeadBefore declares every member silent since the cutoff dead and
// returns their ranks.
func (t *Table) MarkDeadBefore(cutoff time.Time) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dead []int
	for id, m := range t.members {
		if m.Alive && m.LastOK.Before(cutoff) {
			m.Alive = false
			t.members[id] = m
			dead = append(dead, m.Rank)
		}
	}
	sort.Ints(dead)
	return dead
}

// Members returns all known members sorted by rank.
func (t *Table) Members() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Alive returns the number of members currently considered alive.
func (t *Table) Alive() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.members {
		if m.Alive {
			n++
		}
	}
	return n
}
