package membership

import (
	"testing"
	"time"

	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/models"
)

func TestClassify_ReplacementGetsAdded(t *testing.T) {
	view := comm.GroupView{Size: 4, PrevSize: 4, Dead: []int{2}, Added: []int{2}}

	states := Classify(view)

	want := []models.StartState{
		models.StartRestarted, models.StartRestarted,
		models.StartAdded, models.StartRestarted,
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("rank %d: state = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestClassify_ShrunkGroupIsNew(t *testing.T) {
	view := comm.GroupView{Size: 2, PrevSize: 3, Dead: []int{1}, Shrunk: true}

	for i, s := range Classify(view) {
		if s != models.StartNew {
			t.Errorf("rank %d: state = %v, want NEW", i, s)
		}
	}
}

func TestBuildRecords(t *testing.T) {
	view := comm.GroupView{Size: 3, PrevSize: 3, Dead: []int{1}, Added: []int{1}}

	records := BuildRecords(view)

	if len(records) != 4 {
		t.Fatalf("got %d records, want 4 (3 live/added + 1 dead)", len(records))
	}
	if records[1].Liveness != models.LivenessAdded {
		t.Errorf("rank 1 liveness = %s, want added", records[1].Liveness)
	}
	if records[3].Rank != 1 || records[3].Liveness != models.LivenessDead {
		t.Errorf("dead record = %+v, want rank 1 dead", records[3])
	}
}

func TestTable_EpochGuard(t *testing.T) {
	tbl := NewTable()
	now := time.Now()

	tbl.Upsert(Member{ID: "p0", Rank: 0, Epoch: 2, Alive: true, LastOK: now})
	tbl.Upsert(Member{ID: "p0", Rank: 0, Epoch: 1, Alive: true, Addr: "stale"})

	members := tbl.Members()
	if len(members) != 1 || members[0].Addr == "stale" {
		t.Errorf("stale epoch overwrote member: %+v", members)
	}
}

func TestTable_MarkDeadBefore(t *testing.T) {
	tbl := NewTable()
	now := time.Now()

	tbl.Upsert(Member{ID: "p0", Rank: 0, Epoch: 1, Alive: true, LastOK: now})
	tbl.Upsert(Member{ID: "p1", Rank: 1, Epoch: 1, Alive: true, LastOK: now.Add(-2 * time.Minute)})

	dead := tbl.MarkDeadBefore(now.Add(-time.Minute))
	if len(dead) != 1 || dead[0] != 1 {
		t.Fatalf("dead = %v, want [1]", dead)
	}
	if tbl.Alive() != 1 {
		t.Errorf("Alive() = %d, want 1", tbl.Alive())
	}

	// A dead member stays dead at the same epoch.
	tbl.Upsert(Member{ID: "p1", Rank: 1, Epoch: 1, Alive: true, LastOK: now})
	if tbl.Alive() != 1 {
		t.Errorf("dead member revived without a new epoch")
	}
}
