// Package memgroup is the in-process rendezvous engine behind the group
// substrate: every participant is a goroutine and collectives are rendezvous
// points guarded by a single condition variable. It backs the test suite and
// the simulate command directly, and the HTTP coordinator drives it with one
// handler goroutine per member.
package memgroup

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/models"
)

type memberStatus int

const (
	statusAlive memberStatus = iota
	statusDead
	statusAdded // replacement occupying a dead slot, pending re-establishment
)

type slot struct {
	status memberStatus
	proc   *Proc
}

// World owns the simulated group: membership slots, the collective
// rendezvous state and fault fan-out. It plays both the communication
// substrate and the process-launch/membership manager.
type World struct {
	mu   sync.Mutex
	cond *sync.Cond

	prevSize int
	size     int
	slots    []slot
	dead     []int // pre-fault ranks that died since last establishment
	sinks    map[*Proc]func(models.FaultEvent)

	// collective rendezvous, one in flight at a time
	collGen     uint64
	collVals    map[int]any
	collCombine func(map[int]any) any
	collResult  any

	// re-establishment rendezvous
	reGen   uint64
	reCount int
	reViews map[*Proc]comm.GroupView

	mailMu sync.Mutex
	mail   map[[2]int]chan []byte
}

// NewWorld creates a world of n live processes with ranks 0..n-1. The
// initial group is considered established.
func NewWorld(n int) *World {
	w := &World{
		prevSize: n,
		size:     n,
		slots:    make([]slot, n),
		sinks:    make(map[*Proc]func(models.FaultEvent)),
		mail:     make(map[[2]int]chan []byte),
	}
	w.cond = sync.NewCond(&w.mu)
	for i := range w.slots {
		w.slots[i] = slot{status: statusAlive, proc: &Proc{w: w, rank: i, prevRank: i}}
	}
	return w
}

// Size returns the current group size.
func (w *World) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Proc returns the communicator handle for rank.
func (w *World) Proc(rank int) *Proc {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.slots[rank].proc
}

// BindSink registers the fault sink invoked when a notification is fanned
// out to p's process.
func (w *World) BindSink(p *Proc, sink func(models.FaultEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sinks[p] = sink
}

// NotifyAll delivers a fault event to every live process's sink.
func (w *World) NotifyAll(ev models.FaultEvent) {
	w.mu.Lock()
	sinks := make([]func(models.FaultEvent), 0, len(w.sinks))
	for _, s := range w.sinks {
		sinks = append(sinks, s)
	}
	w.mu.Unlock()
	for _, s := range sinks {
		s(ev)
	}
}

// Kill marks rank dead and detaches its fault sink. The dead process no
// longer counts toward any rendezvous.
func (w *World) Kill(rank int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := &w.slots[rank]
	if s.status == statusDead {
		return
	}
	s.status = statusDead
	s.proc.killed = true
	delete(w.sinks, s.proc)
	w.dead = append(w.dead, rank)
	// A pending rendezvous may now be complete without this member.
	if w.reCount > 0 && w.reCount == w.participantsLocked() {
		w.finalizeReestablishLocked()
	}
	if w.collVals != nil && len(w.collVals) == w.participantsLocked() {
		w.finalizeCollectiveLocked()
	}
	w.cond.Broadcast()
}

// Replace launches a replacement process in the slot of a dead rank. The
// membership manager assigns it the failed rank's original index; it joins
// the group at the next re-establishment.
func (w *World) Replace(rank int) (*Proc, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := &w.slots[rank]
	if s.status != statusDead {
		return nil, fmt.Errorf("slot %d is not dead", rank)
	}
	p := &Proc{w: w, rank: rank, prevRank: -1, added: true}
	w.slots[rank] = slot{status: statusAdded, proc: p}
	return p, nil
}

// participantsLocked counts members expected at the next rendezvous.
func (w *World) participantsLocked() int {
	n := 0
	for _, s := range w.slots {
		if s.status != statusDead {
			n++
		}
	}
	return n
}

func (w *World) reestablish(ctx context.Context, p *Proc) (comm.GroupView, error) {
	if err := ctx.Err(); err != nil {
		return comm.GroupView{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	gen := w.reGen
	w.reCount++
	if w.reCount == w.participantsLocked() {
		w.finalizeReestablishLocked()
	} else {
		for gen == w.reGen {
			w.cond.Wait()
		}
	}
	return w.reViews[p], nil
}

// finalizeReestablishLocked computes every participant's view of the new
// group and installs the new rank assignment. If every dead slot was
// refilled, ranks keep their slot indices; otherwise the group shrank,
// survivors are compacted in slot order and rank continuity is waived.
func (w *World) finalizeReestablishLocked() {
	var parts []*Proc
	var added []int
	shrunk := false
	for _, s := range w.slots {
		switch s.status {
		case statusDead:
			shrunk = true
		default:
			parts = append(parts, s.proc)
		}
	}

	newSize := len(parts)
	views := make(map[*Proc]comm.GroupView, newSize)
	newSlots := make([]slot, newSize)
	for newRank, p := range parts {
		if p.added {
			added = append(added, newRank)
		}
	}
	for newRank, p := range parts {
		views[p] = comm.GroupView{
			Rank:     newRank,
			Size:     newSize,
			PrevRank: p.prevRank,
			PrevSize: w.prevSize,
			Dead:     append([]int(nil), w.dead...),
			Added:    append([]int(nil), added...),
			Shrunk:   shrunk,
		}
		p.rank = newRank
		p.prevRank = newRank
		p.added = false
		newSlots[newRank] = slot{status: statusAlive, proc: p}
	}

	w.slots = newSlots
	w.prevSize = newSize
	w.size = newSize
	w.dead = nil
	w.reViews = views
	w.reCount = 0
	w.reGen++
	w.cond.Broadcast()
}

// collective is the shared rendezvous: every live member contributes a
// value keyed by its rank, the last arrival combines them, and all observe
// the same result. Contributions are keyed by rank so a group that lost
// members mid-recovery still completes once every survivor has arrived.
func (w *World) collective(ctx context.Context, p *Proc, v any, combine func(map[int]any) any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	gen := w.collGen
	if w.collVals == nil {
		w.collVals = make(map[int]any)
		w.collCombine = combine
	}
	w.collVals[p.rank] = v
	if len(w.collVals) == w.participantsLocked() {
		w.finalizeCollectiveLocked()
		return w.collResult, nil
	}
	for gen == w.collGen {
		w.cond.Wait()
	}
	return w.collResult, nil
}

func (w *World) finalizeCollectiveLocked() {
	w.collResult = w.collCombine(w.collVals)
	w.collVals = nil
	w.collCombine = nil
	w.collGen++
	w.cond.Broadcast()
}

// sortedRanks returns the contributing ranks in ascending order so
// reductions with location semantics resolve ties deterministically.
func sortedRanks(vals map[int]any) []int {
	ranks := make([]int, 0, len(vals))
	for r := range vals {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}

func (w *World) mailbox(from, to int) chan []byte {
	w.mailMu.Lock()
	defer w.mailMu.Unlock()
	key := [2]int{from, to}
	ch, ok := w.mail[key]
	if !ok {
		ch = make(chan []byte, 16)
		w.mail[key] = ch
	}
	return ch
}
