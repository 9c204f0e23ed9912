package memgroup

import (
	"context"

	"github.com/psantana5/reinit/pkg/comm"
)

// Proc is one simulated process's handle on the world. It implements
// comm.Communicator.
type Proc struct {
	w        *World
	rank     int
	prevRank int // -1 until an added process is established
	added    bool
	killed   bool
}

// Rank returns this process's rank in the current group.
func (p *Proc) Rank() int {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	return p.rank
}

// Size returns the current group size.
func (p *Proc) Size() int {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	return p.w.size
}

// Added reports whether this process was launched as a replacement and has
// not yet been established into the group.
func (p *Proc) Added() bool {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	return p.added
}

// Reestablish joins the group re-establishment rendezvous and returns this
// member's view of the new group.
func (p *Proc) Reestablish(ctx context.Context) (comm.GroupView, error) {
	return p.w.reestablish(ctx, p)
}

// Barrier blocks until every group member has entered it.
func (p *Proc) Barrier(ctx context.Context) error {
	_, err := p.w.collective(ctx, p, nil, func(map[int]any) any { return nil })
	return err
}

// AllreduceAnd reduces with logical AND.
func (p *Proc) AllreduceAnd(ctx context.Context, v bool) (bool, error) {
	res, err := p.w.collective(ctx, p, v, func(vals map[int]any) any {
		out := true
		for _, v := range vals {
			out = out && v.(bool)
		}
		return out
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// AllreduceMin reduces with MIN.
func (p *Proc) AllreduceMin(ctx context.Context, v uint64) (uint64, error) {
	res, err := p.w.collective(ctx, p, v, func(vals map[int]any) any {
		first := true
		var out uint64
		for _, v := range vals {
			if u := v.(uint64); first || u < out {
				out = u
				first = false
			}
		}
		return out
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// AllreduceMaxLoc reduces with max-with-location. Ties resolve to the lowest
// contributing rank.
func (p *Proc) AllreduceMaxLoc(ctx context.Context, v uint64) (comm.MaxLoc, error) {
	res, err := p.w.collective(ctx, p, v, func(vals map[int]any) any {
		out := comm.MaxLoc{Rank: -1}
		for _, r := range sortedRanks(vals) {
			u := vals[r].(uint64)
			if out.Rank < 0 || u > out.Value {
				out = comm.MaxLoc{Value: u, Rank: r}
			}
		}
		return out
	})
	if err != nil {
		return comm.MaxLoc{}, err
	}
	return res.(comm.MaxLoc), nil
}

// Broadcast delivers root's payload to every member.
func (p *Proc) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	res, err := p.w.collective(ctx, p, payload, func(vals map[int]any) any {
		return vals[root]
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.([]byte), nil
}

// Send queues a point-to-point payload for rank to.
func (p *Proc) Send(ctx context.Context, to int, payload []byte) error {
	select {
	case p.w.mailbox(p.Rank(), to) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for a point-to-point payload from rank from.
func (p *Proc) Recv(ctx context.Context, from int) ([]byte, error) {
	select {
	case b := <-p.w.mailbox(from, p.Rank()):
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
