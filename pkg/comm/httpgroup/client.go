package httpgroup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/logging"
	"github.com/psantana5/reinit/pkg/models"
	"github.com/psantana5/reinit/pkg/retry"
)

// Client is one process's handle on the coordinator. It implements
// comm.Communicator and comm.Notifier over HTTP.
type Client struct {
	base     string
	http     *http.Client
	retryCfg retry.Config
	log      *logging.Logger

	mu         sync.Mutex
	memberID   string
	rank       int
	size       int
	epoch      uint64
	eventsSeen int
	sink       func(models.FaultEvent)
}

// NewClient creates a client for the coordinator at base. The underlying
// HTTP client carries no timeout; collective calls are held open until the
// whole group arrives.
func NewClient(base string, log *logging.Logger) *Client {
	return &Client{
		base:     base,
		http:     &http.Client{},
		retryCfg: retry.DefaultConfig(),
		log:      log,
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) memberPath(suffix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "/api/v1/members/" + c.memberID + suffix
}

// Join registers this process with the coordinator. Replacements pass added
// and the dead rank whose slot they take. Transient transport failures are
// retried with backoff.
func (c *Client) Join(ctx context.Context, added bool, rank int) error {
	var resp JoinResponse
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.post(ctx, "/api/v1/join", JoinRequest{Added: added, Rank: rank}, &resp)
	})
	if err != nil {
		return fmt.Errorf("joining group: %w", err)
	}
	c.mu.Lock()
	c.memberID = resp.MemberID
	c.rank = resp.Rank
	c.size = resp.Size
	c.mu.Unlock()
	c.log.Infof("joined group as rank %d of %d", resp.Rank, resp.Size)
	return nil
}

// Rank returns this process's rank in the current group.
func (c *Client) Rank() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rank
}

// Size returns the current group size.
func (c *Client) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Client) collective(ctx context.Context, req CollectiveRequest) (CollectiveResponse, error) {
	var resp CollectiveResponse
	// Collective contributions are not idempotent; no retry.
	if err := c.post(ctx, c.memberPath("/collective"), req, &resp); err != nil {
		return CollectiveResponse{}, fmt.Errorf("collective %s failed: %w", req.Op, err)
	}
	return resp, nil
}

// Barrier blocks until every group member has entered it.
func (c *Client) Barrier(ctx context.Context) error {
	_, err := c.collective(ctx, CollectiveRequest{Op: OpBarrier})
	return err
}

// AllreduceAnd reduces with logical AND.
func (c *Client) AllreduceAnd(ctx context.Context, v bool) (bool, error) {
	resp, err := c.collective(ctx, CollectiveRequest{Op: OpAnd, Flag: v})
	return resp.Flag, err
}

// AllreduceMin reduces with MIN.
func (c *Client) AllreduceMin(ctx context.Context, v uint64) (uint64, error) {
	resp, err := c.collective(ctx, CollectiveRequest{Op: OpMin, Value: v})
	return resp.Value, err
}

// AllreduceMaxLoc reduces with max-with-location.
func (c *Client) AllreduceMaxLoc(ctx context.Context, v uint64) (comm.MaxLoc, error) {
	resp, err := c.collective(ctx, CollectiveRequest{Op: OpMaxLoc, Value: v})
	return comm.MaxLoc{Value: resp.Value, Rank: resp.Rank}, err
}

// Broadcast delivers root's payload to every member.
func (c *Client) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	resp, err := c.collective(ctx, CollectiveRequest{Op: OpBroadcast, Root: root, Payload: payload})
	return resp.Payload, err
}

// Reestablish joins the group re-establishment rendezvous and returns this
// member's view of the new group.
func (c *Client) Reestablish(ctx context.Context) (comm.GroupView, error) {
	var resp ReestablishResponse
	if err := c.post(ctx, c.memberPath("/reestablish"), struct{}{}, &resp); err != nil {
		return comm.GroupView{}, fmt.Errorf("re-establishment failed: %w", err)
	}
	c.mu.Lock()
	c.rank = resp.View.Rank
	c.size = resp.View.Size
	c.epoch++
	c.mu.Unlock()
	return resp.View, nil
}

// Send queues a point-to-point payload for rank to.
func (c *Client) Send(ctx context.Context, to int, payload []byte) error {
	return c.post(ctx, c.memberPath("/send"), SendRequest{To: to, Payload: payload}, nil)
}

// Recv blocks for a point-to-point payload from rank from.
func (c *Client) Recv(ctx context.Context, from int) ([]byte, error) {
	var resp RecvResponse
	if err := c.post(ctx, c.memberPath("/recv"), RecvRequest{From: from}, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// NotifyAll records a fault with the coordinator; every member observes it
// through its heartbeat.
func (c *Client) NotifyAll(ev models.FaultEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.post(ctx, "/api/v1/faults", ev, nil)
	})
	if err != nil {
		c.log.Errorf("raising fault: %v", err)
	}
}

// BindSink registers the local delivery sink invoked for every fault event
// the heartbeat brings back.
func (c *Client) BindSink(sink func(models.FaultEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Heartbeat reports host load to the coordinator and delivers any fault
// events this member has not seen yet.
func (c *Client) Heartbeat(ctx context.Context) error {
	req := HeartbeatRequest{}
	c.mu.Lock()
	req.Epoch = c.epoch
	req.EventsSeen = c.eventsSeen
	c.mu.Unlock()

	if loads, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(loads) > 0 {
		req.CPULoad = loads[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		req.MemUsedPc = vm.UsedPercent
	}

	var resp HeartbeatResponse
	if err := c.post(ctx, c.memberPath("/heartbeat"), req, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.eventsSeen += len(resp.Events)
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		for _, ev := range resp.Events {
			sink(ev)
		}
	}
	return nil
}

// StartHeartbeats runs the heartbeat loop until ctx is cancelled.
func (c *Client) StartHeartbeats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				c.log.Warnf("heartbeat failed: %v", err)
			}
		}
	}
}
