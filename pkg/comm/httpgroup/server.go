// Package httpgroup runs the group substrate over HTTP: a coordinator
// relays collectives, heartbeats and fault notifications between processes
// spread across hosts. The coordinator drives the same rendezvous engine the
// in-process substrate uses; each blocking call is held open until the whole
// group has arrived.
package httpgroup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/comm/memgroup"
	"github.com/psantana5/reinit/pkg/logging"
	"github.com/psantana5/reinit/pkg/membership"
	"github.com/psantana5/reinit/pkg/models"
)

// Server is the group coordinator.
type Server struct {
	world     *memgroup.World
	table     *membership.Table
	log       *logging.Logger
	hbTimeout time.Duration
	startTime time.Time

	mu      sync.Mutex
	members map[string]*memgroup.Proc
	joined  int
	events  []models.FaultEvent
}

// NewServer creates a coordinator for a group of worldSize processes.
// Members silent for longer than hbTimeout are declared dead.
func NewServer(worldSize int, hbTimeout time.Duration, log *logging.Logger) *Server {
	return &Server{
		world:     memgroup.NewWorld(worldSize),
		table:     membership.NewTable(),
		log:       log,
		hbTimeout: hbTimeout,
		startTime: time.Now(),
		members:   make(map[string]*memgroup.Proc),
	}
}

// RegisterRoutes registers all coordinator routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/join", s.Join).Methods("POST")
	r.HandleFunc("/api/v1/members", s.ListMembers).Methods("GET")
	r.HandleFunc("/api/v1/members/{id}/heartbeat", s.Heartbeat).Methods("POST")
	r.HandleFunc("/api/v1/members/{id}/collective", s.Collective).Methods("POST")
	r.HandleFunc("/api/v1/members/{id}/reestablish", s.Reestablish).Methods("POST")
	r.HandleFunc("/api/v1/members/{id}/send", s.Send).Methods("POST")
	r.HandleFunc("/api/v1/members/{id}/recv", s.Recv).Methods("POST")
	r.HandleFunc("/api/v1/faults", s.RaiseFault).Methods("POST")
	r.HandleFunc("/health", s.Health).Methods("GET")
	r.HandleFunc("/metrics", s.Metrics).Methods("GET")
}

func (s *Server) member(r *http.Request) (*memgroup.Proc, string, bool) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.members[id]
	return p, id, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Join registers a process. Initial members are assigned the next free rank;
// replacements take the named dead rank's slot and join the group at the
// next re-establishment.
func (s *Server) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var p *memgroup.Proc
	if req.Added {
		var err error
		if p, err = s.world.Replace(req.Rank); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	} else {
		if s.joined >= s.world.Size() {
			http.Error(w, "group is full", http.StatusConflict)
			return
		}
		p = s.world.Proc(s.joined)
		s.joined++
	}

	id := uuid.NewString()
	s.members[id] = p
	s.table.Upsert(membership.Member{
		ID:     id,
		Rank:   p.Rank(),
		Epoch:  0,
		LastOK: time.Now(),
		Alive:  true,
	})
	s.log.Infof("member %s joined as rank %d (added=%v)", id, p.Rank(), req.Added)
	writeJSON(w, http.StatusOK, JoinResponse{MemberID: id, Rank: p.Rank(), Size: s.world.Size()})
}

// Heartbeat refreshes a member's liveness and returns the fault events it
// has not observed yet.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	p, id, ok := s.member(r)
	if !ok {
		http.Error(w, "unknown member", http.StatusNotFound)
		return
	}
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.table.Upsert(membership.Member{
		ID:        id,
		Rank:      p.Rank(),
		Epoch:     req.Epoch,
		LastOK:    time.Now(),
		Alive:     true,
		CPULoad:   req.CPULoad,
		MemUsedPc: req.MemUsedPc,
	})

	s.mu.Lock()
	var pending []models.FaultEvent
	if req.EventsSeen < len(s.events) {
		pending = append(pending, s.events[req.EventsSeen:]...)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, HeartbeatResponse{Events: pending})
}

// Collective relays one member's contribution to a group operation and
// blocks until the result is ready.
func (s *Server) Collective(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.member(r)
	if !ok {
		http.Error(w, "unknown member", http.StatusNotFound)
		return
	}
	var req CollectiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var resp CollectiveResponse
	var err error
	switch req.Op {
	case OpBarrier:
		err = p.Barrier(ctx)
	case OpAnd:
		resp.Flag, err = p.AllreduceAnd(ctx, req.Flag)
	case OpMin:
		resp.Value, err = p.AllreduceMin(ctx, req.Value)
	case OpMaxLoc:
		var ml comm.MaxLoc
		ml, err = p.AllreduceMaxLoc(ctx, req.Value)
		resp.Value, resp.Rank = ml.Value, ml.Rank
	case OpBroadcast:
		resp.Payload, err = p.Broadcast(ctx, req.Root, req.Payload)
	default:
		http.Error(w, fmt.Sprintf("unknown collective op %q", req.Op), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reestablish blocks the member in the group re-establishment rendezvous and
// returns its view of the new group.
func (s *Server) Reestablish(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.member(r)
	if !ok {
		http.Error(w, "unknown member", http.StatusNotFound)
		return
	}
	view, err := p.Reestablish(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ReestablishResponse{View: view})
}

// Send queues a point-to-point payload for another rank.
func (s *Server) Send(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.member(r)
	if !ok {
		http.Error(w, "unknown member", http.StatusNotFound)
		return
	}
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := p.Send(r.Context(), req.To, req.Payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// Recv blocks for a point-to-point payload from another rank.
func (s *Server) Recv(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.member(r)
	if !ok {
		http.Error(w, "unknown member", http.StatusNotFound)
		return
	}
	var req RecvRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	payload, err := p.Recv(r.Context(), req.From)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RecvResponse{Payload: payload})
}

// RaiseFault records a fault event and fans it out through heartbeats.
func (s *Server) RaiseFault(w http.ResponseWriter, r *http.Request) {
	var ev models.FaultEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.appendEvent(ev)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) appendEvent(ev models.FaultEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.log.Infof("fault recorded: %s fault from rank %d", ev.Kind, ev.Origin)
}

// ListMembers returns the member table sorted by rank.
func (s *Server) ListMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.table.Members())
}

// Health responds to liveness probes.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics serves coordinator metrics at /metrics
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP reinit_coordinator_uptime_seconds Coordinator uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE reinit_coordinator_uptime_seconds gauge\n")
	fmt.Fprintf(w, "reinit_coordinator_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	members := s.table.Members()
	fmt.Fprintf(w, "\n# HELP reinit_coordinator_members_total Registered members\n")
	fmt.Fprintf(w, "# TYPE reinit_coordinator_members_total gauge\n")
	fmt.Fprintf(w, "reinit_coordinator_members_total %d\n", len(members))

	fmt.Fprintf(w, "\n# HELP reinit_coordinator_members_alive Members currently considered alive\n")
	fmt.Fprintf(w, "# TYPE reinit_coordinator_members_alive gauge\n")
	fmt.Fprintf(w, "reinit_coordinator_members_alive %d\n", s.table.Alive())

	s.mu.Lock()
	events := len(s.events)
	s.mu.Unlock()
	fmt.Fprintf(w, "\n# HELP reinit_coordinator_fault_events_total Fault events recorded\n")
	fmt.Fprintf(w, "# TYPE reinit_coordinator_fault_events_total counter\n")
	fmt.Fprintf(w, "reinit_coordinator_fault_events_total %d\n", events)
}

// DetectFailures runs the timeout failure detector until ctx is cancelled.
// A silent member's rank is killed in the rendezvous engine and a detected
// fault is recorded for the survivors.
func (s *Server) DetectFailures(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rank := range s.table.MarkDeadBefore(time.Now().Add(-s.hbTimeout)) {
				s.log.Warnf("rank %d missed heartbeats, declaring it dead", rank)
				s.world.Kill(rank)
				s.appendEvent(models.FaultEvent{Origin: rank, Kind: models.FaultDetected})
			}
		}
	}
}
