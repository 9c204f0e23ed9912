package checkpoint

import (
	"sync"

	"github.com/psantana5/reinit/pkg/models"
)

// MemoryRegistry is an in-memory Registry. The simulate command shares one
// across all simulated processes so availability decisions come out uniform,
// the way a real deployment's would through its checkpoint library.
type MemoryRegistry struct {
	mu       sync.RWMutex
	replicas map[int]map[int]models.Step // rank -> holder -> step
	durable  map[int]models.Step         // rank -> step
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		replicas: make(map[int]map[int]models.Step),
		durable:  make(map[int]models.Step),
	}
}

func (r *MemoryRegistry) RecordReplica(holder, rank int, step models.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replicas[rank] == nil {
		r.replicas[rank] = make(map[int]models.Step)
	}
	r.replicas[rank][holder] = step
	return nil
}

func (r *MemoryRegistry) RecordDurable(rank int, step models.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durable[rank] = step
	return nil
}

func (r *MemoryRegistry) HoldsReplica(holder, rank int) (models.Step, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.replicas[rank][holder]
	return step, ok, nil
}

func (r *MemoryRegistry) ReplicaAvailable(rank int) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.replicas[rank]) > 0, nil
}

func (r *MemoryRegistry) DurableAvailable(rank int) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.durable[rank]
	return ok, nil
}

func (r *MemoryRegistry) RecoveredStep(rank int) (models.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Peer replica first, then the rank's own durable checkpoint.
	if holders := r.replicas[rank]; len(holders) > 0 {
		var best models.Step
		for _, step := range holders {
			if step > best {
				best = step
			}
		}
		return best, nil
	}
	if step, ok := r.durable[rank]; ok {
		return step, nil
	}
	return 0, ErrNoCheckpoint
}

func (r *MemoryRegistry) Forget(rank int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.replicas, rank)
	delete(r.durable, rank)
	return nil
}
