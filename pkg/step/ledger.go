// Package step implements the per-process progress ledger. The stored value
// is the last step the process completed and is what this process contributes
// to step agreement during a consensus round.
package step

import (
	"sync"

	"github.com/psantana5/reinit/pkg/models"
)

// Ledger records the last completed step of a process. Values only ever
// increase; a non-increasing completion is rejected and the ledger is left
// unchanged.
type Ledger struct {
	mu        sync.RWMutex
	last      models.Step
	completed bool
	rewound   bool
}

// NewLedger creates an empty ledger. Query on an empty ledger returns 0.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Complete records step as the latest completed step. Returns
// models.ErrInvalidStepOrder unless step is strictly greater than the
// currently stored value. After a Rewind, the restart step itself may be
// re-completed since the application re-executes it.
func (l *Ledger) Complete(step models.Step) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.completed {
		if l.rewound {
			if step < l.last {
				return models.ErrInvalidStepOrder
			}
		} else if step <= l.last {
			return models.ErrInvalidStepOrder
		}
	}
	l.last = step
	l.completed = true
	l.rewound = false
	return nil
}

// Query returns the last completed step, or 0 if none was completed yet.
func (l *Ledger) Query() models.Step {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Rewind resets the ledger to the agreed restart step after recovery. The
// next Complete must be at least step; strict ordering resumes after it.
func (l *Ledger) Rewind(step models.Step) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = step
	l.completed = true
	l.rewound = true
}
