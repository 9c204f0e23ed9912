package step

import (
	"errors"
	"testing"

	"github.com/psantana5/reinit/pkg/models"
)

func TestLedger_CompleteIncreasing(t *testing.T) {
	l := NewLedger()

	for _, s := range []models.Step{1, 2, 5, 100} {
		if err := l.Complete(s); err != nil {
			t.Fatalf("Complete(%d) failed: %v", s, err)
		}
		if got := l.Query(); got != s {
			t.Errorf("Query() = %d, want %d", got, s)
		}
	}
}

func TestLedger_CompleteZeroOnFreshLedger(t *testing.T) {
	l := NewLedger()

	// First start can legitimately complete step 0.
	if err := l.Complete(0); err != nil {
		t.Fatalf("Complete(0) on fresh ledger failed: %v", err)
	}
	if err := l.Complete(0); !errors.Is(err, models.ErrInvalidStepOrder) {
		t.Errorf("repeated Complete(0) = %v, want ErrInvalidStepOrder", err)
	}
}

func TestLedger_CompleteNonIncreasing(t *testing.T) {
	l := NewLedger()

	if err := l.Complete(7); err != nil {
		t.Fatalf("Complete(7) failed: %v", err)
	}

	for _, s := range []models.Step{7, 6, 0} {
		if err := l.Complete(s); !errors.Is(err, models.ErrInvalidStepOrder) {
			t.Errorf("Complete(%d) = %v, want ErrInvalidStepOrder", s, err)
		}
	}

	// Ledger unchanged by the failed calls.
	if got := l.Query(); got != 7 {
		t.Errorf("Query() = %d, want 7", got)
	}
}

func TestLedger_RewindAllowsReexecution(t *testing.T) {
	l := NewLedger()

	if err := l.Complete(12); err != nil {
		t.Fatalf("Complete(12) failed: %v", err)
	}

	// Consensus agreed on step 9; the application re-executes it.
	l.Rewind(9)
	if got := l.Query(); got != 9 {
		t.Errorf("Query() after Rewind = %d, want 9", got)
	}
	if err := l.Complete(9); err != nil {
		t.Fatalf("Complete(9) after Rewind failed: %v", err)
	}

	// Strict ordering resumes after the re-executed step.
	if err := l.Complete(9); !errors.Is(err, models.ErrInvalidStepOrder) {
		t.Errorf("second Complete(9) = %v, want ErrInvalidStepOrder", err)
	}
	if err := l.Complete(10); err != nil {
		t.Fatalf("Complete(10) failed: %v", err)
	}
}
