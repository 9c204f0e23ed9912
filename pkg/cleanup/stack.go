// Package cleanup implements the per-process LIFO registry of rollback
// handlers. Applications and libraries push handlers as they allocate
// resources and pop them on manual deallocation; when a fault occurs the
// dispatcher unwinds the stack in LIFO order, emulating stack unwinding the
// way an exception handler would.
package cleanup

import (
	"reflect"
	"sync"

	"github.com/psantana5/reinit/pkg/models"
)

// Code is the outcome a handler reports when it is done.
type Code int

const (
	// Abort means cleanup failed and the whole application must abort.
	Abort Code = iota
	// Success means cleanup succeeded and rollback may continue.
	Success
)

func (c Code) String() string {
	if c == Success {
		return "success"
	}
	return "abort"
}

// Handler cleans up application- or library-allocated resources when a fault
// occurs. It receives the start state the process will restart in if cleanup
// succeeds, plus the opaque context registered with it.
type Handler interface {
	Cleanup(state models.StartState, userCtx any) Code
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(state models.StartState, userCtx any) Code

// Cleanup invokes f.
func (f HandlerFunc) Cleanup(state models.StartState, userCtx any) Code {
	return f(state, userCtx)
}

// Entry is one registered handler plus its opaque user context. Entries are
// owned exclusively by the process's stack.
type Entry struct {
	Handler Handler
	UserCtx any
}

// Stack is the per-process LIFO registry of cleanup handlers. Handlers never
// execute concurrently with application control on the same process; they run
// strictly between fault delivery and re-entry.
type Stack struct {
	mu      sync.Mutex
	entries []Entry
}

// NewStack creates an empty cleanup stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push registers handler at the top of the stack. O(1).
func (s *Stack) Push(handler Handler, userCtx any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{Handler: handler, UserCtx: userCtx})
}

// Pop removes and returns the top entry. On an empty stack it returns an
// Entry with a nil Handler and nil UserCtx, the null sentinel.
func (s *Stack) Pop() Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if n == 0 {
		return Entry{}
	}
	e := s.entries[n-1]
	s.entries = s.entries[:n-1]
	return e
}

// Delete removes the topmost entry whose handler matches, wherever it sits,
// preserving the relative order of the remainder. Deleting an absent handler
// is a silent no-op.
func (s *Stack) Delete(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if handlerEqual(s.entries[i].Handler, handler) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered entries.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Unwind pops and invokes every handler in LIFO order, passing the start
// state the process is targeting. If any handler reports Abort, unwinding
// halts immediately and lower entries are never invoked. Returns Success only
// if every handler succeeded and the stack emptied.
func (s *Stack) Unwind(state models.StartState) Code {
	for {
		e := s.Pop()
		if e.Handler == nil {
			return Success
		}
		if e.Handler.Cleanup(state, e.UserCtx) == Abort {
			return Abort
		}
	}
}

// handlerEqual compares handlers by identity. Function-backed handlers are
// compared by code pointer since func values are not comparable.
func handlerEqual(a, b Handler) bool {
	af, aok := a.(HandlerFunc)
	bf, bok := b.(HandlerFunc)
	if aok || bok {
		if !aok || !bok {
			return false
		}
		return reflect.ValueOf(af).Pointer() == reflect.ValueOf(bf).Pointer()
	}
	return a == b
}
