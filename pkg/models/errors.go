package models

import "errors"

// Error taxonomy for the restart-coordination core.
//
// Local precondition violations (ErrInvalidStepOrder) are returned to the
// immediate caller without group coordination. Failures discovered during
// unwinding or consensus are resolved via a reduction so every participant
// acts on an identical outcome.
var (
	// ErrInvalidStepOrder is returned when a completed step is not strictly
	// greater than the previously completed one. Local, non-fatal.
	ErrInvalidStepOrder = errors.New("step not strictly increasing")

	// ErrCleanupAbort means a cleanup handler reported ABORT during unwind.
	// Fatal; elevated to a group-wide decision, all processes abort.
	ErrCleanupAbort = errors.New("cleanup handler aborted unwind")

	// ErrConsensusUnreachable means no checkpoint source is available for a
	// replaced rank. Fatal.
	ErrConsensusUnreachable = errors.New("no checkpoint source available for replaced rank")

	// ErrGroupSizeUnsupported is the application's decision that it cannot
	// run at the post-fault world size. The core only propagates it.
	ErrGroupSizeUnsupported = errors.New("application cannot run at current group size")
)

// AbortExitCode is the distinguished non-zero status used when recovery ends
// in a global abort.
const AbortExitCode = 3
