package models

// Step is a per-process monotonic progress marker. It is the granularity at
// which a computation can be rolled back and resumed.
type Step uint64

// StartState tells an entry point why the process is entering its main loop.
type StartState int

const (
	StartNew       StartState = iota // fresh process, no prior fault
	StartRestarted                   // process restarted due to a fault
	StartAdded                       // process added to replace a failed one
)

func (s StartState) String() string {
	switch s {
	case StartNew:
		return "NEW"
	case StartRestarted:
		return "RESTARTED"
	case StartAdded:
		return "ADDED"
	default:
		return "UNKNOWN"
	}
}

// FaultMode controls when fault notifications are delivered on a process.
type FaultMode int

const (
	// SynchronousFaults defers delivery to explicit probes and designated
	// runtime operations. Use it to mask interrupts around non-reentrant
	// sections.
	SynchronousFaults FaultMode = iota
	// AsynchronousFaults delivers faults immediately by cancelling the
	// process's cycle context.
	AsynchronousFaults
)

func (m FaultMode) String() string {
	if m == AsynchronousFaults {
		return "asynchronous"
	}
	return "synchronous"
}

// FaultKind distinguishes application-raised faults from detected failures.
type FaultKind int

const (
	FaultExplicit FaultKind = iota // application called RaiseFault
	FaultDetected                  // substrate detected a process failure
)

func (k FaultKind) String() string {
	if k == FaultDetected {
		return "detected"
	}
	return "explicit"
}

// FaultEvent is a transient fault notification, consumed once observed.
type FaultEvent struct {
	Origin int       `json:"origin"` // rank that raised or was detected
	Kind   FaultKind `json:"kind"`
}

// Liveness classifies a rank within a consensus round.
type Liveness string

const (
	LivenessAlive Liveness = "alive"
	LivenessDead  Liveness = "dead"
	LivenessAdded Liveness = "added"
)

// ProcessRecord is one rank's row in the membership table built fresh for
// each consensus round. It is never persisted across rounds.
type ProcessRecord struct {
	Rank     int      `json:"rank"`
	LastStep Step     `json:"last_step"`
	Liveness Liveness `json:"liveness"`
}

// ConsensusResult is the outcome of a consensus round. Every participating
// process holds an identical copy before any of them leaves the round.
type ConsensusResult struct {
	RestartStep Step            `json:"restart_step"`
	States      []StartState    `json:"states"` // indexed by new rank
	Records     []ProcessRecord `json:"records"`
}
