package proc

import (
	"time"

	"github.com/drossel-lang/keel/internal/abi"
)

// State is the lifecycle state of one table entry.
// Created → Running → {Exited, Killed, Failed}. Terminal states are entered
// exactly once and never revisited.
type State uint8

const (
	// StateCreated is transient: the spawn backend is mid-call.
	StateCreated State = iota
	// StateRunning: native creation succeeded and stdio is attached.
	StateRunning
	// StateExited: the child exited on its own.
	StateExited
	// StateKilled: a caller or drop forced termination.
	StateKilled
	// StateFailed: the reaper terminated the child for a policy reason
	// (timeout, output cap) or native creation failed after table commit.
	StateFailed
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// entry is one slot's process record. It is owned exclusively by the table
// and referenced only by handle; nothing outside this package holds it.
type entry struct {
	state   State
	spawnID string
	exe     string
	args    []string
	mode    string // "capture" or "streaming"
	caps    abi.Caps

	child  *Child
	stdout *outStream
	stderr *outStream
	stdin  *inStream

	started  time.Time
	deadline time.Time

	// graceDeadline is set when a graceful kill was signalled; the sweep
	// escalates to a force kill once it passes.
	graceDeadline time.Time
	killRequested bool

	// failCode is set when the reaper decides the entry must fail (timeout,
	// output cap). It wins over Exited/Killed at transition time.
	failCode abi.Code
	failSet  bool

	result  abi.ResultDocument
	waiters []chan abi.ResultDocument
}

func (e *entry) modeStreaming() bool { return e.mode == "streaming" }

// Snapshot is the externally visible view of an entry, safe to hand to the
// inspection API and the TUI.
type Snapshot struct {
	Handle   Handle    `json:"handle"`
	SpawnID  string    `json:"spawn_id"`
	State    string    `json:"state"`
	Exe      string    `json:"exe"`
	Args     []string  `json:"args"`
	Mode     string    `json:"mode"`
	PID      int       `json:"pid"`
	Started  time.Time `json:"started"`
	Deadline time.Time `json:"deadline"`

	StdoutBytes uint64 `json:"stdout_bytes"`
	StderrBytes uint64 `json:"stderr_bytes"`

	// Terminal-only fields.
	ExitCode  int32  `json:"exit_code,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}
