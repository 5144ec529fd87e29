package proc

import (
	"os"

	"github.com/drossel-lang/keel/internal/abi"
)

// KillMode selects how a kill is delivered.
type KillMode uint8

const (
	// KillGraceful asks the child to terminate (SIGTERM; CTRL_BREAK on
	// Windows). The reaper escalates to KillForce after the grace period.
	KillGraceful KillMode = iota
	// KillForce terminates immediately (SIGKILL; TerminateJobObject).
	KillForce
)

func (m KillMode) String() string {
	if m == KillForce {
		return "force"
	}
	return "graceful"
}

// Child is a started native process plus the parent-side pipe ends. The
// platform-private fields live in the per-OS backend files.
type Child struct {
	PID int

	// Stdin is the parent's write end; Stdout/Stderr the parent's read ends.
	// The backend has already closed the child-side duplicates.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// exited receives the native exit code exactly once; tryExit caches it.
	exited   chan int32
	waitDone bool
	exitCode int32

	native nativeChild
}

// Backend creates and terminates native children behind one contract. The
// table, drain engine, and reaper depend only on this interface; exactly two
// implementations exist, selected at build time.
//
// Contract: Start never consults a search path; req.Exe is used verbatim.
// Killing the returned child with tree=true terminates its entire descendant
// subtree via a process group (unix) or a job object (windows); the cleanup
// handle for that group is never inheritable by the child.
type Backend interface {
	// Start creates the child with all three stdio streams redirected to
	// runtime-owned pipes. The returned Child is already running.
	Start(req *abi.Request) (*Child, error)

	// Signal delivers a kill. Idempotent: signalling an exited child is not
	// an error.
	Signal(c *Child, mode KillMode, tree bool) error

	// TryWait polls for exit without blocking: done=false means still
	// running and returns immediately.
	TryWait(c *Child) (exitCode int32, done bool, err error)

	// Release frees native resources (job handles). Safe after exit.
	Release(c *Child) error
}

// NewBackend returns the platform backend for this build.
func NewBackend() Backend { return newPlatformBackend() }

// NewChild assembles a Child for a Backend implementation outside this
// package. The files are the parent-side pipe ends; report the exit code by
// calling Exited exactly once.
func NewChild(pid int, stdin, stdout, stderr *os.File) *Child {
	return &Child{
		PID:    pid,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		exited: make(chan int32, 1),
	}
}

// Exited reports the child's native exit code. Call once.
func (c *Child) Exited(code int32) { c.exited <- code }
