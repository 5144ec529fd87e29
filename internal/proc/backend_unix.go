//go:build !windows

package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/drossel-lang/keel/internal/abi"
)

// nativeChild carries the unix-private half of a Child. The child is placed
// in its own process group so a tree kill is one signal to -pgid.
type nativeChild struct {
	cmd  *exec.Cmd
	pgid int
}

type unixBackend struct{}

func newPlatformBackend() Backend { return &unixBackend{} }

func (b *unixBackend) Start(req *abi.Request) (*Child, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	// The exec path is always explicit: Path is used verbatim, never
	// resolved against $PATH.
	cmd := &exec.Cmd{
		Path:   req.Exe,
		Args:   append([]string{req.Exe}, req.Args...),
		Env:    buildEnv(req.Env),
		Stdin:  stdinR,
		Stdout: stdoutW,
		Stderr: stderrW,
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid: true,
		},
	}
	if req.HasWorkdir {
		cmd.Dir = req.Workdir
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start process: %w", err)
	}

	// Child-side duplicates are the child's now; keeping them open in the
	// parent would defeat end-of-stream detection on the read ends.
	closeAll(stdinR, stdoutW, stderrW)

	c := &Child{
		PID:    cmd.Process.Pid,
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		exited: make(chan int32, 1),
		native: nativeChild{cmd: cmd, pgid: cmd.Process.Pid},
	}

	go func() {
		c.exited <- waitExitCode(cmd.Wait())
	}()

	return c, nil
}

func (b *unixBackend) Signal(c *Child, mode KillMode, tree bool) error {
	sig := unix.SIGTERM
	if mode == KillForce {
		sig = unix.SIGKILL
	}

	target := c.PID
	if tree {
		target = -c.native.pgid
	}
	if err := unix.Kill(target, sig); err != nil {
		// The group may already be gone; kill is idempotent by contract.
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("kill %d with %v: %w", target, sig, err)
	}
	return nil
}

func (b *unixBackend) TryWait(c *Child) (int32, bool, error) {
	code, done := c.tryExit()
	return code, done, nil
}

func (b *unixBackend) Release(c *Child) error {
	// Nothing unix-specific to free: the wait goroutine reaps the child and
	// pipe ends are closed by the table.
	return nil
}

// waitExitCode maps the Wait error into a numeric exit code. Signal deaths
// use the 128+signal shell convention so callers see a stable nonzero code.
func waitExitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return int32(128 + int(ws.Signal()))
		}
		return int32(exitErr.ExitCode())
	}
	// Wait itself failed; surface a distinct sentinel code.
	return -1
}

