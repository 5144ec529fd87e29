//go:build windows

package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/drossel-lang/keel/internal/abi"
)

// nativeChild carries the windows-private half of a Child. Every child gets
// its own job object with kill-on-close, so terminating the job terminates
// the whole subtree. The job handle is created with nil security attributes
// and is therefore not inheritable: it can never leak into the child's own
// handle set.
type nativeChild struct {
	cmd  *exec.Cmd
	job  windows.Handle
	proc windows.Handle
}

type windowsBackend struct{}

func newPlatformBackend() Backend { return &windowsBackend{} }

func (b *windowsBackend) Start(req *abi.Request) (*Child, error) {
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

	// CmdLine is built by our own deterministic quoting so the child's
	// re-parse yields the original argv byte for byte; the exec path is
	// used verbatim, never resolved against PATH.
	cmd := &exec.Cmd{
		Path:   req.Exe,
		Args:   append([]string{req.Exe}, req.Args...),
		Env:    buildEnv(req.Env),
		Stdin:  stdinR,
		Stdout: stdoutW,
		Stderr: stderrW,
		SysProcAttr: &syscall.SysProcAttr{
			CmdLine:       BuildCommandLine(req.Exe, req.Args),
			CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
		},
	}
	if req.HasWorkdir {
		cmd.Dir = req.Workdir
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start process: %w", err)
	}
	closeAll(stdinR, stdoutW, stderrW)

	native, err := attachJob(cmd.Process.Pid)
	if err != nil {
		// Without the job the subtree guarantee is gone: terminate and fail.
		_ = cmd.Process.Kill()
		closeAll(stdinW, stdoutR, stderrR)
		go func() { _ = cmd.Wait() }()
		return nil, fmt.Errorf("attach job object: %w", err)
	}
	native.cmd = cmd

	c := &Child{
		PID:    cmd.Process.Pid,
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		exited: make(chan int32, 1),
		native: native,
	}

	go func() {
		c.exited <- waitExitCode(cmd.Wait())
	}()

	return c, nil
}

// attachJob creates the per-child job object and assigns the child to it.
func attachJob(pid int) (nativeChild, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return nativeChild{}, fmt.Errorf("create job object: %w", err)
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		_ = windows.CloseHandle(job)
		return nativeChild{}, fmt.Errorf("set job limits: %w", err)
	}

	proc, err := windows.OpenProcess(
		windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE,
		false,
		uint32(pid),
	)
	if err != nil {
		_ = windows.CloseHandle(job)
		return nativeChild{}, fmt.Errorf("open process %d: %w", pid, err)
	}

	if err := windows.AssignProcessToJobObject(job, proc); err != nil {
		_ = windows.CloseHandle(proc)
		_ = windows.CloseHandle(job)
		return nativeChild{}, fmt.Errorf("assign process to job: %w", err)
	}

	return nativeChild{job: job, proc: proc}, nil
}

func (b *windowsBackend) Signal(c *Child, mode KillMode, tree bool) error {
	if mode == KillGraceful {
		// CTRL_BREAK reaches the child's process group; console-less
		// children miss it and are force-killed after the grace period.
		err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(c.PID))
		if err == nil || isGoneError(err) {
			return nil
		}
		return fmt.Errorf("deliver ctrl-break to %d: %w", c.PID, err)
	}

	if tree {
		if err := windows.TerminateJobObject(c.native.job, 1); err != nil && !isGoneError(err) {
			return fmt.Errorf("terminate job for %d: %w", c.PID, err)
		}
		return nil
	}
	if err := windows.TerminateProcess(c.native.proc, 1); err != nil && !isGoneError(err) {
		return fmt.Errorf("terminate process %d: %w", c.PID, err)
	}
	return nil
}

func (b *windowsBackend) TryWait(c *Child) (int32, bool, error) {
	code, done := c.tryExit()
	return code, done, nil
}

func (b *windowsBackend) Release(c *Child) error {
	var first error
	if c.native.proc != 0 {
		if err := windows.CloseHandle(c.native.proc); err != nil && first == nil {
			first = err
		}
		c.native.proc = 0
	}
	if c.native.job != 0 {
		// The child tree is terminal by the time Release runs, so
		// kill-on-close is a no-op here.
		if err := windows.CloseHandle(c.native.job); err != nil && first == nil {
			first = err
		}
		c.native.job = 0
	}
	return first
}

// isGoneError recognizes "already exited" failures so kills stay idempotent.
func isGoneError(err error) bool {
	return errors.Is(err, windows.ERROR_ACCESS_DENIED) || errors.Is(err, windows.ERROR_INVALID_PARAMETER)
}

func waitExitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	return -1
}
