package proc

import (
	"time"

	"github.com/drossel-lang/keel/internal/abi"
	"github.com/drossel-lang/keel/internal/log"
)

// Sweep advances every occupied slot one step: drains output, enforces caps
// and deadlines, escalates overdue graceful kills, polls for exit, and
// transitions finished entries to their terminal state. It is the only place
// terminal transitions happen, and it never blocks. Transition notifications
// fire after the table lock is released.
func (t *Table) Sweep() []Event {
	t.mu.Lock()
	var evs []Event
	for i := range t.slots {
		if ev := t.sweepEntryLocked(uint32(i)); ev != nil {
			evs = append(evs, *ev)
		}
	}
	t.mu.Unlock()
	t.emit(evs)
	return evs
}

func (t *Table) sweepEntryLocked(idx uint32) *Event {
	e := t.slots[idx].e
	// A Created entry is a reservation mid-spawn; its child and streams are
	// not attached yet.
	if e == nil || e.state == StateCreated || e.state.Terminal() {
		return nil
	}
	now := t.now()

	e.stdout.drain()
	e.stderr.drain()

	if !e.failSet {
		switch {
		case e.stdout.total > e.caps.MaxStdoutBytes:
			t.failLocked(e, abi.CodeOutputLimitExceeded, "stdout cap exceeded")
			e.stdout.truncateTotal(e.caps.MaxStdoutBytes)
		case e.stderr.total > e.caps.MaxStderrBytes:
			t.failLocked(e, abi.CodeOutputLimitExceeded, "stderr cap exceeded")
			e.stderr.truncateTotal(e.caps.MaxStderrBytes)
		case e.stdout.total+e.stderr.total > e.caps.MaxTotalBytes:
			t.failLocked(e, abi.CodeOutputLimitExceeded, "total output cap exceeded")
			over := e.stdout.total + e.stderr.total - e.caps.MaxTotalBytes
			if e.stderr.total >= over {
				e.stderr.truncateTotal(e.stderr.total - over)
			} else {
				rem := over - e.stderr.total
				e.stderr.truncateTotal(0)
				e.stdout.truncateTotal(e.stdout.total - rem)
			}
		}
	}

	// The deadline keeps applying after exit: a surviving descendant holding
	// a pipe open cannot stall the entry past its runtime budget.
	if !e.failSet && now.After(e.deadline) {
		t.failLocked(e, abi.CodeTimeout, "runtime deadline exceeded")
	}

	if e.killRequested && !e.graceDeadline.IsZero() && now.After(e.graceDeadline) {
		log.WithSpawn(e.spawnID).Warn("grace period elapsed, escalating to force kill")
		_ = t.backend.Signal(e.child, KillForce, t.pol.KillTree)
		e.graceDeadline = time.Time{}
	}

	code, done, err := t.backend.TryWait(e.child)
	if err != nil {
		log.WithSpawn(e.spawnID).Error("wait poll failed", "error", err)
		e.failSet = true
		e.failCode = abi.CodeInternal
		code, done = -1, true
	}
	if !done {
		return nil
	}

	e.stdout.drain()
	e.stderr.drain()
	// A clean exit is reported only once both output streams hit end of
	// stream, so the full capture is in the buffers. Killed and failed
	// entries transition as soon as the child is reaped.
	if !e.failSet && !e.killRequested && (!e.stdout.eos || !e.stderr.eos) {
		return nil
	}

	return t.transitionLocked(idx, e, code)
}

// failLocked marks the entry for a Failed transition and force-kills the
// child. The first failure code sticks.
func (t *Table) failLocked(e *entry, code abi.Code, reason string) {
	e.failSet = true
	e.failCode = code
	log.WithSpawn(e.spawnID).Warn("terminating child", "reason", reason, "code", code.String())
	_ = t.backend.Signal(e.child, KillForce, t.pol.KillTree)
}

// transitionLocked freezes the ResultDocument, enters the terminal state,
// wakes every joined waiter, and closes the entry's stream ends. Buffered
// output stays readable until the entry is dropped.
func (t *Table) transitionLocked(idx uint32, e *entry, exitCode int32) *Event {
	var st State
	var doc abi.ResultDocument
	switch {
	case e.failSet:
		st = StateFailed
		doc = abi.ErrResult(e.failCode)
	case e.killRequested:
		st = StateKilled
		doc = abi.OkResult(exitCode, copyBytes(e.stdout.buf.Bytes()), copyBytes(e.stderr.buf.Bytes()))
	default:
		st = StateExited
		doc = abi.OkResult(exitCode, copyBytes(e.stdout.buf.Bytes()), copyBytes(e.stderr.buf.Bytes()))
	}

	e.state = st
	e.result = doc
	e.stdin.closeIn()
	e.stdout.close()
	e.stderr.close()

	for _, ch := range e.waiters {
		ch <- doc
	}
	e.waiters = nil

	runtime := t.now().Sub(e.started)
	log.WithSpawn(e.spawnID).Info("terminal",
		"handle", makeHandle(idx, t.slots[idx].gen).String(),
		"state", st.String(), "exit_code", exitCode,
		"stdout_bytes", e.stdout.total, "stderr_bytes", e.stderr.total,
		"runtime_ms", runtime.Milliseconds())

	ev := Event{
		Kind:        st.String(),
		Handle:      makeHandle(idx, t.slots[idx].gen),
		SpawnID:     e.spawnID,
		Exe:         e.exe,
		Args:        e.args,
		Mode:        e.mode,
		PID:         e.child.PID,
		ExitCode:    exitCode,
		StdoutBytes: e.stdout.total,
		StderrBytes: e.stderr.total,
		Runtime:     runtime,
	}
	if e.failSet {
		ev.Code = e.failCode
	}
	return &ev
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
