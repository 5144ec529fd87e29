package proc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drossel-lang/keel/internal/abi"
	"github.com/drossel-lang/keel/internal/log"
	"github.com/drossel-lang/keel/internal/policy"
)

const (
	// defaultGracePeriod is how long a graceful kill may take before the
	// reaper escalates to a force kill.
	defaultGracePeriod = 5 * time.Second
	// dropWaitTimeout bounds how long Drop waits for a force-killed child
	// to be reaped before reclaiming anyway.
	dropWaitTimeout = 5 * time.Second
)

type slotRec struct {
	gen uint32
	e   *entry
}

// Table owns every live and finished child of the run. It is the only
// mutable shared structure of the subsystem; all operations take its lock
// briefly and never block while holding it.
type Table struct {
	mu      sync.Mutex
	pol     *policy.Policy
	backend Backend

	slots       []slotRec
	live        int
	totalSpawns int

	gracePeriod time.Duration
	now         func() time.Time

	logger *slog.Logger
	notify func(Event)
}

// Event is one lifecycle transition, delivered to the supervisor's hook for
// the events hub and the run ledger.
type Event struct {
	Kind    string // spawned, exited, killed, failed, dropped
	Handle  Handle
	SpawnID string
	Exe     string
	Args    []string
	Mode    string
	PID     int
	// Terminal-only fields.
	ExitCode    int32
	Code        abi.Code
	StdoutBytes uint64
	StderrBytes uint64
	Runtime     time.Duration
}

// New creates a table sized by the policy's live-process ceiling.
func New(pol *policy.Policy, backend Backend) *Table {
	slots := make([]slotRec, pol.Ceilings.MaxLive)
	for i := range slots {
		slots[i].gen = 1
	}
	return &Table{
		pol:         pol,
		backend:     backend,
		slots:       slots,
		gracePeriod: defaultGracePeriod,
		now:         time.Now,
		logger:      log.WithComponent("proc"),
	}
}

// SetNotify installs the transition hook. Call before the first spawn.
func (t *Table) SetNotify(fn func(Event)) { t.notify = fn }

// Policy returns the table's immutable policy.
func (t *Table) Policy() *policy.Policy { return t.pol }

func (t *Table) emit(evs []Event) {
	if t.notify == nil {
		return
	}
	for _, ev := range evs {
		t.notify(ev)
	}
}

// Spawn validates req against policy and the live gates, creates the child,
// and commits it to a slot. A non-nil ResultDocument means the spawn was
// refused or failed; no handle is minted and nothing is left live.
func (t *Table) Spawn(req *abi.Request, caps abi.Caps) (Handle, *abi.ResultDocument) {
	t.mu.Lock()
	spawnID := uuid.NewString()
	logger := t.logger.With("spawn_id", spawnID, "exe", req.Exe)

	if d := t.pol.Check(req); d != nil {
		t.mu.Unlock()
		logger.Warn("spawn denied by policy", "reason", d.Reason, "detail", d.Detail)
		doc := abi.ErrResult(abi.CodePolicyDenied)
		return NilHandle, &doc
	}
	// Live-resource gates apply regardless of per-request policy.
	if t.live >= t.pol.Ceilings.MaxLive {
		t.mu.Unlock()
		logger.Warn("spawn denied: live process ceiling reached", "max_live", t.pol.Ceilings.MaxLive)
		doc := abi.ErrResult(abi.CodePolicyDenied)
		return NilHandle, &doc
	}
	if t.totalSpawns >= t.pol.Ceilings.MaxSpawns {
		t.mu.Unlock()
		logger.Warn("spawn denied: cumulative spawn ceiling reached", "max_spawns", t.pol.Ceilings.MaxSpawns)
		doc := abi.ErrResult(abi.CodePolicyDenied)
		return NilHandle, &doc
	}

	idx := -1
	for i := range t.slots {
		if t.slots[i].e == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		logger.Error("no free slot below live ceiling")
		doc := abi.ErrResult(abi.CodeInternal)
		return NilHandle, &doc
	}

	t.totalSpawns++

	mode := "capture"
	if req.Streaming {
		mode = "streaming"
	}
	e := &entry{
		state:   StateCreated,
		spawnID: spawnID,
		exe:     req.Exe,
		args:    req.Args,
		mode:    mode,
		caps:    t.pol.EffectiveCaps(caps),
	}

	// Reserve the slot so the gates above stay honest, then release the lock
	// for native creation: fork/exec can be slow and must not stall sweeps.
	// A Created entry with no child is invisible to the reaper and snapshots,
	// and no handle for it exists yet.
	t.slots[idx].e = e
	t.live++
	gen := t.slots[idx].gen
	t.mu.Unlock()

	child, err := t.backend.Start(req)

	t.mu.Lock()
	if err != nil {
		t.slots[idx].e = nil
		t.live--
		t.mu.Unlock()
		logger.Error("native spawn failed", "error", err)
		doc := abi.ErrResult(abi.CodeSpawnFailed)
		return NilHandle, &doc
	}

	e.child = child
	e.stdout = startOutStream(child.Stdout)
	e.stderr = startOutStream(child.Stderr)
	e.stdin = startInStream(child.Stdin)

	if !req.Streaming {
		// Capture mode: one-shot payload, then end of input.
		if req.HasStdin {
			_ = e.stdin.write(req.Stdin)
		}
		e.stdin.closeIn()
	} else if req.HasStdin {
		_ = e.stdin.write(req.Stdin)
	}

	e.started = t.now()
	e.deadline = e.started.Add(time.Duration(e.caps.TimeoutMillis) * time.Millisecond)
	e.state = StateRunning

	h := makeHandle(uint32(idx), gen)
	t.mu.Unlock()

	logger.Info("spawned", "handle", h.String(), "pid", child.PID, "mode", mode,
		"timeout_ms", e.caps.TimeoutMillis)
	t.emit([]Event{{
		Kind: "spawned", Handle: h, SpawnID: spawnID, Exe: req.Exe, Args: req.Args,
		Mode: mode, PID: child.PID,
	}})
	return h, nil
}

// lookupLocked resolves a handle to its live entry. Generation mismatches,
// out-of-range slots, and reclaimed slots are all ErrStaleHandle.
func (t *Table) lookupLocked(h Handle) (*entry, error) {
	idx := h.slot()
	if int(idx) >= len(t.slots) {
		return nil, ErrStaleHandle
	}
	rec := &t.slots[idx]
	// A Created entry is a mid-spawn reservation whose handle has not been
	// minted yet; no caller legitimately holds one.
	if rec.e == nil || rec.gen != h.gen() || rec.e.state == StateCreated {
		return nil, ErrStaleHandle
	}
	return rec.e, nil
}

// TryJoin polls for completion without suspending: (nil, nil) means still
// running; a document means the entry is terminal.
func (t *Table) TryJoin(h Handle) (*abi.ResultDocument, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	if !e.state.Terminal() {
		return nil, nil
	}
	doc := e.result
	return &doc, nil
}

// Join suspends the calling task until the entry is terminal, then returns
// its ResultDocument. The reaper's sweep is what wakes the waiter; the
// goroutine parks on the waiter channel while other tasks keep running.
func (t *Table) Join(h Handle) (*abi.ResultDocument, error) {
	t.mu.Lock()
	e, err := t.lookupLocked(h)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if e.state.Terminal() {
		doc := e.result
		t.mu.Unlock()
		return &doc, nil
	}
	ch := make(chan abi.ResultDocument, 1)
	e.waiters = append(e.waiters, ch)
	t.mu.Unlock()

	doc := <-ch
	return &doc, nil
}

// Kill delivers a termination request. Idempotent: killing a terminal entry
// is a no-op, not an error.
func (t *Table) Kill(h Handle, mode KillMode) error {
	t.mu.Lock()
	e, err := t.lookupLocked(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if e.state.Terminal() {
		t.mu.Unlock()
		return nil
	}
	e.killRequested = true
	if mode == KillGraceful {
		if e.graceDeadline.IsZero() {
			e.graceDeadline = t.now().Add(t.gracePeriod)
		}
	}
	child := e.child
	tree := t.pol.KillTree
	spawnID := e.spawnID
	t.mu.Unlock()

	if err := t.backend.Signal(child, mode, tree); err != nil {
		log.WithSpawn(spawnID).Error("kill signal failed", "mode", mode.String(), "error", err)
		return err
	}
	log.WithSpawn(spawnID).Info("kill requested", "handle", h.String(), "mode", mode.String(), "tree", tree)
	return nil
}

// WriteStdin queues bytes for the child's stdin. Requires a live entry.
func (t *Table) WriteStdin(h Handle, b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked(h)
	if err != nil {
		return err
	}
	if e.state.Terminal() {
		return ErrAlreadyTerminal
	}
	return e.stdin.write(b)
}

// CloseStdin signals end of input. Requires a live entry.
func (t *Table) CloseStdin(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked(h)
	if err != nil {
		return err
	}
	if e.state.Terminal() {
		return ErrAlreadyTerminal
	}
	e.stdin.closeIn()
	return nil
}

// ReadStdout consumes up to max buffered stdout bytes. Valid on terminal
// (not yet dropped) entries too, so streaming callers can collect the tail.
func (t *Table) ReadStdout(h Handle, max int) ([]byte, error) {
	return t.readStream(h, max, false)
}

// ReadStderr consumes up to max buffered stderr bytes.
func (t *Table) ReadStderr(h Handle, max int) ([]byte, error) {
	return t.readStream(h, max, true)
}

func (t *Table) readStream(h Handle, max int, stderr bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	s := e.stdout
	if stderr {
		s = e.stderr
	}
	s.drain()
	return s.consume(max), nil
}

// Drop reclaims the slot. A non-terminal entry is first forced to Killed
// when the policy says kill_on_drop; reclaiming always bumps the slot
// generation, so the handle and any copy of it go stale.
func (t *Table) Drop(h Handle) error {
	t.mu.Lock()
	e, err := t.lookupLocked(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	var evs []Event
	if !e.state.Terminal() && t.pol.KillOnDrop {
		e.killRequested = true
		child := e.child
		tree := t.pol.KillTree
		t.mu.Unlock()
		if err := t.backend.Signal(child, KillForce, tree); err != nil {
			log.WithSpawn(e.spawnID).Error("kill on drop failed", "error", err)
		}
		// Wait for the reap, sweeping just this entry; bounded so a wedged
		// native layer cannot hang the caller forever.
		deadline := time.Now().Add(dropWaitTimeout)
		for {
			t.mu.Lock()
			if ev := t.sweepEntryLocked(h.slot()); ev != nil {
				evs = append(evs, *ev)
			}
			if e.state.Terminal() || time.Now().After(deadline) {
				break
			}
			t.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}

	// A waiter parked on an entry reclaimed before its terminal transition
	// (kill_on_drop off, or the reap wait timed out) must still resume:
	// its handle is about to go stale, so that is what it learns.
	if !e.state.Terminal() {
		doc := abi.ErrResult(abi.CodeStaleHandle)
		for _, ch := range e.waiters {
			ch <- doc
		}
		e.waiters = nil
	}

	// Reclaim: close every stream end, free native resources, bump the
	// generation.
	e.stdin.closeIn()
	e.stdout.close()
	e.stderr.close()
	_ = t.backend.Release(e.child)

	idx := h.slot()
	t.slots[idx].e = nil
	t.slots[idx].gen++
	t.live--
	spawnID := e.spawnID
	t.mu.Unlock()

	log.WithSpawn(spawnID).Info("dropped", "handle", h.String())
	evs = append(evs, Event{Kind: "dropped", Handle: h, SpawnID: spawnID, Exe: e.exe, Mode: e.mode})
	t.emit(evs)
	return nil
}

// Live returns the number of live (non-terminal, non-dropped) entries.
// Terminal entries still occupying slots count as not live.
func (t *Table) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.slots {
		if e := t.slots[i].e; e != nil && !e.state.Terminal() {
			n++
		}
	}
	return n
}

// Occupied returns the number of slots holding entries, terminal or not.
func (t *Table) Occupied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// TotalSpawns returns the cumulative spawn count for the run.
func (t *Table) TotalSpawns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalSpawns
}

// Snapshots returns a view of every occupied slot for inspection surfaces.
func (t *Table) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, t.live)
	for i := range t.slots {
		if e := t.slots[i].e; e != nil && e.state != StateCreated {
			out = append(out, t.snapshotLocked(uint32(i)))
		}
	}
	return out
}

// SnapshotOf returns the view of one handle.
func (t *Table) SnapshotOf(h Handle) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.lookupLocked(h); err != nil {
		return Snapshot{}, err
	}
	return t.snapshotLocked(h.slot()), nil
}

func (t *Table) snapshotLocked(idx uint32) Snapshot {
	e := t.slots[idx].e
	s := Snapshot{
		Handle:      makeHandle(idx, t.slots[idx].gen),
		SpawnID:     e.spawnID,
		State:       e.state.String(),
		Exe:         e.exe,
		Args:        e.args,
		Mode:        e.mode,
		PID:         e.child.PID,
		Started:     e.started,
		Deadline:    e.deadline,
		StdoutBytes: e.stdout.total,
		StderrBytes: e.stderr.total,
	}
	if e.state.Terminal() {
		if e.result.Ok {
			s.ExitCode = e.result.ExitCode
		} else {
			s.ErrorCode = e.result.Err.String()
		}
	}
	return s
}
