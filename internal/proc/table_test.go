package proc

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/drossel-lang/keel/internal/abi"
	"github.com/drossel-lang/keel/internal/policy"
)

// The real-backend tests re-exec this test binary as the child. TestMain
// checks the mode variable and runs the child role instead of the tests.
const (
	childModeVar  = "KEEL_TEST_CHILD"
	childCodeVar  = "KEEL_TEST_CODE"
	childBytesVar = "KEEL_TEST_BYTES"
	childMillis   = "KEEL_TEST_MS"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(childModeVar); mode != "" {
		runChild(mode)
		return
	}
	os.Exit(m.Run())
}

func runChild(mode string) {
	switch mode {
	case "hello":
		fmt.Fprint(os.Stdout, "hello stdout")
		fmt.Fprint(os.Stderr, "oops")
	case "exit":
		code, _ := strconv.Atoi(os.Getenv(childCodeVar))
		os.Exit(code)
	case "cat":
		_, _ = io.Copy(os.Stdout, os.Stdin)
	case "spew":
		n, _ := strconv.Atoi(os.Getenv(childBytesVar))
		chunk := bytes.Repeat([]byte{'x'}, 8192)
		for n > 0 {
			if n < len(chunk) {
				chunk = chunk[:n]
			}
			if _, err := os.Stdout.Write(chunk); err != nil {
				os.Exit(1)
			}
			n -= len(chunk)
		}
	case "sleep":
		ms, _ := strconv.Atoi(os.Getenv(childMillis))
		time.Sleep(time.Duration(ms) * time.Millisecond)
	case "env":
		env := os.Environ()
		sort.Strings(env)
		for _, kv := range env {
			fmt.Fprintln(os.Stdout, kv)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown child mode %q\n", mode)
		os.Exit(2)
	}
	os.Exit(0)
}

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	pol := policy.Defaults()
	pol.AllowExecs = []string{self, "/nonexistent/keel-test-binary"}
	pol.AllowEnvKeys = []string{childModeVar, childCodeVar, childBytesVar, childMillis, "KEEL_TEST_EXTRA"}
	return pol
}

func newTestTable(t *testing.T, mutate func(*policy.Policy)) *Table {
	t.Helper()
	pol := testPolicy(t)
	if mutate != nil {
		mutate(pol)
	}
	return New(pol, NewBackend())
}

func childRequest(t *testing.T, mode string, extra ...abi.EnvEntry) *abi.Request {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	env := append([]abi.EnvEntry{{Key: childModeVar, Value: mode}}, extra...)
	return &abi.Request{Exe: self, Env: env}
}

// waitTerminal drives sweeps until the entry is terminal, the way the
// supervisor tick would.
func waitTerminal(t *testing.T, tab *Table, h Handle) *abi.ResultDocument {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		tab.Sweep()
		doc, err := tab.TryJoin(h)
		if err != nil {
			t.Fatalf("try_join: %v", err)
		}
		if doc != nil {
			return doc
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("child never reached a terminal state")
	return nil
}

func mustSpawn(t *testing.T, tab *Table, req *abi.Request, caps abi.Caps) Handle {
	t.Helper()
	h, doc := tab.Spawn(req, caps)
	if doc != nil {
		t.Fatalf("spawn refused: code=%v", doc.Err)
	}
	return h
}

func TestSpawnCaptureAndExit(t *testing.T) {
	tab := newTestTable(t, nil)
	h := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	defer tab.Drop(h)

	doc := waitTerminal(t, tab, h)
	if !doc.Ok {
		t.Fatalf("want ok result, got error %v", doc.Err)
	}
	if doc.ExitCode != 0 {
		t.Errorf("exit code: got %d, want 0", doc.ExitCode)
	}
	if got := string(doc.Stdout); got != "hello stdout" {
		t.Errorf("stdout: got %q", got)
	}
	if got := string(doc.Stderr); got != "oops" {
		t.Errorf("stderr: got %q", got)
	}
}

func TestExitCodePropagates(t *testing.T) {
	tab := newTestTable(t, nil)
	req := childRequest(t, "exit", abi.EnvEntry{Key: childCodeVar, Value: "7"})
	h := mustSpawn(t, tab, req, abi.Caps{})
	defer tab.Drop(h)

	doc := waitTerminal(t, tab, h)
	if !doc.Ok || doc.ExitCode != 7 {
		t.Fatalf("got ok=%v exit=%d, want ok exit=7", doc.Ok, doc.ExitCode)
	}
}

func TestJoinWakesOnTerminal(t *testing.T) {
	tab := newTestTable(t, nil)
	h := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	defer tab.Drop(h)

	done := make(chan *abi.ResultDocument, 1)
	go func() {
		doc, err := tab.Join(h)
		if err != nil {
			t.Errorf("join: %v", err)
		}
		done <- doc
	}()

	deadline := time.Now().Add(15 * time.Second)
	for {
		select {
		case doc := <-done:
			if doc == nil || !doc.Ok {
				t.Fatalf("join result: %+v", doc)
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("join never woke")
		}
		tab.Sweep()
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSpawnDeniedByPolicy(t *testing.T) {
	tab := newTestTable(t, nil)
	h, doc := tab.Spawn(&abi.Request{Exe: "/bin/never-allowed"}, abi.Caps{})
	if h != NilHandle {
		t.Fatalf("denied spawn minted handle %v", h)
	}
	if doc == nil || doc.Ok || doc.Err != abi.CodePolicyDenied {
		t.Fatalf("want policy_denied document, got %+v", doc)
	}
	if n := tab.Occupied(); n != 0 {
		t.Errorf("denied spawn left %d occupied slots", n)
	}
}

func TestSpawnFailedWhenExeMissing(t *testing.T) {
	tab := newTestTable(t, nil)
	h, doc := tab.Spawn(&abi.Request{Exe: "/nonexistent/keel-test-binary"}, abi.Caps{})
	if h != NilHandle {
		t.Fatalf("failed spawn minted handle %v", h)
	}
	if doc == nil || doc.Ok || doc.Err != abi.CodeSpawnFailed {
		t.Fatalf("want spawn_failed document, got %+v", doc)
	}
	if n := tab.Occupied(); n != 0 {
		t.Errorf("failed spawn left %d occupied slots", n)
	}
}

func TestLiveCeiling(t *testing.T) {
	tab := newTestTable(t, func(p *policy.Policy) { p.Ceilings.MaxLive = 1 })
	sleeper := childRequest(t, "sleep", abi.EnvEntry{Key: childMillis, Value: "30000"})
	h := mustSpawn(t, tab, sleeper, abi.Caps{})

	if _, doc := tab.Spawn(childRequest(t, "hello"), abi.Caps{}); doc == nil || doc.Err != abi.CodePolicyDenied {
		t.Fatalf("second spawn past live ceiling: got %+v", doc)
	}

	if err := tab.Drop(h); err != nil {
		t.Fatalf("drop: %v", err)
	}
	h2 := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	defer tab.Drop(h2)
	waitTerminal(t, tab, h2)
}

func TestSpawnCountCeiling(t *testing.T) {
	tab := newTestTable(t, func(p *policy.Policy) { p.Ceilings.MaxSpawns = 1 })
	h := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	defer tab.Drop(h)
	waitTerminal(t, tab, h)

	if _, doc := tab.Spawn(childRequest(t, "hello"), abi.Caps{}); doc == nil || doc.Err != abi.CodePolicyDenied {
		t.Fatalf("spawn past cumulative ceiling: got %+v", doc)
	}
}

func TestHandleGoesStaleAfterDrop(t *testing.T) {
	tab := newTestTable(t, nil)
	h := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	waitTerminal(t, tab, h)
	if err := tab.Drop(h); err != nil {
		t.Fatalf("drop: %v", err)
	}

	if _, err := tab.TryJoin(h); err != ErrStaleHandle {
		t.Errorf("try_join after drop: got %v, want ErrStaleHandle", err)
	}
	if err := tab.Kill(h, KillForce); err != ErrStaleHandle {
		t.Errorf("kill after drop: got %v, want ErrStaleHandle", err)
	}
	if err := tab.Drop(h); err != ErrStaleHandle {
		t.Errorf("double drop: got %v, want ErrStaleHandle", err)
	}

	// The slot is reused at a new generation; the old handle must not alias
	// the new occupant.
	h2 := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	defer tab.Drop(h2)
	if h2 == h {
		t.Fatal("reused slot minted an identical handle")
	}
	if _, err := tab.TryJoin(h); err != ErrStaleHandle {
		t.Errorf("old handle resolves after slot reuse: %v", err)
	}
	waitTerminal(t, tab, h2)
}

func TestRuntimeDeadline(t *testing.T) {
	tab := newTestTable(t, nil)
	sleeper := childRequest(t, "sleep", abi.EnvEntry{Key: childMillis, Value: "60000"})
	h := mustSpawn(t, tab, sleeper, abi.Caps{TimeoutMillis: 150})
	defer tab.Drop(h)

	start := time.Now()
	doc := waitTerminal(t, tab, h)
	if doc.Ok || doc.Err != abi.CodeTimeout {
		t.Fatalf("want timeout error document, got %+v", doc)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout enforcement took %v", elapsed)
	}
}

func TestStdoutCap(t *testing.T) {
	tab := newTestTable(t, nil)
	spewer := childRequest(t, "spew", abi.EnvEntry{Key: childBytesVar, Value: "1048576"})
	h := mustSpawn(t, tab, spewer, abi.Caps{MaxStdoutBytes: 1024})
	defer tab.Drop(h)

	doc := waitTerminal(t, tab, h)
	if doc.Ok || doc.Err != abi.CodeOutputLimitExceeded {
		t.Fatalf("want output_limit_exceeded, got %+v", doc)
	}
	snap, err := tab.SnapshotOf(h)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.StdoutBytes > 1024 {
		t.Errorf("captured prefix exceeds cap: %d bytes", snap.StdoutBytes)
	}
	if snap.State != "failed" {
		t.Errorf("state: got %q, want failed", snap.State)
	}
}

func TestStreamingStdinRoundTrip(t *testing.T) {
	tab := newTestTable(t, nil)
	req := childRequest(t, "cat")
	req.Streaming = true
	h := mustSpawn(t, tab, req, abi.Caps{})
	defer tab.Drop(h)

	if err := tab.WriteStdin(h, []byte("ping\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	if err := tab.CloseStdin(h); err != nil {
		t.Fatalf("close stdin: %v", err)
	}

	doc := waitTerminal(t, tab, h)
	if !doc.Ok {
		t.Fatalf("cat failed: %+v", doc)
	}
	if got := string(doc.Stdout); got != "ping\n" {
		t.Errorf("echoed stdout: got %q", got)
	}
}

func TestStreamingReadsDrainIncrementally(t *testing.T) {
	tab := newTestTable(t, nil)
	req := childRequest(t, "cat")
	req.Streaming = true
	req.Stdin = []byte("early")
	req.HasStdin = true
	h := mustSpawn(t, tab, req, abi.Caps{})
	defer tab.Drop(h)

	var got []byte
	deadline := time.Now().Add(15 * time.Second)
	for len(got) < 5 && time.Now().Before(deadline) {
		chunk, err := tab.ReadStdout(h, 64)
		if err != nil {
			t.Fatalf("read stdout: %v", err)
		}
		got = append(got, chunk...)
		time.Sleep(2 * time.Millisecond)
	}
	if string(got) != "early" {
		t.Fatalf("streamed stdout: got %q", got)
	}

	if err := tab.CloseStdin(h); err != nil {
		t.Fatalf("close stdin: %v", err)
	}
	doc := waitTerminal(t, tab, h)
	if !doc.Ok {
		t.Fatalf("cat failed: %+v", doc)
	}
	if len(doc.Stdout) != 0 {
		t.Errorf("already-consumed bytes reappeared in result: %q", doc.Stdout)
	}
}

func TestForceKill(t *testing.T) {
	tab := newTestTable(t, nil)
	sleeper := childRequest(t, "sleep", abi.EnvEntry{Key: childMillis, Value: "60000"})
	h := mustSpawn(t, tab, sleeper, abi.Caps{})
	defer tab.Drop(h)

	if err := tab.Kill(h, KillForce); err != nil {
		t.Fatalf("kill: %v", err)
	}
	doc := waitTerminal(t, tab, h)
	if !doc.Ok {
		t.Fatalf("killed entry result: %+v", doc)
	}
	if doc.ExitCode == 0 {
		t.Error("force-killed child reported exit code 0")
	}
	snap, err := tab.SnapshotOf(h)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != "killed" {
		t.Errorf("state: got %q, want killed", snap.State)
	}
}

func TestKillIsIdempotent(t *testing.T) {
	tab := newTestTable(t, nil)
	h := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	defer tab.Drop(h)
	waitTerminal(t, tab, h)

	if err := tab.Kill(h, KillForce); err != nil {
		t.Fatalf("kill on terminal entry: %v", err)
	}
}

func TestStdinAfterTerminal(t *testing.T) {
	tab := newTestTable(t, nil)
	h := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	defer tab.Drop(h)
	waitTerminal(t, tab, h)

	if err := tab.WriteStdin(h, []byte("x")); err != ErrAlreadyTerminal {
		t.Errorf("write stdin: got %v, want ErrAlreadyTerminal", err)
	}
	if err := tab.CloseStdin(h); err != ErrAlreadyTerminal {
		t.Errorf("close stdin: got %v, want ErrAlreadyTerminal", err)
	}
}

func TestDropKillsRunningChild(t *testing.T) {
	tab := newTestTable(t, nil)
	sleeper := childRequest(t, "sleep", abi.EnvEntry{Key: childMillis, Value: "60000"})
	h := mustSpawn(t, tab, sleeper, abi.Caps{})

	start := time.Now()
	if err := tab.Drop(h); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("drop of live child took %v", elapsed)
	}
	if n := tab.Occupied(); n != 0 {
		t.Errorf("%d slots still occupied after drop", n)
	}
}

func TestDropResumesParkedJoin(t *testing.T) {
	tab := newTestTable(t, func(p *policy.Policy) { p.KillOnDrop = false })
	// A streaming cat blocks on stdin, so the entry is still running when
	// dropped; the reclaim closes its pipes and the child exits on its own.
	req := childRequest(t, "cat")
	req.Streaming = true
	h := mustSpawn(t, tab, req, abi.Caps{})

	done := make(chan *abi.ResultDocument, 1)
	go func() {
		doc, err := tab.Join(h)
		if err != nil {
			t.Errorf("join: %v", err)
		}
		done <- doc
	}()
	// Give the join time to park before the slot is reclaimed.
	time.Sleep(50 * time.Millisecond)

	if err := tab.Drop(h); err != nil {
		t.Fatalf("drop: %v", err)
	}
	select {
	case doc := <-done:
		if doc == nil || doc.Ok || doc.Err != abi.CodeStaleHandle {
			t.Fatalf("join after drop: %+v", doc)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("join stayed parked after its slot was reclaimed")
	}
}

func TestCapsCannotExceedPolicyCeilings(t *testing.T) {
	tab := newTestTable(t, func(p *policy.Policy) { p.Ceilings.MaxStdoutBytes = 1024 })
	spewer := childRequest(t, "spew", abi.EnvEntry{Key: childBytesVar, Value: "65536"})
	// The declared cap asks for far more than the ceiling allows.
	h := mustSpawn(t, tab, spewer, abi.Caps{MaxStdoutBytes: 1 << 20})
	defer tab.Drop(h)

	doc := waitTerminal(t, tab, h)
	if doc.Ok || doc.Err != abi.CodeOutputLimitExceeded {
		t.Fatalf("ceiling bypassed by declared caps: %+v", doc)
	}
	snap, err := tab.SnapshotOf(h)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.StdoutBytes > 1024 {
		t.Errorf("captured prefix exceeds ceiling: %d bytes", snap.StdoutBytes)
	}
}

func TestChildEnvironmentIsExplicit(t *testing.T) {
	tab := newTestTable(t, nil)
	req := childRequest(t, "env", abi.EnvEntry{Key: "KEEL_TEST_EXTRA", Value: "42"})
	h := mustSpawn(t, tab, req, abi.Caps{})
	defer tab.Drop(h)

	doc := waitTerminal(t, tab, h)
	if !doc.Ok {
		t.Fatalf("env child failed: %+v", doc)
	}
	lines := strings.Split(strings.TrimSpace(string(doc.Stdout)), "\n")
	want := []string{childModeVar + "=env", "KEEL_TEST_EXTRA=42"}
	sort.Strings(want)
	if len(lines) != len(want) {
		t.Fatalf("child environment leaked: %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("env[%d]: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestSnapshotsListOccupiedSlots(t *testing.T) {
	tab := newTestTable(t, nil)
	h := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	defer tab.Drop(h)

	snaps := tab.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("snapshots: got %d, want 1", len(snaps))
	}
	if snaps[0].Handle != h {
		t.Errorf("snapshot handle: got %v, want %v", snaps[0].Handle, h)
	}
	if snaps[0].Mode != "capture" {
		t.Errorf("snapshot mode: got %q", snaps[0].Mode)
	}
	waitTerminal(t, tab, h)
}

func TestNotifySeesLifecycle(t *testing.T) {
	tab := newTestTable(t, nil)
	var mu []string
	tab.SetNotify(func(ev Event) { mu = append(mu, ev.Kind) })

	h := mustSpawn(t, tab, childRequest(t, "hello"), abi.Caps{})
	waitTerminal(t, tab, h)
	if err := tab.Drop(h); err != nil {
		t.Fatalf("drop: %v", err)
	}

	want := []string{"spawned", "exited", "dropped"}
	if len(mu) != len(want) {
		t.Fatalf("events: got %v, want %v", mu, want)
	}
	for i := range want {
		if mu[i] != want[i] {
			t.Fatalf("events: got %v, want %v", mu, want)
		}
	}
}
