package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "keel.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndFinalize(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	rec := Record{
		SpawnID:   "s-1",
		Handle:    "0@1",
		Exe:       "/usr/bin/true",
		Args:      []string{"-v"},
		Mode:      "capture",
		PID:       1234,
		State:     "running",
		SpawnedAt: time.Now(),
	}
	if err := l.RecordSpawn(ctx, rec); err != nil {
		t.Fatalf("record spawn: %v", err)
	}

	code := int32(0)
	if err := l.Finalize(ctx, "s-1", "exited", &code, "", 12, 0, 80*time.Millisecond); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := l.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("row missing")
	}
	if got.State != "exited" || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("finalized row: %+v", got)
	}
	if got.StdoutBytes != 12 || got.RuntimeMS != 80 {
		t.Errorf("counters: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if len(got.Args) != 1 || got.Args[0] != "-v" {
		t.Errorf("args round trip: %v", got.Args)
	}
}

func TestFinalizeFailedSpawnKeepsErrorCode(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordSpawn(ctx, Record{SpawnID: "s-2", Handle: "1@1", Exe: "/bin/x", Mode: "capture", State: "running", SpawnedAt: time.Now()}); err != nil {
		t.Fatalf("record spawn: %v", err)
	}
	if err := l.Finalize(ctx, "s-2", "failed", nil, "timeout", 0, 0, time.Second); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := l.Get(ctx, "s-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "failed" || got.ErrorCode != "timeout" || got.ExitCode != nil {
		t.Errorf("failed row: %+v", got)
	}
}

func TestFinalizeUnknownSpawn(t *testing.T) {
	l := openTestLedger(t)
	if err := l.Finalize(context.Background(), "nope", "exited", nil, "", 0, 0, 0); err == nil {
		t.Fatal("finalize of unknown spawn succeeded")
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	l := openTestLedger(t)
	got, err := l.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("phantom row: %+v", got)
	}
}

func TestListNewestFirst(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"a", "b", "c"} {
		rec := Record{SpawnID: id, Handle: "0@1", Exe: "/bin/x", Mode: "capture", State: "running",
			SpawnedAt: base.Add(time.Duration(i) * time.Second)}
		if err := l.RecordSpawn(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	rows, err := l.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].SpawnID != "c" || rows[1].SpawnID != "b" {
		t.Fatalf("list order: %+v", rows)
	}
}

func TestPruneRemovesOnlyFinished(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	old := Record{SpawnID: "old", Handle: "0@1", Exe: "/bin/x", Mode: "capture", State: "running",
		SpawnedAt: time.Now().Add(-2 * time.Hour)}
	live := Record{SpawnID: "live", Handle: "1@1", Exe: "/bin/x", Mode: "capture", State: "running",
		SpawnedAt: time.Now().Add(-2 * time.Hour)}
	for _, r := range []Record{old, live} {
		if err := l.RecordSpawn(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := l.Finalize(ctx, "old", "exited", nil, "", 0, 0, 0); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// The finished row is recent, so a 1h retention keeps it.
	n, err := l.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 0 {
		t.Fatalf("pruned %d rows, want 0", n)
	}
	// Zero retention prunes every finished row but never live ones.
	n, err = l.Prune(ctx, 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	got, err := l.Get(ctx, "live")
	if err != nil || got == nil {
		t.Fatalf("live row lost: %v %v", got, err)
	}
}
