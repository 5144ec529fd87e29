package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLayersOverDefaults(t *testing.T) {
	p, err := Parse([]byte(`
enabled: true
allow_execs: ["/usr/bin/echo_helper"]
ceilings:
  max_live: 4
  max_spawns: 32
  max_stdout_bytes: 1024
  max_stderr_bytes: 1024
  max_total_bytes: 2048
  max_runtime_ms: 500
kill_on_drop: true
kill_tree: false
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Ceilings.MaxLive != 4 || p.Ceilings.MaxRuntimeMillis != 500 {
		t.Fatalf("ceilings not applied: %#v", p.Ceilings)
	}
	if p.KillTree {
		t.Fatalf("kill_tree should be overridden to false")
	}
	if len(p.AllowExecs) != 1 {
		t.Fatalf("allow_execs: %#v", p.AllowExecs)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("enabled: true\nallow_shell: true\n"))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParseRejectsBadCeilings(t *testing.T) {
	_, err := Parse([]byte(`
ceilings:
  max_live: 0
`))
	if err == nil || !strings.Contains(err.Error(), "max_live") {
		t.Fatalf("expected max_live validation error, got %v", err)
	}
}

func TestParseRejectsMalformedArgPattern(t *testing.T) {
	_, err := Parse([]byte(`allow_arg_patterns: ["[unclosed"]`))
	if err == nil {
		t.Fatalf("expected pattern validation error")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	body := "enabled: true\nallow_exec_prefixes: [\"" + dir + "\"]\nallow_workdir_roots: [\"" + dir + "\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p.Enabled || len(p.AllowWorkdirRoots) != 1 {
		t.Fatalf("unexpected policy: %#v", p)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
