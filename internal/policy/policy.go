// Package policy evaluates spawn requests against the run's sandbox policy.
// The policy is loaded once per run and never mutated; every decision is a
// pure function of the immutable policy and the request, so a denied request
// produces the same error code on every platform.
package policy

import (
	"fmt"
	"path"
	"time"
)

// Ceilings are the numeric resource bounds of a run.
type Ceilings struct {
	// MaxLive bounds concurrently live processes.
	MaxLive int `yaml:"max_live"`
	// MaxSpawns bounds cumulative spawns across the run.
	MaxSpawns int `yaml:"max_spawns"`
	// MaxStdoutBytes / MaxStderrBytes cap each captured stream.
	MaxStdoutBytes uint64 `yaml:"max_stdout_bytes"`
	MaxStderrBytes uint64 `yaml:"max_stderr_bytes"`
	// MaxTotalBytes caps stdout+stderr combined.
	MaxTotalBytes uint64 `yaml:"max_total_bytes"`
	// MaxRuntimeMillis is the default per-process deadline.
	MaxRuntimeMillis uint64 `yaml:"max_runtime_ms"`
}

// Policy is the declarative sandbox policy for one run.
type Policy struct {
	// Enabled gates the whole subsystem. A disabled policy denies every spawn.
	Enabled bool `yaml:"enabled"`

	// AllowExecs lists exact executable paths allowed to spawn.
	AllowExecs []string `yaml:"allow_execs"`
	// AllowExecPrefixes lists path prefixes under which any executable is allowed.
	AllowExecPrefixes []string `yaml:"allow_exec_prefixes"`
	// AllowArgPatterns: when non-empty, every argument must match at least one
	// pattern (path.Match syntax). Empty means arguments are unrestricted.
	AllowArgPatterns []string `yaml:"allow_arg_patterns"`
	// AllowEnvKeys lists environment keys a request may set. An empty list
	// denies all environment entries.
	AllowEnvKeys []string `yaml:"allow_env_keys"`
	// AllowWorkdirRoots lists directory roots a working directory must
	// resolve under. Empty denies any explicit working directory.
	AllowWorkdirRoots []string `yaml:"allow_workdir_roots"`

	Ceilings Ceilings `yaml:"ceilings"`

	// KillOnDrop forces a kill before reclaiming a non-terminal entry.
	KillOnDrop bool `yaml:"kill_on_drop"`
	// KillTree extends kills to the full descendant tree.
	KillTree bool `yaml:"kill_tree"`
}

// Defaults returns the policy used when no file is given: enabled, nothing
// allowlisted (so every spawn is denied until configured), conservative caps.
func Defaults() *Policy {
	return &Policy{
		Enabled: true,
		Ceilings: Ceilings{
			MaxLive:          8,
			MaxSpawns:        256,
			MaxStdoutBytes:   4 * 1024 * 1024,
			MaxStderrBytes:   1 * 1024 * 1024,
			MaxTotalBytes:    5 * 1024 * 1024,
			MaxRuntimeMillis: 60_000,
		},
		KillOnDrop: true,
		KillTree:   true,
	}
}

// Validate rejects policies that cannot be enforced coherently.
func (p *Policy) Validate() error {
	c := p.Ceilings
	if c.MaxLive <= 0 {
		return fmt.Errorf("ceilings.max_live must be positive, got %d", c.MaxLive)
	}
	if c.MaxSpawns <= 0 {
		return fmt.Errorf("ceilings.max_spawns must be positive, got %d", c.MaxSpawns)
	}
	if c.MaxStdoutBytes == 0 || c.MaxStderrBytes == 0 {
		return fmt.Errorf("per-stream byte caps must be positive")
	}
	if c.MaxTotalBytes == 0 {
		return fmt.Errorf("ceilings.max_total_bytes must be positive")
	}
	if c.MaxTotalBytes < c.MaxStdoutBytes && c.MaxTotalBytes < c.MaxStderrBytes {
		return fmt.Errorf("ceilings.max_total_bytes %d is below both stream caps", c.MaxTotalBytes)
	}
	if c.MaxRuntimeMillis == 0 {
		return fmt.Errorf("ceilings.max_runtime_ms must be positive")
	}
	for i, pat := range p.AllowArgPatterns {
		if _, err := path.Match(pat, "probe"); err != nil {
			return fmt.Errorf("allow_arg_patterns[%d] %q: %w", i, pat, err)
		}
	}
	return nil
}

// MaxRuntime returns the default deadline as a duration.
func (p *Policy) MaxRuntime() time.Duration {
	return time.Duration(p.Ceilings.MaxRuntimeMillis) * time.Millisecond
}
