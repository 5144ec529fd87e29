package policy

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/drossel-lang/keel/internal/abi"
)

// Denial explains a policy rejection. Reason is a stable machine-readable
// token; Detail is for logs only and never crosses the ABI.
type Denial struct {
	Reason string
	Detail string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("policy denied (%s): %s", d.Reason, d.Detail)
}

// Code maps every denial to the single PolicyDenied ABI code.
func (d *Denial) Code() abi.Code { return abi.CodePolicyDenied }

// Check evaluates req against the policy. It returns nil when the request is
// allowed and a Denial otherwise. Live-resource gates (process count, spawn
// count) are enforced separately by the table at spawn time.
func (p *Policy) Check(req *abi.Request) *Denial {
	if !p.Enabled {
		return &Denial{Reason: "disabled", Detail: "process policy is disabled for this run"}
	}

	if !p.execAllowed(req.Exe) {
		return &Denial{Reason: "exec", Detail: fmt.Sprintf("executable %q is not allowlisted", req.Exe)}
	}

	if len(p.AllowArgPatterns) > 0 {
		for i, arg := range req.Args {
			if !p.argAllowed(arg) {
				return &Denial{Reason: "arg", Detail: fmt.Sprintf("argument %d %q matches no allowed pattern", i, arg)}
			}
		}
	}

	for _, e := range req.Env {
		if !p.envKeyAllowed(e.Key) {
			return &Denial{Reason: "env", Detail: fmt.Sprintf("environment key %q is not allowlisted", e.Key)}
		}
	}

	if req.HasWorkdir {
		if !p.workdirAllowed(req.Workdir) {
			return &Denial{Reason: "workdir", Detail: fmt.Sprintf("working directory %q is outside allowed roots", req.Workdir)}
		}
	}

	return nil
}

// EffectiveCaps resolves declared caps against the policy ceilings: a zero
// field takes the ceiling, and a declared value can only tighten it. A
// request cannot buy itself more output or runtime than the policy grants.
func (p *Policy) EffectiveCaps(caps abi.Caps) abi.Caps {
	out := caps
	if out.MaxStdoutBytes == 0 || out.MaxStdoutBytes > p.Ceilings.MaxStdoutBytes {
		out.MaxStdoutBytes = p.Ceilings.MaxStdoutBytes
	}
	if out.MaxStderrBytes == 0 || out.MaxStderrBytes > p.Ceilings.MaxStderrBytes {
		out.MaxStderrBytes = p.Ceilings.MaxStderrBytes
	}
	if out.MaxTotalBytes == 0 || out.MaxTotalBytes > p.Ceilings.MaxTotalBytes {
		out.MaxTotalBytes = p.Ceilings.MaxTotalBytes
	}
	if out.TimeoutMillis == 0 || out.TimeoutMillis > p.Ceilings.MaxRuntimeMillis {
		out.TimeoutMillis = p.Ceilings.MaxRuntimeMillis
	}
	return out
}

func (p *Policy) execAllowed(exe string) bool {
	clean := filepath.Clean(exe)
	for _, allowed := range p.AllowExecs {
		if clean == filepath.Clean(allowed) {
			return true
		}
	}
	for _, prefix := range p.AllowExecPrefixes {
		if underRoot(clean, prefix) {
			return true
		}
	}
	return false
}

func (p *Policy) argAllowed(arg string) bool {
	for _, pat := range p.AllowArgPatterns {
		// Patterns were validated at load time; a malformed pattern cannot
		// reach here, so the error branch only rejects.
		if ok, err := path.Match(pat, arg); err == nil && ok {
			return true
		}
	}
	return false
}

func (p *Policy) envKeyAllowed(key string) bool {
	for _, allowed := range p.AllowEnvKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

func (p *Policy) workdirAllowed(dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	for _, root := range p.AllowWorkdirRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if underRoot(abs, absRoot) {
			return true
		}
	}
	return false
}

// underRoot reports whether p equals root or sits beneath it, comparing whole
// path elements so /tmp/run2 is not under /tmp/run.
func underRoot(p, root string) bool {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	if p == root {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(p, root)
}
