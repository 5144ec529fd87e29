// Package abi holds the fixed byte-layout encodings shared between the
// runtime and the process subsystem: spawn requests, capability caps,
// result documents, and worker-pool frames. All multi-byte integers are
// little-endian with a fixed field order, so encodings are byte-identical
// across platforms.
package abi

// Code is the numeric error code carried by an error ResultDocument.
type Code uint32

const (
	// CodePolicyDenied: path/argument/env/cwd not allowed, or a live/spawn
	// ceiling was exceeded. No native process was created.
	CodePolicyDenied Code = 1
	// CodeSpawnFailed: the native creation call failed.
	CodeSpawnFailed Code = 2
	// CodeTimeout: deadline exceeded before exit.
	CodeTimeout Code = 3
	// CodeOutputLimitExceeded: a stream or the total exceeded its cap.
	CodeOutputLimitExceeded Code = 4
	// CodeStaleHandle: generation mismatch or unknown slot.
	CodeStaleHandle Code = 5
	// CodeAlreadyTerminal: the operation requires a live entry.
	CodeAlreadyTerminal Code = 6
	// CodeInternal: unexpected native-layer failure.
	CodeInternal Code = 7
)

// String returns the stable name for a code. Unknown codes print as "unknown".
func (c Code) String() string {
	switch c {
	case CodePolicyDenied:
		return "policy_denied"
	case CodeSpawnFailed:
		return "spawn_failed"
	case CodeTimeout:
		return "timeout"
	case CodeOutputLimitExceeded:
		return "output_limit_exceeded"
	case CodeStaleHandle:
		return "stale_handle"
	case CodeAlreadyTerminal:
		return "already_terminal"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// EnvEntry is a single environment key/value pair. Order is preserved on the
// wire and when building the child environment.
type EnvEntry struct {
	Key   string
	Value string
}

// Request describes a single spawn. It is immutable once submitted. The
// executable path is always explicit; no search path is ever consulted.
type Request struct {
	Exe     string
	Args    []string
	Env     []EnvEntry
	Workdir string
	// HasWorkdir distinguishes "no workdir" from an empty string on the wire.
	HasWorkdir bool
	// Stdin is the one-shot payload written to the child before closing its
	// stdin. Ignored when Streaming is set.
	Stdin    []byte
	HasStdin bool
	// Streaming selects long-lived bidirectional stdio instead of one-shot
	// capture. Used by worker pools.
	Streaming bool
}

// Caps bounds a single spawn. Zero in any field means "use policy default".
type Caps struct {
	MaxStdoutBytes uint64
	MaxStderrBytes uint64
	MaxTotalBytes  uint64
	TimeoutMillis  uint64
}

// ResultDocument is the single value through which a spawn outcome reaches
// the caller: either Ok with exit code and captured output, or Err with one
// fixed code. Exactly one is produced per process.
type ResultDocument struct {
	Ok       bool
	Err      Code
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
}

// OkResult builds a success document.
func OkResult(exitCode int32, stdout, stderr []byte) ResultDocument {
	return ResultDocument{Ok: true, ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
}

// ErrResult builds an error document.
func ErrResult(code Code) ResultDocument {
	return ResultDocument{Ok: false, Err: code}
}

// Frame is one worker-pool protocol unit: a caller-assigned id and an opaque
// payload. Requests and responses share the shape.
type Frame struct {
	ID      uint32
	Payload []byte
}
