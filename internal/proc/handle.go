// Package proc owns the live process table of the runtime's OS subsystem:
// generation-tagged handles, the platform spawn backends, non-blocking I/O
// draining, and the reaper sweep that drives every entry to a terminal
// ResultDocument.
package proc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/drossel-lang/keel/internal/abi"
)

// Handle is the opaque caller-facing reference to a table slot. The low 32
// bits are the slot index, the high 32 bits the slot generation at mint time.
// A handle is valid only while its generation matches the slot's current
// generation; reclaiming a slot bumps the generation, so stale handles are
// detected instead of aliasing a newer process.
type Handle uint64

// NilHandle is never minted: generations start at 1.
const NilHandle Handle = 0

func makeHandle(slot, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot))
}

func (h Handle) slot() uint32 { return uint32(h) }
func (h Handle) gen() uint32  { return uint32(h >> 32) }

// String formats a handle as slot@generation for logs.
func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.slot(), h.gen())
}

// MarshalText makes handles render as slot@generation in JSON documents.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (h *Handle) UnmarshalText(b []byte) error {
	parsed, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle parses the slot@generation form produced by String.
func ParseHandle(s string) (Handle, error) {
	slotPart, genPart, ok := strings.Cut(s, "@")
	if !ok {
		return NilHandle, fmt.Errorf("malformed handle %q", s)
	}
	slot, err := strconv.ParseUint(slotPart, 10, 32)
	if err != nil {
		return NilHandle, fmt.Errorf("malformed handle %q: %w", s, err)
	}
	gen, err := strconv.ParseUint(genPart, 10, 32)
	if err != nil {
		return NilHandle, fmt.Errorf("malformed handle %q: %w", s, err)
	}
	return makeHandle(uint32(slot), uint32(gen)), nil
}

// Value-level errors callers can branch on. Each maps onto one ABI code via
// CodeForError; none of them ever aborts the run.
var (
	// ErrStaleHandle: generation mismatch, unknown slot, or dropped entry.
	ErrStaleHandle = errors.New("stale process handle")
	// ErrAlreadyTerminal: the operation requires a live entry.
	ErrAlreadyTerminal = errors.New("process already terminal")
	// ErrStdinClosed: stdin was closed by the caller or by capture mode.
	ErrStdinClosed = errors.New("stdin is closed")
	// ErrStdinBackpressure: the stdin queue is full; retry after a sweep.
	ErrStdinBackpressure = errors.New("stdin queue is full")
	// ErrTableFull should be unreachable: the live gate denies first.
	ErrTableFull = errors.New("process table is full")
)

// CodeForError maps a table error onto its ABI result code.
func CodeForError(err error) abi.Code {
	switch {
	case errors.Is(err, ErrStaleHandle):
		return abi.CodeStaleHandle
	case errors.Is(err, ErrAlreadyTerminal):
		return abi.CodeAlreadyTerminal
	default:
		return abi.CodeInternal
	}
}
