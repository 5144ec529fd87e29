package proc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/drossel-lang/keel/internal/abi"
)

func TestHandlePacking(t *testing.T) {
	cases := []struct {
		slot, gen uint32
	}{
		{0, 1},
		{7, 1},
		{0, 2},
		{4294967295, 4294967295},
	}
	for _, tc := range cases {
		h := makeHandle(tc.slot, tc.gen)
		if h.slot() != tc.slot {
			t.Errorf("slot(%d,%d): got %d", tc.slot, tc.gen, h.slot())
		}
		if h.gen() != tc.gen {
			t.Errorf("gen(%d,%d): got %d", tc.slot, tc.gen, h.gen())
		}
	}
}

func TestNilHandleNeverMinted(t *testing.T) {
	// Generations start at 1, so slot 0 at its first generation is non-nil.
	if makeHandle(0, 1) == NilHandle {
		t.Fatal("first minted handle collides with NilHandle")
	}
}

func TestHandleString(t *testing.T) {
	h := makeHandle(3, 9)
	if got, want := h.String(), "3@9"; got != want {
		t.Fatalf("String: got %q, want %q", got, want)
	}
}

func TestParseHandleRoundTrip(t *testing.T) {
	h := makeHandle(12, 34)
	parsed, err := ParseHandle(h.String())
	if err != nil {
		t.Fatalf("parse %q: %v", h.String(), err)
	}
	if parsed != h {
		t.Fatalf("round trip: got %v, want %v", parsed, h)
	}

	for _, bad := range []string{"", "12", "a@b", "1@2@3", "@2"} {
		if _, err := ParseHandle(bad); err == nil {
			t.Errorf("ParseHandle(%q) accepted", bad)
		}
	}
}

func TestCodeForError(t *testing.T) {
	cases := []struct {
		err  error
		want abi.Code
	}{
		{ErrStaleHandle, abi.CodeStaleHandle},
		{fmt.Errorf("op: %w", ErrStaleHandle), abi.CodeStaleHandle},
		{ErrAlreadyTerminal, abi.CodeAlreadyTerminal},
		{errors.New("boom"), abi.CodeInternal},
	}
	for _, tc := range cases {
		if got := CodeForError(tc.err); got != tc.want {
			t.Errorf("CodeForError(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}
