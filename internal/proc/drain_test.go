package proc

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never held")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOutStreamDrainAndEOS(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	s := startOutStream(r)

	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool {
		s.drain()
		return s.total == 3
	})

	if s.eos {
		t.Fatal("eos before write end closed")
	}
	w.Close()
	waitFor(t, func() bool {
		s.drain()
		return s.eos
	})
	if got := string(s.consume(10)); got != "abc" {
		t.Fatalf("consume: got %q", got)
	}
}

func TestOutStreamConsumePartial(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	s := startOutStream(r)
	if _, err := w.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()
	waitFor(t, func() bool {
		s.drain()
		return s.eos
	})

	if got := string(s.consume(4)); got != "abcd" {
		t.Fatalf("first consume: got %q", got)
	}
	if got := string(s.consume(4)); got != "ef" {
		t.Fatalf("second consume: got %q", got)
	}
	if got := s.consume(4); got != nil {
		t.Fatalf("empty consume: got %q", got)
	}
	// total counts accumulation, not what remains buffered.
	if s.total != 6 {
		t.Fatalf("total: got %d", s.total)
	}
}

func TestOutStreamTruncateTotal(t *testing.T) {
	s := &outStream{total: 100}
	s.buf = *bytes.NewBuffer(bytes.Repeat([]byte{'x'}, 100))
	s.truncateTotal(64)
	if s.total != 64 || s.buf.Len() != 64 {
		t.Fatalf("truncate: total=%d buffered=%d", s.total, s.buf.Len())
	}
	// A second call at a higher cap is a no-op.
	s.truncateTotal(80)
	if s.total != 64 {
		t.Fatalf("truncate raised total to %d", s.total)
	}
}

func TestInStreamWriteAndClose(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	s := startInStream(w)

	if err := s.write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.closeIn()

	buf := make([]byte, 16)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "ping" {
		t.Fatalf("pipe read: got %q", buf[:n])
	}
	// Queued chunks were flushed, then the write end closed.
	if n, err := r.Read(buf); err == nil {
		t.Fatalf("write end still open, read %d bytes", n)
	}
	r.Close()

	if err := s.write([]byte("late")); err != ErrStdinClosed {
		t.Fatalf("write after close: got %v", err)
	}
}

func TestInStreamBackpressure(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	s := startInStream(w)
	defer s.closeIn()

	// Fill the pipe and the queue; eventually writes must refuse instead of
	// blocking.
	chunk := bytes.Repeat([]byte{'x'}, 64*1024)
	sawBackpressure := false
	for i := 0; i < 4*streamQueueDepth; i++ {
		if err := s.write(chunk); err == ErrStdinBackpressure {
			sawBackpressure = true
			break
		} else if err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if !sawBackpressure {
		t.Fatal("stdin queue never reported backpressure")
	}
}
