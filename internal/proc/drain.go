package proc

import (
	"bytes"
	"os"
)

// The drain engine keeps pipes from deadlocking the run: one reader
// goroutine per output pipe and one writer goroutine per stdin feed bounded
// channels, and the reaper sweep consumes them without ever blocking. A
// closed chunk channel is the end-of-stream signal; an empty channel only
// means "no data right now"; the two are never conflated.

const (
	// readChunkBytes is the read size per attempt.
	readChunkBytes = 32 * 1024
	// streamQueueDepth bounds in-flight chunks per stream, so a spewing
	// child blocks its own reader goroutine instead of growing memory.
	streamQueueDepth = 64
)

// outStream accumulates one output pipe.
type outStream struct {
	ch  chan []byte
	src *os.File

	buf bytes.Buffer
	// total counts every byte ever accumulated, including bytes later
	// consumed by streaming reads; caps compare against this.
	total uint64
	eos   bool
}

func startOutStream(src *os.File) *outStream {
	s := &outStream{
		ch:  make(chan []byte, streamQueueDepth),
		src: src,
	}
	go func() {
		defer close(s.ch)
		buf := make([]byte, readChunkBytes)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.ch <- chunk
			}
			if err != nil {
				// io.EOF means the last write end closed; any other error
				// (including our own close on drop) also ends the stream.
				return
			}
		}
	}()
	return s
}

// drain moves every currently available chunk into the accumulator and
// returns immediately. It never blocks.
func (s *outStream) drain() {
	for {
		select {
		case chunk, ok := <-s.ch:
			if !ok {
				s.eos = true
				return
			}
			s.buf.Write(chunk)
			s.total += uint64(len(chunk))
		default:
			return
		}
	}
}

// consume removes and returns up to max buffered bytes.
func (s *outStream) consume(max int) []byte {
	if max <= 0 || s.buf.Len() == 0 {
		return nil
	}
	n := s.buf.Len()
	if n > max {
		n = max
	}
	out := make([]byte, n)
	_, _ = s.buf.Read(out)
	return out
}

// truncateTotal drops buffered bytes so that total retained equals cap.
// Used when an output cap fires: the captured prefix is bounded exactly at
// the cap.
func (s *outStream) truncateTotal(cap uint64) {
	if s.total <= cap {
		return
	}
	over := s.total - cap
	if uint64(s.buf.Len()) < over {
		// More was already consumed by streaming reads than the overage;
		// nothing left to trim.
		s.total = cap
		return
	}
	s.buf.Truncate(s.buf.Len() - int(over))
	s.total = cap
}

// close releases the read end; the reader goroutine ends on the next read.
func (s *outStream) close() {
	_ = s.src.Close()
}

// inStream feeds one stdin pipe.
type inStream struct {
	ch     chan []byte
	dst    *os.File
	closed bool
}

func startInStream(dst *os.File) *inStream {
	s := &inStream{
		ch:  make(chan []byte, streamQueueDepth),
		dst: dst,
	}
	go func() {
		defer dst.Close()
		for chunk := range s.ch {
			if _, err := dst.Write(chunk); err != nil {
				// Child closed its stdin; swallow the rest so producers
				// never block on a dead pipe.
				for range s.ch {
				}
				return
			}
		}
	}()
	return s
}

// write enqueues bytes without blocking. ErrStdinBackpressure means the
// queue is full and the caller should retry after a sweep.
func (s *inStream) write(b []byte) error {
	if s.closed {
		return ErrStdinClosed
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	select {
	case s.ch <- chunk:
		return nil
	default:
		return ErrStdinBackpressure
	}
}

// closeIn marks end of input; queued chunks are still written first.
func (s *inStream) closeIn() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
