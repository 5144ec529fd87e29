// Package pool runs a fixed set of identical streaming workers speaking the
// framed stdin/stdout protocol, and fans work out over them. Results carry
// the frame id of their request, so replies may arrive out of order and
// across workers while Map still returns outputs in input order.
package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drossel-lang/keel/internal/abi"
	"github.com/drossel-lang/keel/internal/log"
	"github.com/drossel-lang/keel/internal/proc"
)

// Config describes the worker processes of one pool.
type Config struct {
	Exe     string
	Args    []string
	Env     []abi.EnvEntry
	Workers int
	// Caps applies to each worker. Long-lived pools should raise
	// TimeoutMillis well above the expected pool lifetime.
	Caps abi.Caps
}

// ErrWorkerDied reports that a worker reached a terminal state while replies
// were still owed.
var ErrWorkerDied = errors.New("pool worker terminated early")

type worker struct {
	h proc.Handle
	// parse buffers stdout bytes until a whole frame is available.
	parse bytes.Buffer
	// owed counts dispatched frames not yet answered.
	owed int
	dead bool
}

// Pool is a running worker set over the process table.
type Pool struct {
	tab     *proc.Table
	workers []*worker
	nextID  uint32
	next    int
	logger  *slog.Logger
}

// New spawns cfg.Workers streaming workers. Either every worker starts or
// none does: a failed spawn drops the ones already started and returns the
// refusal document's code in the error.
func New(tab *proc.Table, cfg Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d", cfg.Workers)
	}

	p := &Pool{
		tab:    tab,
		logger: log.WithComponent("pool"),
	}
	for i := 0; i < cfg.Workers; i++ {
		req := &abi.Request{
			Exe:       cfg.Exe,
			Args:      cfg.Args,
			Env:       cfg.Env,
			Streaming: true,
		}
		h, doc := tab.Spawn(req, cfg.Caps)
		if doc != nil {
			p.dropAll()
			return nil, fmt.Errorf("spawn worker %d/%d: %s", i+1, cfg.Workers, doc.Err)
		}
		p.workers = append(p.workers, &worker{h: h})
	}
	p.logger.Info("pool started", "exe", cfg.Exe, "workers", cfg.Workers)
	return p, nil
}

// Size returns the worker count.
func (p *Pool) Size() int { return len(p.workers) }

// Map dispatches one frame per input round-robin and returns the payloads of
// the replies, index-aligned with inputs. A worker dying mid-flight fails
// the whole call with ErrWorkerDied.
func (p *Pool) Map(ctx context.Context, inputs [][]byte) ([][]byte, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	// Frame id -> input index for reordering replies.
	byID := make(map[uint32]int, len(inputs))
	results := make([][]byte, len(inputs))
	received := 0

	for idx, payload := range inputs {
		p.nextID++
		id := p.nextID
		byID[id] = idx

		var buf bytes.Buffer
		if err := abi.EncodeFrame(&buf, &abi.Frame{ID: id, Payload: payload}); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", id, err)
		}

		w := p.workers[p.next%len(p.workers)]
		p.next++
		if err := p.writeFrame(ctx, w, buf.Bytes(), byID, results, &received); err != nil {
			return nil, err
		}
		w.owed++
	}

	for received < len(inputs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.tab.Sweep()
		progressed, err := p.collect(byID, results, &received)
		if err != nil {
			return nil, err
		}
		if !progressed {
			time.Sleep(time.Millisecond)
		}
	}
	return results, nil
}

// writeFrame pushes an encoded frame into one worker's stdin, collecting
// replies while the queue is under backpressure.
func (p *Pool) writeFrame(ctx context.Context, w *worker, frame []byte, byID map[uint32]int, results [][]byte, received *int) error {
	for {
		err := p.tab.WriteStdin(w.h, frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, proc.ErrStdinBackpressure) {
			return fmt.Errorf("dispatch to worker %s: %w", w.h, err)
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		p.tab.Sweep()
		if _, err := p.collect(byID, results, received); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

// collect drains every worker's stdout and completes any whole frames.
func (p *Pool) collect(byID map[uint32]int, results [][]byte, received *int) (bool, error) {
	progressed := false
	for _, w := range p.workers {
		if w.dead {
			continue
		}
		prog, err := p.drainWorker(w, byID, results, received)
		progressed = progressed || prog
		if err != nil {
			return progressed, err
		}
		if w.owed == 0 {
			continue
		}

		doc, err := p.tab.TryJoin(w.h)
		if err != nil {
			return progressed, fmt.Errorf("poll worker %s: %w", w.h, err)
		}
		if doc == nil {
			continue
		}
		// Terminal worker: drain once more, then whatever is still owed can
		// never arrive. Leftover partial-frame bytes do not keep it alive.
		prog, err = p.drainWorker(w, byID, results, received)
		progressed = progressed || prog
		if err != nil {
			return progressed, err
		}
		if w.owed > 0 {
			w.dead = true
			if doc.Ok {
				return progressed, fmt.Errorf("%w: worker %s exited with code %d owing %d replies",
					ErrWorkerDied, w.h, doc.ExitCode, w.owed)
			}
			return progressed, fmt.Errorf("%w: worker %s failed with %s owing %d replies",
				ErrWorkerDied, w.h, doc.Err, w.owed)
		}
	}
	return progressed, nil
}

// drainWorker moves buffered stdout into the worker's parse buffer and
// completes every whole frame in it.
func (p *Pool) drainWorker(w *worker, byID map[uint32]int, results [][]byte, received *int) (bool, error) {
	progressed := false
	for {
		chunk, err := p.tab.ReadStdout(w.h, 1<<20)
		if err != nil {
			return progressed, fmt.Errorf("read worker %s stdout: %w", w.h, err)
		}
		if len(chunk) == 0 {
			break
		}
		w.parse.Write(chunk)
		progressed = true
	}

	for {
		f, n, err := abi.TryDecodeFrame(w.parse.Bytes())
		if err != nil {
			return progressed, fmt.Errorf("worker %s protocol error: %w", w.h, err)
		}
		if f == nil {
			break
		}
		w.parse.Next(n)
		idx, ok := byID[f.ID]
		if !ok {
			return progressed, fmt.Errorf("worker %s replied to unknown frame %d", w.h, f.ID)
		}
		delete(byID, f.ID)
		results[idx] = f.Payload
		w.owed--
		*received++
		progressed = true
	}
	return progressed, nil
}

// Close shuts the pool down: stdin of every worker is closed so workers see
// end of input and exit, then the entries are reaped and dropped. Workers
// still running after the wait window are force-dropped by policy.
func (p *Pool) Close() error {
	var firstErr error
	for _, w := range p.workers {
		if err := p.tab.CloseStdin(w.h); err != nil &&
			!errors.Is(err, proc.ErrAlreadyTerminal) && !errors.Is(err, proc.ErrStaleHandle) {
			if firstErr == nil {
				firstErr = fmt.Errorf("close worker %s stdin: %w", w.h, err)
			}
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.tab.Sweep()
		allDone := true
		for _, w := range p.workers {
			doc, err := p.tab.TryJoin(w.h)
			if err == nil && doc == nil {
				allDone = false
			}
		}
		if allDone {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	p.dropAll()
	p.logger.Info("pool closed")
	return firstErr
}

func (p *Pool) dropAll() {
	for _, w := range p.workers {
		if err := p.tab.Drop(w.h); err != nil && !errors.Is(err, proc.ErrStaleHandle) {
			p.logger.Warn("drop worker failed", "handle", w.h.String(), "error", err)
		}
	}
	p.workers = nil
}
