package proc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/drossel-lang/keel/internal/log"
)

// DefaultSweepInterval is the reaper tick period when none is configured.
const DefaultSweepInterval = 10 * time.Millisecond

// Supervisor drives the table's reaper sweep on a fixed tick. Embedding
// callers may instead call Table.Sweep from their own loop; the supervisor is
// the standalone service form used by serve mode and the CLI run loop.
type Supervisor struct {
	table    *Table
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor over t. interval <= 0 selects the
// default.
func NewSupervisor(t *Table, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Supervisor{
		table:    t,
		interval: interval,
		logger:   log.WithComponent("supervisor"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.logger.Info("starting supervisor", "interval", s.interval.String())
	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop halts the loop and runs one final sweep so no transition is lost
// between the last tick and shutdown.
func (s *Supervisor) Stop() {
	s.logger.Info("stopping supervisor")
	close(s.stopCh)
	s.wg.Wait()
	s.table.Sweep()
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.table.Sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.table.Sweep()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("supervisor context cancelled, stopping tick loop")
			return
		}
	}
}
