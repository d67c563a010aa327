package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Cycler runs one collection cycle.
type Cycler interface {
	Cycle(ctx context.Context) Report
}

// Totals are cumulative counters across cycles.
type Totals struct {
	Cycles       uint64
	NoData       uint64
	HostInserted uint64
	GPUInserted  uint64
	Errors       uint64
	Skipped      uint64
}

// Scheduler runs cycles back to back, sleeping interval after each one,
// caches the latest report and fans it out to subscribers.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	logger   *slog.Logger

	mu          sync.RWMutex
	latest      *Report
	totals      Totals
	subscribers map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewScheduler builds a Scheduler.
func NewScheduler(cycler Cycler, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if cycler == nil {
		return nil, errors.New("scheduler: nil cycler")
	}
	if interval <= 0 {
		return nil, errors.New("scheduler: interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		cycler:      cycler,
		interval:    interval,
		logger:      logger.With("component", "scheduler"),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Run executes cycles until ctx is canceled. Cycles never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)
	defer s.Close()

	for {
		if ctx.Err() != nil {
			break
		}
		s.publish(s.cycler.Cycle(ctx))
		if !sleepWithContext(ctx, s.interval) {
			break
		}
	}

	s.logger.Info("scheduler stopping", "reason", context.Cause(ctx))
	return nil
}

// Latest returns the most recent report.
func (s *Scheduler) Latest() (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Report{}, false
	}
	return *s.latest, true
}

// Totals returns the cumulative counters.
func (s *Scheduler) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals
}

// Ready reports whether at least one cycle has been reported.
func (s *Scheduler) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest != nil
}

// Subscribe registers a listener for reports. The latest report, if any, is
// delivered immediately. Slow listeners only ever see the newest report.
func (s *Scheduler) Subscribe() (<-chan Report, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := newSubscriber()
	s.subscribers[sub] = struct{}{}
	if s.latest != nil {
		sub.send(*s.latest)
	}

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		sub.close()
	}
	return sub.channel(), unsubscribe
}

// Close closes every subscriber channel. Safe for repeated use.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		subs := s.subscribers
		s.subscribers = make(map[*subscriber]struct{})
		s.mu.Unlock()

		for sub := range subs {
			sub.close()
		}
	})
}

func (s *Scheduler) publish(report Report) {
	s.mu.Lock()
	s.latest = &report
	s.totals.Cycles++
	if report.NoData {
		s.totals.NoData++
	}
	s.totals.HostInserted += uint64(report.HostInserted)
	s.totals.GPUInserted += uint64(report.GPUInserted)
	s.totals.Errors += uint64(len(report.Errors))
	s.totals.Skipped += uint64(report.Skipped)

	targets := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.send(report)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type subscriber struct {
	ch     chan Report
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Report, 1)}
}

func (s *subscriber) channel() <-chan Report {
	return s.ch
}

func (s *subscriber) send(report Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- report:
		return
	default:
		// Drop the stale report.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- report:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
