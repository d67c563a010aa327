package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingCycler struct {
	calls atomic.Int64
}

func (c *countingCycler) Cycle(context.Context) Report {
	n := c.calls.Add(1)
	report := newReport()
	report.HostInserted = 1
	report.GPUInserted = int(n)
	return report
}

func TestSchedulerRunsCyclesAndPublishes(t *testing.T) {
	t.Parallel()

	cycler := &countingCycler{}
	sched, err := NewScheduler(cycler, 10*time.Millisecond, discardLogger())
	if err != nil {
		t.Fatalf("NewScheduler returned error: %v", err)
	}

	if sched.Ready() {
		t.Fatalf("scheduler should not be ready before the first cycle")
	}

	ch, unsubscribe := sched.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx)
	}()

	first := awaitReport(t, ch)
	if first.HostInserted != 1 {
		t.Fatalf("unexpected first report %+v", first)
	}
	waitFor(t, time.Second, sched.Ready)
	waitFor(t, time.Second, func() bool { return cycler.calls.Load() >= 3 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	latest, ok := sched.Latest()
	if !ok {
		t.Fatal("expected a latest report")
	}
	totals := sched.Totals()
	calls := uint64(cycler.calls.Load())
	if totals.Cycles != calls || totals.HostInserted != calls {
		t.Fatalf("totals %+v do not match %d cycles", totals, calls)
	}
	if latest.GPUInserted != int(calls) {
		t.Fatalf("latest report is not the last one: %+v", latest)
	}

	// Run closes subscribers on exit.
	for range ch {
	}
}

func TestSchedulerSubscriberDropsStaleReports(t *testing.T) {
	t.Parallel()

	sched, err := NewScheduler(&countingCycler{}, time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("NewScheduler returned error: %v", err)
	}
	ch, unsubscribe := sched.Subscribe()

	for i := 1; i <= 3; i++ {
		report := newReport()
		report.GPUInserted = i
		sched.publish(report)
	}

	if got := awaitReport(t, ch); got.GPUInserted != 3 {
		t.Fatalf("expected newest report, got %+v", got)
	}

	late, lateUnsubscribe := sched.Subscribe()
	defer lateUnsubscribe()
	if got := awaitReport(t, late); got.GPUInserted != 3 {
		t.Fatalf("late subscriber should receive latest report, got %+v", got)
	}

	unsubscribe()
	if _, open := <-ch; open {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	unsubscribe()
}

func TestSchedulerStopsBeforeFirstCycleWhenCanceled(t *testing.T) {
	t.Parallel()

	cycler := &countingCycler{}
	sched, err := NewScheduler(cycler, time.Millisecond, discardLogger())
	if err != nil {
		t.Fatalf("NewScheduler returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if cycler.calls.Load() != 0 {
		t.Fatalf("expected no cycles, got %d", cycler.calls.Load())
	}
}

func TestNewSchedulerValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewScheduler(nil, time.Second, nil); err == nil {
		t.Fatal("expected error for nil cycler")
	}
	if _, err := NewScheduler(&countingCycler{}, 0, nil); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func awaitReport(t *testing.T, ch <-chan Report) Report {
	t.Helper()
	select {
	case report, ok := <-ch:
		if !ok {
			t.Fatal("report channel closed")
		}
		return report
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for report")
	}
	return Report{}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
