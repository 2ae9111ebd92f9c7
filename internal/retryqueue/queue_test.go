package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/netstatus"
)

// manualScheduler records timers and fires them only when told to.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) active() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireNext fires the oldest active timer and reports its delay.
func (s *manualScheduler) fireNext() (time.Duration, bool) {
	act := s.active()
	if len(act) == 0 {
		return 0, false
	}
	t := act[0]
	s.mu.Lock()
	t.fired = true
	s.mu.Unlock()
	t.f()
	return t.d, true
}

func fastPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, BackoffFactor: 2, MaxDelay: 30 * time.Second, DrainPacing: time.Millisecond}
}

func onlineMonitor(t *testing.T) *netstatus.Monitor {
	t.Helper()
	m := netstatus.NewMonitor(logging.Discard())
	m.Observe(netstatus.Reading{Connected: netstatus.Bool(true), Reachable: netstatus.Bool(true), Type: "wifi"})
	return m
}

func goOffline(m *netstatus.Monitor) {
	m.Observe(netstatus.Reading{Connected: netstatus.Bool(false), Type: "wifi"})
}

func goOnline(m *netstatus.Monitor) {
	m.Observe(netstatus.Reading{Connected: netstatus.Bool(true), Reachable: netstatus.Bool(true), Type: "wifi"})
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	times []time.Time
	fail  func(a models.QueuedAction, n int) error
}

func (r *recorder) Execute(ctx context.Context, a models.QueuedAction) error {
	r.mu.Lock()
	r.calls = append(r.calls, string(a.Payload))
	r.times = append(r.times, time.Now())
	n := len(r.calls)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail(a, n)
	}
	return nil
}

func (r *recorder) snapshot() ([]string, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), append([]time.Time(nil), r.times...)
}

func allKinds(e Executor) map[models.ActionKind]Executor {
	return map[models.ActionKind]Executor{
		models.ActionRideRequest:    e,
		models.ActionRideCancel:     e,
		models.ActionPayment:        e,
		models.ActionLocationUpdate: e,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPolicyDelayMonotonicAndCapped(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for n, w := range want {
		if got := p.Delay(n); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
	prev := time.Duration(0)
	for n := 0; n < 2000; n++ {
		d := p.Delay(n)
		if d < prev {
			t.Fatalf("Delay(%d)=%v dropped below Delay(%d)=%v", n, d, n-1, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("Delay(%d)=%v exceeds max %v", n, d, p.MaxDelay)
		}
		prev = d
	}
	if p.Delay(-3) != p.BaseDelay {
		t.Fatalf("negative retry counts should use the base delay")
	}
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{BackoffFactor: 0.5, MaxDelay: time.Millisecond}.normalized()
	if p.MaxRetries != 3 || p.BaseDelay != time.Second || p.BackoffFactor != 2 || p.MaxDelay != time.Second {
		t.Fatalf("unexpected normalization: %+v", p)
	}
}

func TestEnqueueOnlineArmsSingleTimer(t *testing.T) {
	sched := &manualScheduler{}
	q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(&recorder{}), Scheduler: sched, Logger: logging.Discard()})
	defer q.Close()

	a, err := q.Enqueue(models.ActionRideRequest, json.RawMessage(`"A"`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if a.ID == "" || a.RetryCount != 0 || a.NextDelay != time.Second {
		t.Fatalf("unexpected action: %+v", a)
	}
	act := sched.active()
	if len(act) != 1 || act[0].d != time.Second {
		t.Fatalf("expected one 1s timer, got %d", len(act))
	}
}

func TestEnqueueOfflineWaitsForReconnect(t *testing.T) {
	sched := &manualScheduler{}
	mon := netstatus.NewMonitor(logging.Discard())
	q := New(Config{Policy: fastPolicy(), Network: mon, Executors: allKinds(&recorder{}), Scheduler: sched, Logger: logging.Discard()})
	defer q.Close()

	if _, err := q.Enqueue(models.ActionPayment, json.RawMessage(`"P"`)); err != nil {
		t.Fatal(err)
	}
	if len(sched.active()) != 0 {
		t.Fatal("no timer should be armed while offline")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Len())
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q := New(Config{Logger: logging.Discard()})
	defer q.Close()
	_, err := q.Enqueue("teleport", nil)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestExhaustedPaymentDroppedAndReportedOnce(t *testing.T) {
	sched := &manualScheduler{}
	rec := &recorder{fail: func(models.QueuedAction, int) error { return errors.New("gateway timeout") }}
	q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(rec), Scheduler: sched, Logger: logging.Discard()})
	defer q.Close()

	var failures []Failure
	q.OnExhausted(func(f Failure) { failures = append(failures, f) })

	a, _ := q.Enqueue(models.ActionPayment, json.RawMessage(`"pay"`))

	var delays []time.Duration
	for {
		d, ok := sched.fireNext()
		if !ok {
			break
		}
		delays = append(delays, d)
	}

	calls, _ := rec.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(calls))
	}
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if fmt.Sprint(delays) != fmt.Sprint(wantDelays) {
		t.Fatalf("expected backoff %v, got %v", wantDelays, delays)
	}
	if q.Len() != 0 {
		t.Fatalf("exhausted action should be removed, %d left", q.Len())
	}
	if len(failures) != 1 {
		t.Fatalf("expected exactly one terminal failure, got %d", len(failures))
	}
	f := failures[0]
	if f.Action.ID != a.ID || f.Action.RetryCount != 3 || !errors.Is(f.Err, ErrExhausted) || Kind(f.Err) != "exhausted" {
		t.Fatalf("unexpected failure: %+v", f)
	}

	if out := q.Retry(context.Background(), a.ID); out != OutcomeSkipped {
		t.Fatalf("retrying a dropped action should be skipped, got %v", out)
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	sched := &manualScheduler{}
	rec := &recorder{fail: func(_ models.QueuedAction, n int) error {
		if n == 1 {
			return errors.New("503")
		}
		return nil
	}}
	q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(rec), Scheduler: sched, Logger: logging.Discard()})
	defer q.Close()

	var delivered []string
	q.OnDelivered(func(a models.QueuedAction) { delivered = append(delivered, a.ID) })

	a, _ := q.Enqueue(models.ActionRideCancel, json.RawMessage(`"C"`))
	if out := q.Retry(context.Background(), a.ID); out != OutcomeRescheduled {
		t.Fatalf("first attempt should reschedule, got %v", out)
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].RetryCount != 1 || snap[0].NextDelay != 2*time.Second {
		t.Fatalf("unexpected snapshot after failure: %+v", snap)
	}
	if out := q.Retry(context.Background(), a.ID); out != OutcomeDelivered {
		t.Fatalf("second attempt should deliver, got %v", out)
	}
	if q.Len() != 0 || len(delivered) != 1 || delivered[0] != a.ID {
		t.Fatalf("expected delivered and removed, len=%d delivered=%v", q.Len(), delivered)
	}
	if len(sched.active()) != 0 {
		t.Fatal("no timers should remain after delivery")
	}
}

func TestStaleTimerDoesNotFireExtraAttempt(t *testing.T) {
	sched := &manualScheduler{}
	rec := &recorder{fail: func(models.QueuedAction, int) error { return errors.New("down") }}
	q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(rec), Scheduler: sched, Logger: logging.Discard()})
	defer q.Close()

	a, _ := q.Enqueue(models.ActionRideRequest, json.RawMessage(`"R"`))
	first := sched.active()[0]

	q.Retry(context.Background(), a.ID)
	first.f() // fired late, after being replaced

	calls, _ := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("stale timer must not attempt again, got %d attempts", len(calls))
	}
	if len(sched.active()) != 1 {
		t.Fatalf("expected exactly one live timer, got %d", len(sched.active()))
	}
}

func TestRetryNeverOverlapsForSameAction(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var attempts atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, a models.QueuedAction) error {
		attempts.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	})
	q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(exec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
	defer q.Close()

	a, _ := q.Enqueue(models.ActionLocationUpdate, json.RawMessage(`"L"`))
	done := make(chan Outcome, 1)
	go func() { done <- q.Retry(context.Background(), a.ID) }()
	<-entered

	if out := q.Retry(context.Background(), a.ID); out != OutcomeSkipped {
		t.Fatalf("overlapping retry should be skipped, got %v", out)
	}
	close(release)
	if out := <-done; out != OutcomeDelivered {
		t.Fatalf("in-flight attempt should deliver, got %v", out)
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestReconnectDrainPreservesEnqueueOrder(t *testing.T) {
	mon := netstatus.NewMonitor(logging.Discard())
	rec := &recorder{}
	q := New(Config{Policy: fastPolicy(), Executors: allKinds(rec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
	defer q.Close()
	q.Attach(mon)

	for _, p := range []string{`"A"`, `"B"`, `"C"`} {
		if _, err := q.Enqueue(models.ActionRideRequest, json.RawMessage(p)); err != nil {
			t.Fatal(err)
		}
	}
	goOnline(mon)

	waitFor(t, 2*time.Second, func() bool { return q.Len() == 0 })
	calls, _ := rec.snapshot()
	if fmt.Sprint(calls) != `["A" "B" "C"]` {
		t.Fatalf("expected attempts in enqueue order A,B,C got %v", calls)
	}
}

func TestReconnectDrainPacesAttempts(t *testing.T) {
	mon := netstatus.NewMonitor(logging.Discard())
	rec := &recorder{}
	q := New(Config{Policy: DefaultPolicy(), Executors: allKinds(rec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
	defer q.Close()
	q.Attach(mon)

	q.Enqueue(models.ActionRideRequest, json.RawMessage(`"first"`))
	q.Enqueue(models.ActionPayment, json.RawMessage(`"second"`))
	goOnline(mon)

	waitFor(t, 3*time.Second, func() bool { return q.Len() == 0 })
	calls, times := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected both actions to run, got %v", calls)
	}
	if gap := times[1].Sub(times[0]); gap < 500*time.Millisecond {
		t.Fatalf("expected >=500ms pacing between drained actions, got %v", gap)
	}
}

func TestDrainStopsWhenNetworkDrops(t *testing.T) {
	mon := onlineMonitor(t)
	exec := ExecutorFunc(func(ctx context.Context, a models.QueuedAction) error {
		goOffline(mon)
		return errors.New("connection reset")
	})
	q := New(Config{Policy: fastPolicy(), Network: mon, Executors: allKinds(exec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
	defer q.Close()

	q.Enqueue(models.ActionRideRequest, json.RawMessage(`"1"`))
	q.Enqueue(models.ActionRideRequest, json.RawMessage(`"2"`))
	q.ProcessAll(context.Background())

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].RetryCount != 1 || snap[1].RetryCount != 0 {
		t.Fatalf("drain should stop after the network dropped: %+v", snap)
	}
}

func TestGoingOfflineStopsPendingTimers(t *testing.T) {
	sched := &manualScheduler{}
	mon := onlineMonitor(t)
	q := New(Config{Policy: fastPolicy(), Executors: allKinds(&recorder{}), Scheduler: sched, Logger: logging.Discard()})
	defer q.Close()
	q.Attach(mon)

	q.Enqueue(models.ActionRideRequest, json.RawMessage(`"x"`))
	if len(sched.active()) != 1 {
		t.Fatal("expected an armed timer while online")
	}
	goOffline(mon)
	if len(sched.active()) != 0 {
		t.Fatal("timers should be stopped when the network drops")
	}
}

func TestClearCancelsTimersAndEmptiesQueue(t *testing.T) {
	sched := &manualScheduler{}
	q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(&recorder{}), Scheduler: sched, Logger: logging.Discard()})
	defer q.Close()

	q.Enqueue(models.ActionRideRequest, json.RawMessage(`"a"`))
	q.Enqueue(models.ActionPayment, json.RawMessage(`"b"`))
	q.Clear()

	if q.Len() != 0 || len(q.Snapshot()) != 0 {
		t.Fatal("queue should be empty after Clear")
	}
	if len(sched.active()) != 0 {
		t.Fatal("Clear should stop every timer")
	}
}

func TestSubmit(t *testing.T) {
	t.Run("delivers directly when online", func(t *testing.T) {
		rec := &recorder{}
		q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(rec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
		defer q.Close()
		_, delivered, err := q.Submit(context.Background(), models.ActionRideCancel, json.RawMessage(`"c"`))
		if err != nil || !delivered || q.Len() != 0 {
			t.Fatalf("expected direct delivery, delivered=%v err=%v len=%d", delivered, err, q.Len())
		}
	})

	t.Run("queues after a failed attempt", func(t *testing.T) {
		rec := &recorder{fail: func(models.QueuedAction, int) error { return errors.New("502") }}
		q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(rec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
		defer q.Close()
		a, delivered, err := q.Submit(context.Background(), models.ActionPayment, json.RawMessage(`"p"`))
		if err != nil || delivered || q.Len() != 1 || a.RetryCount != 0 {
			t.Fatalf("expected queued action, delivered=%v err=%v len=%d", delivered, err, q.Len())
		}
	})

	t.Run("queues without an attempt when offline", func(t *testing.T) {
		rec := &recorder{}
		q := New(Config{Policy: fastPolicy(), Network: netstatus.NewMonitor(logging.Discard()), Executors: allKinds(rec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
		defer q.Close()
		_, delivered, err := q.Submit(context.Background(), models.ActionRideRequest, json.RawMessage(`"r"`))
		calls, _ := rec.snapshot()
		if err != nil || delivered || q.Len() != 1 || len(calls) != 0 {
			t.Fatalf("expected offline queueing, delivered=%v err=%v len=%d calls=%d", delivered, err, q.Len(), len(calls))
		}
	})

	t.Run("queues when the caller goes away mid-attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var attemptID string
		exec := ExecutorFunc(func(actx context.Context, a models.QueuedAction) error {
			attemptID = a.ID
			cancel()
			if actx.Err() != nil {
				return actx.Err()
			}
			return errors.New("504 from ride api")
		})
		q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(exec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
		defer q.Close()
		a, delivered, err := q.Submit(ctx, models.ActionRideRequest, json.RawMessage(`"r"`))
		if err != nil || delivered || q.Len() != 1 {
			t.Fatalf("expected the action to be queued, delivered=%v err=%v len=%d", delivered, err, q.Len())
		}
		if a.ID != attemptID || q.Snapshot()[0].ID != attemptID {
			t.Fatalf("queued action should reuse the attempt id %q, got %q", attemptID, a.ID)
		}
	})

	t.Run("delivered even when the caller goes away", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		exec := ExecutorFunc(func(context.Context, models.QueuedAction) error {
			cancel()
			return nil
		})
		q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(exec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
		defer q.Close()
		_, delivered, err := q.Submit(ctx, models.ActionPayment, json.RawMessage(`"p"`))
		if err != nil || !delivered || q.Len() != 0 {
			t.Fatalf("expected delivery, delivered=%v err=%v len=%d", delivered, err, q.Len())
		}
	})

	t.Run("rejects kinds without executor", func(t *testing.T) {
		q := New(Config{Logger: logging.Discard()})
		defer q.Close()
		_, _, err := q.Submit(context.Background(), models.ActionPayment, nil)
		if Kind(err) != "no_executor" {
			t.Fatalf("expected no_executor, got %v", err)
		}
	})
}

func TestExecutorPanicCountsAsFailure(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, models.QueuedAction) error { panic("nil map") })
	q := New(Config{Policy: fastPolicy(), Network: onlineMonitor(t), Executors: allKinds(exec), Scheduler: &manualScheduler{}, Logger: logging.Discard()})
	defer q.Close()
	a, _ := q.Enqueue(models.ActionPayment, nil)
	if out := q.Retry(context.Background(), a.ID); out != OutcomeRescheduled {
		t.Fatalf("panic should be treated as a failed attempt, got %v", out)
	}
}

func TestClosedQueueRejectsEnqueue(t *testing.T) {
	q := New(Config{Logger: logging.Discard()})
	q.Close()
	if _, err := q.Enqueue(models.ActionPayment, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestKind(t *testing.T) {
	cases := map[string]error{
		"":            nil,
		"exhausted":   fmt.Errorf("%w: boom", ErrExhausted),
		"no_executor": ErrNoExecutor,
		"timeout":     context.DeadlineExceeded,
		"canceled":    fmt.Errorf("wrap: %w", context.Canceled),
		"internal":    errors.New("other"),
	}
	for want, err := range cases {
		if got := Kind(err); got != want {
			t.Fatalf("Kind(%v) = %q, want %q", err, got, want)
		}
	}
}
