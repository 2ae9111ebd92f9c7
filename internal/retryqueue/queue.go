// Package retryqueue holds side-effecting actions (ride requests, cancels,
// payments, location updates) that could not be delivered and retries them
// with exponential backoff until they succeed or run out of attempts.
//
// Retries of one action never overlap: a pending timer is stopped before an
// attempt starts, and an attempt that finds another in flight is skipped.
// The queue lives in memory only.
package retryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/notify"
	"github.com/example/ride-sync/internal/observability"
)

// Executor delivers one action to its backend (ride, payment or location API).
type Executor interface {
	Execute(ctx context.Context, a models.QueuedAction) error
}

type ExecutorFunc func(ctx context.Context, a models.QueuedAction) error

func (f ExecutorFunc) Execute(ctx context.Context, a models.QueuedAction) error { return f(ctx, a) }

// Network is what the queue needs from the connectivity monitor.
type Network interface {
	Online() bool
	Subscribe(fn func(models.NetworkStatus)) notify.Subscription
}

// Failure is published once when an action is dropped.
type Failure struct {
	Action models.QueuedAction
	Err    error
}

// Outcome describes what a single Retry call did.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeDelivered
	OutcomeRescheduled
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRescheduled:
		return "rescheduled"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "skipped"
	}
}

type Config struct {
	Policy    Policy
	Network   Network
	Executors map[models.ActionKind]Executor
	Scheduler Scheduler
	Logger    *slog.Logger
}

type entry struct {
	action   models.QueuedAction
	timer    Timer
	gen      uint64 // bumped whenever the timer is replaced or stopped
	inFlight bool
}

type Queue struct {
	policy    Policy
	executors map[models.ActionKind]Executor
	sched     Scheduler
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	netMu   sync.RWMutex
	network Network

	mu     sync.Mutex
	order  []string
	items  map[string]*entry
	closed bool
	netSub notify.Subscription

	draining  atomic.Bool
	exhausted notify.Registry[Failure]
	delivered notify.Registry[models.QueuedAction]
}

func New(cfg Config) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		policy:    cfg.Policy.normalized(),
		network:   cfg.Network,
		executors: make(map[models.ActionKind]Executor, len(cfg.Executors)),
		sched:     cfg.Scheduler,
		logger:    logging.Or(cfg.Logger),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		items:     make(map[string]*entry),
	}
	if q.sched == nil {
		q.sched = realScheduler{}
	}
	for k, e := range cfg.Executors {
		q.executors[k] = e
	}
	return q
}

func (q *Queue) Policy() Policy { return q.policy }

// OnExhausted registers fn for actions dropped after their last attempt.
func (q *Queue) OnExhausted(fn func(Failure)) notify.Subscription { return q.exhausted.Subscribe(fn) }

// OnDelivered registers fn for actions that eventually went through.
func (q *Queue) OnDelivered(fn func(models.QueuedAction)) notify.Subscription {
	return q.delivered.Subscribe(fn)
}

func (q *Queue) online() bool {
	q.netMu.RLock()
	n := q.network
	q.netMu.RUnlock()
	return n == nil || n.Online()
}

// Enqueue appends an action. When online a single-shot timer is armed for its
// first delay; otherwise it waits for the next reconnect drain.
func (q *Queue) Enqueue(kind models.ActionKind, payload json.RawMessage) (models.QueuedAction, error) {
	return q.enqueue(uuid.NewString(), kind, payload)
}

func (q *Queue) enqueue(id string, kind models.ActionKind, payload json.RawMessage) (models.QueuedAction, error) {
	if !kind.Valid() {
		return models.QueuedAction{}, fmt.Errorf("enqueue %q: %w", kind, ErrUnknownKind)
	}
	a := models.QueuedAction{
		ID:         id,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: q.now(),
		RetryCount: 0,
		NextDelay:  q.policy.Delay(0),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return models.QueuedAction{}, ErrClosed
	}
	e := &entry{action: a}
	q.items[a.ID] = e
	q.order = append(q.order, a.ID)
	scheduled := q.online()
	if scheduled {
		q.scheduleLocked(a.ID, e)
	}
	depth := len(q.order)
	q.mu.Unlock()

	observability.ActionsEnqueued.WithLabelValues(string(kind)).Inc()
	observability.QueueDepth.Set(float64(depth))
	q.logger.Info("action_enqueued", "action_id", a.ID, "kind", kind, "delay_ms", a.NextDelay.Milliseconds(), "scheduled", scheduled)
	return a, nil
}

// directAttemptTimeout bounds the immediate attempt made by Submit.
const directAttemptTimeout = 15 * time.Second

// Submit tries to deliver an action right away and queues it when offline or
// when the attempt fails. The queued action keeps the id of the direct
// attempt. delivered reports whether it already went through.
//
// The direct attempt does not follow ctx cancellation: once accepted, an
// action is either delivered or queued, even if the caller has gone away.
func (q *Queue) Submit(ctx context.Context, kind models.ActionKind, payload json.RawMessage) (a models.QueuedAction, delivered bool, err error) {
	if !kind.Valid() {
		return models.QueuedAction{}, false, fmt.Errorf("submit %q: %w", kind, ErrUnknownKind)
	}
	exec, ok := q.executors[kind]
	if !ok {
		return models.QueuedAction{}, false, fmt.Errorf("submit %q: %w", kind, ErrNoExecutor)
	}
	id := uuid.NewString()
	if q.online() {
		direct := models.QueuedAction{ID: id, Kind: kind, Payload: payload, EnqueuedAt: q.now()}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directAttemptTimeout)
		err := q.execute(actx, exec, direct)
		cancel()
		if err == nil {
			observability.ActionAttempts.WithLabelValues(string(kind), "success").Inc()
			return direct, true, nil
		}
		observability.ActionAttempts.WithLabelValues(string(kind), "failure").Inc()
		q.logger.Warn("action_direct_failed", "action_id", id, "kind", kind, "error", err)
	}
	a, err = q.enqueue(id, kind, payload)
	return a, false, err
}

// Retry attempts delivery of one queued action now. Any pending timer for it
// is cancelled first. It never returns an error; the outcome says what
// happened and exhausted actions are reported through OnExhausted.
func (q *Queue) Retry(ctx context.Context, id string) Outcome {
	return q.attempt(ctx, id, 0)
}

// attempt runs one delivery. A non-zero gen means the call came from a timer
// and is dropped if that timer has since been replaced or stopped.
func (q *Queue) attempt(ctx context.Context, id string, gen uint64) Outcome {
	q.mu.Lock()
	e, ok := q.items[id]
	if !ok || q.closed || (gen != 0 && e.gen != gen) {
		q.mu.Unlock()
		return OutcomeSkipped
	}
	q.stopTimerLocked(e)
	if e.inFlight {
		q.mu.Unlock()
		return OutcomeSkipped
	}
	e.inFlight = true
	action := e.action
	exec, hasExec := q.executors[action.Kind]
	q.mu.Unlock()

	var err error
	if hasExec {
		err = q.execute(ctx, exec, action)
	} else {
		err = ErrNoExecutor
	}

	q.mu.Lock()
	e.inFlight = false
	if cur, still := q.items[id]; !still || cur != e {
		// cleared while the attempt was running
		q.mu.Unlock()
		if err == nil {
			return OutcomeDelivered
		}
		return OutcomeSkipped
	}

	if err == nil {
		q.removeLocked(id)
		depth := len(q.order)
		q.mu.Unlock()
		observability.ActionAttempts.WithLabelValues(string(action.Kind), "success").Inc()
		observability.QueueDepth.Set(float64(depth))
		q.logger.Info("action_delivered", "action_id", id, "kind", action.Kind, "retry_count", action.RetryCount)
		q.delivered.Publish(action)
		return OutcomeDelivered
	}

	if ctx.Err() != nil {
		// shutting down; leave the entry as it was
		q.mu.Unlock()
		return OutcomeSkipped
	}

	observability.ActionAttempts.WithLabelValues(string(action.Kind), "failure").Inc()
	e.action.RetryCount++
	if hasExec && e.action.RetryCount < q.policy.MaxRetries {
		e.action.NextDelay = q.policy.Delay(e.action.RetryCount)
		scheduled := q.online()
		if scheduled {
			q.scheduleLocked(id, e)
		}
		snap := e.action
		q.mu.Unlock()
		q.logger.Warn("action_retry_failed",
			"action_id", id,
			"kind", snap.Kind,
			"retry_count", snap.RetryCount,
			"next_delay_ms", snap.NextDelay.Milliseconds(),
			"scheduled", scheduled,
			"error", err,
		)
		return OutcomeRescheduled
	}

	dropped := e.action
	q.removeLocked(id)
	depth := len(q.order)
	q.mu.Unlock()

	observability.ActionsExhausted.WithLabelValues(string(dropped.Kind)).Inc()
	observability.QueueDepth.Set(float64(depth))
	q.logger.Error("action_exhausted", "action_id", id, "kind", dropped.Kind, "retry_count", dropped.RetryCount, "error", err)
	q.exhausted.Publish(Failure{Action: dropped, Err: fmt.Errorf("%w: %w", ErrExhausted, err)})
	return OutcomeExhausted
}

// ProcessAll retries every queued action in enqueue order, pausing
// DrainPacing between attempts. It stops early if the network drops or ctx
// ends; whatever is left waits for the next drain.
func (q *Queue) ProcessAll(ctx context.Context) {
	q.mu.Lock()
	ids := make([]string, len(q.order))
	copy(ids, q.order)
	q.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	q.logger.Info("action_queue_drain_started", "pending", len(ids))
	for i, id := range ids {
		if i > 0 {
			if err := sleepOrDone(ctx, q.policy.DrainPacing); err != nil {
				return
			}
		}
		if !q.online() {
			q.logger.Info("action_queue_drain_paused", "remaining", len(ids)-i)
			return
		}
		q.Retry(ctx, id)
	}
}

// Clear cancels every pending timer and empties the queue. Used on logout.
func (q *Queue) Clear() {
	q.mu.Lock()
	n := len(q.order)
	q.stopTimersLocked()
	q.order = nil
	q.items = make(map[string]*entry)
	q.mu.Unlock()
	observability.QueueDepth.Set(0)
	q.logger.Info("action_queue_cleared", "dropped", n)
}

// Snapshot returns the pending actions in enqueue order.
func (q *Queue) Snapshot() []models.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueuedAction, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.items[id].action)
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Attach drains the queue each time the network comes back. Going offline
// stops pending timers so attempts are not burned while unreachable.
func (q *Queue) Attach(n Network) {
	prev := n.Online()
	var mu sync.Mutex
	sub := n.Subscribe(func(st models.NetworkStatus) {
		mu.Lock()
		was := prev
		prev = st.Online()
		mu.Unlock()

		switch {
		case st.Online() && !was:
			go q.drain()
		case !st.Online() && was:
			q.mu.Lock()
			q.stopTimersLocked()
			q.mu.Unlock()
		}
	})

	q.netMu.Lock()
	q.network = n
	q.netMu.Unlock()

	q.mu.Lock()
	old := q.netSub
	q.netSub = sub
	q.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
}

func (q *Queue) drain() {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)
	q.ProcessAll(q.ctx)
}

// Close stops timers, detaches from the network and rejects new actions.
// Pending actions are discarded.
func (q *Queue) Close() {
	q.cancel()
	q.mu.Lock()
	q.closed = true
	q.stopTimersLocked()
	sub := q.netSub
	q.netSub = nil
	q.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	q.exhausted.Reset()
	q.delivered.Reset()
}

func (q *Queue) execute(ctx context.Context, exec Executor, a models.QueuedAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, a)
}

func (q *Queue) scheduleLocked(id string, e *entry) {
	q.stopTimerLocked(e)
	gen := e.gen
	e.timer = q.sched.AfterFunc(e.action.NextDelay, func() {
		if !q.online() {
			return
		}
		q.attempt(q.ctx, id, gen)
	})
}

func (q *Queue) stopTimerLocked(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (q *Queue) stopTimersLocked() {
	for _, e := range q.items {
		q.stopTimerLocked(e)
	}
}

func (q *Queue) removeLocked(id string) {
	if e, ok := q.items[id]; ok {
		q.stopTimerLocked(e)
	}
	delete(q.items, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}
