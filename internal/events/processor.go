// Package events turns real-time ride pushes into authoritative state. Each
// accepted event triggers a full re-fetch of the ride rather than applying
// the event as a delta, so duplicates and reordering are harmless.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/notify"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/realtime"
)

const (
	seenCap  = 100
	seenKeep = 50

	// inboxSize is how many transport events may wait for the worker before
	// the transport itself is held up.
	inboxSize = 256
)

// Refresher re-fetches one ride and stores the result.
type Refresher interface {
	Refresh(ctx context.Context, rideID string) (models.RideSnapshot, error)
}

type room struct {
	driverID string
}

type Processor struct {
	transport realtime.Transport
	refresher Refresher
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}

	mu      sync.Mutex
	rooms   map[string]*room
	seen    map[string]struct{}
	seenLog []string
	started bool

	transportSubs notify.Group

	statusChange    notify.Registry[models.RideEvent]
	locationUpdate  notify.Registry[models.RideEvent]
	driverUpdate    notify.Registry[models.RideEvent]
	driverCancelled notify.Registry[models.RideEvent]
	errs            notify.Registry[error]
}

func NewProcessor(t realtime.Transport, r Refresher, logger *slog.Logger) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		transport: t,
		refresher: r,
		logger:    logging.Or(logger),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
		rooms:     make(map[string]*room),
		seen:      make(map[string]struct{}),
	}
}

func (p *Processor) OnStatusChange(fn func(models.RideEvent)) notify.Subscription {
	return p.statusChange.Subscribe(fn)
}

func (p *Processor) OnLocationUpdate(fn func(models.RideEvent)) notify.Subscription {
	return p.locationUpdate.Subscribe(fn)
}

// OnDriverUpdate fires when an event names a different driver than the one
// last seen for the ride.
func (p *Processor) OnDriverUpdate(fn func(models.RideEvent)) notify.Subscription {
	return p.driverUpdate.Subscribe(fn)
}

// OnDriverCancelled fires, in addition to OnStatusChange, when the driver
// cancelled the ride.
func (p *Processor) OnDriverCancelled(fn func(models.RideEvent)) notify.Subscription {
	return p.driverCancelled.Subscribe(fn)
}

func (p *Processor) OnError(fn func(error)) notify.Subscription { return p.errs.Subscribe(fn) }

// Start wires the processor to the transport. Calling it twice is a no-op.
// Ride events and reconnects are handled in order on one worker goroutine,
// so a slow refresh never blocks the transport's read loop. Subscribers are
// called from that worker.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.work()

	p.transportSubs.Add(p.transport.On(realtime.EventRideStatusUpdate, func(d json.RawMessage) {
		if ev, ok := p.decode(models.CategoryStatus, d); ok {
			p.dispatch(func() { p.HandleStatusEvent(p.ctx, ev) })
		}
	}))
	p.transportSubs.Add(p.transport.On(realtime.EventDriverLocationUpdate, func(d json.RawMessage) {
		if ev, ok := p.decode(models.CategoryDriverLocation, d); ok {
			p.dispatch(func() { p.HandleDriverLocationEvent(p.ctx, ev) })
		}
	}))
	p.transportSubs.Add(p.transport.On(realtime.EventConnectionError, func(d json.RawMessage) {
		var ce realtime.ConnectionError
		_ = json.Unmarshal(d, &ce)
		if ce.Message == "" {
			ce.Message = "connection error"
		}
		p.errs.Publish(fmt.Errorf("%w: %s", ErrConnection, ce.Message))
	}))
	p.transportSubs.Add(p.transport.On(realtime.EventConnected, func(json.RawMessage) {
		p.dispatch(func() { p.rejoin(p.ctx) })
	}))
	p.transportSubs.Add(p.transport.On(realtime.EventDisconnected, func(json.RawMessage) {
		p.logger.Info("ride_events_transport_disconnected", "rooms", len(p.Rooms()))
	}))
}

// Close detaches from the transport, waits for the worker and drops every
// subscriber. Queued transport events are discarded.
func (p *Processor) Close() {
	p.cancel()
	p.transportSubs.Unsubscribe()
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}
	p.statusChange.Reset()
	p.locationUpdate.Reset()
	p.driverUpdate.Reset()
	p.driverCancelled.Reset()
	p.errs.Reset()
}

// Connect joins the ride's room and refreshes its state. Connecting to a ride
// that is already joined does nothing. While the transport is down the ride
// stays registered and is joined on the next connect.
func (p *Processor) Connect(ctx context.Context, rideID string) error {
	if rideID == "" {
		return ErrEmptyRideID
	}
	p.mu.Lock()
	if _, ok := p.rooms[rideID]; ok {
		p.mu.Unlock()
		return nil
	}
	p.rooms[rideID] = &room{}
	p.mu.Unlock()

	if err := p.transport.JoinRoom(ctx, rideID); err != nil {
		if !errors.Is(err, realtime.ErrNotConnected) {
			p.mu.Lock()
			delete(p.rooms, rideID)
			p.mu.Unlock()
			p.logger.Warn("ride_room_join_failed", "ride_id", rideID, "error", err)
			return fmt.Errorf("join ride %s: %w", rideID, err)
		}
		p.logger.Info("ride_room_join_deferred", "ride_id", rideID)
	}
	p.logger.Info("ride_watch_started", "ride_id", rideID)
	p.refresh(ctx, rideID)
	return nil
}

// Disconnect leaves the ride's room. Later events for it are ignored.
func (p *Processor) Disconnect(ctx context.Context, rideID string) error {
	p.mu.Lock()
	if _, ok := p.rooms[rideID]; !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.rooms, rideID)
	p.forgetRideLocked(rideID)
	p.mu.Unlock()

	p.logger.Info("ride_watch_stopped", "ride_id", rideID)
	if err := p.transport.LeaveRoom(ctx, rideID); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		return fmt.Errorf("leave ride %s: %w", rideID, err)
	}
	return nil
}

// Rooms lists the joined ride ids.
func (p *Processor) Rooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		out = append(out, id)
	}
	return out
}

func (p *Processor) Watching(rideID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rooms[rideID]
	return ok
}

// HandleStatusEvent processes a status push. It reports whether the event
// was accepted, i.e. not a duplicate and for a joined ride.
func (p *Processor) HandleStatusEvent(ctx context.Context, ev models.RideEvent) bool {
	ev.Category = models.CategoryStatus
	driverChanged, ok := p.admit(&ev, func(e models.RideEvent) string { return StatusKey(e.RideID, e.Status) })
	if !ok {
		return false
	}

	p.refresh(ctx, ev.RideID)

	p.statusChange.Publish(ev)
	if driverChanged {
		p.driverUpdate.Publish(ev)
	}
	if IsDriverCancellation(ev) {
		p.logger.Info("ride_cancelled_by_driver", "ride_id", ev.RideID, "driver_id", ev.DriverID)
		p.driverCancelled.Publish(ev)
	}
	return true
}

// HandleDriverLocationEvent processes a driver position push.
func (p *Processor) HandleDriverLocationEvent(ctx context.Context, ev models.RideEvent) bool {
	ev.Category = models.CategoryDriverLocation
	if ev.Location == nil {
		observability.RideEvents.WithLabelValues(string(ev.Category), "malformed").Inc()
		p.errs.Publish(fmt.Errorf("%w: location event without coordinates", ErrMalformedEvent))
		return false
	}
	driverChanged, ok := p.admit(&ev, func(e models.RideEvent) string { return LocationKey(e.RideID, e.DriverID, *e.Location) })
	if !ok {
		return false
	}

	p.refresh(ctx, ev.RideID)

	p.locationUpdate.Publish(ev)
	if driverChanged {
		p.driverUpdate.Publish(ev)
	}
	return true
}

// admit resolves the ride, drops duplicates and events for rides that are not
// joined, and records the key. It also reports whether the event names a new
// driver for the ride.
func (p *Processor) admit(ev *models.RideEvent, keyOf func(models.RideEvent) string) (driverChanged, ok bool) {
	cat := string(ev.Category)
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.RideID == "" && ev.DriverID != "" {
		for id, r := range p.rooms {
			if r.driverID == ev.DriverID {
				ev.RideID = id
				break
			}
		}
	}
	r, joined := p.rooms[ev.RideID]
	if !joined {
		observability.RideEvents.WithLabelValues(cat, "ignored").Inc()
		p.logger.Debug("ride_event_ignored", "ride_id", ev.RideID, "category", cat)
		return false, false
	}
	key := keyOf(*ev)
	if _, dup := p.seen[key]; dup {
		observability.RideEvents.WithLabelValues(cat, "duplicate").Inc()
		p.logger.Debug("ride_event_duplicate", "key", key)
		return false, false
	}
	p.rememberLocked(key)

	if ev.DriverID != "" && ev.DriverID != r.driverID {
		driverChanged = true
		r.driverID = ev.DriverID
	}
	observability.RideEvents.WithLabelValues(cat, "processed").Inc()
	return driverChanged, true
}

func (p *Processor) rememberLocked(key string) {
	p.seen[key] = struct{}{}
	p.seenLog = append(p.seenLog, key)
	if len(p.seenLog) <= seenCap {
		return
	}
	drop := p.seenLog[:len(p.seenLog)-seenKeep]
	for _, k := range drop {
		delete(p.seen, k)
	}
	p.seenLog = append([]string(nil), p.seenLog[len(p.seenLog)-seenKeep:]...)
}

func (p *Processor) forgetRideLocked(rideID string) {
	prefix := "status:" + rideID + ":"
	kept := p.seenLog[:0]
	for _, k := range p.seenLog {
		if strings.HasPrefix(k, prefix) {
			delete(p.seen, k)
			continue
		}
		kept = append(kept, k)
	}
	p.seenLog = kept
}

// SeenCount reports how many event keys are remembered for dedup.
func (p *Processor) SeenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func (p *Processor) dispatch(fn func()) {
	select {
	case p.inbox <- fn:
	case <-p.ctx.Done():
	}
}

func (p *Processor) work() {
	defer close(p.done)
	for {
		select {
		case fn := <-p.inbox:
			if p.ctx.Err() != nil {
				return
			}
			fn()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Processor) refresh(ctx context.Context, rideID string) {
	if p.refresher == nil {
		return
	}
	if _, err := p.refresher.Refresh(ctx, rideID); err != nil {
		p.logger.Warn("ride_refresh_failed", "ride_id", rideID, "error", err)
		p.errs.Publish(fmt.Errorf("%w: %w", ErrRefresh, err))
	}
}

// rejoin runs after the transport (re)connects: every joined ride gets its
// room back and a fresh snapshot, since events may have been missed.
func (p *Processor) rejoin(ctx context.Context) {
	ids := p.Rooms()
	if len(ids) == 0 {
		return
	}
	p.logger.Info("ride_rooms_rejoining", "rooms", len(ids))
	for _, id := range ids {
		if err := p.transport.JoinRoom(ctx, id); err != nil {
			p.logger.Warn("ride_room_rejoin_failed", "ride_id", id, "error", err)
			p.errs.Publish(fmt.Errorf("rejoin ride %s: %w", id, err))
			continue
		}
		p.refresh(ctx, id)
	}
}

func (p *Processor) decode(cat models.EventCategory, d json.RawMessage) (models.RideEvent, bool) {
	var ev models.RideEvent
	if err := json.Unmarshal(d, &ev); err != nil {
		observability.RideEvents.WithLabelValues(string(cat), "malformed").Inc()
		p.logger.Warn("ride_event_malformed", "category", cat, "error", err)
		p.errs.Publish(fmt.Errorf("%w: %w", ErrMalformedEvent, err))
		return models.RideEvent{}, false
	}
	ev.Category = cat
	return ev, true
}

func StatusKey(rideID, status string) string {
	return "status:" + rideID + ":" + status
}

// LocationKey identifies a position by driver, or by ride when the event
// carries no driver id.
func LocationKey(rideID, driverID string, c models.Coord) string {
	subject := driverID
	if subject == "" {
		subject = rideID
	}
	return "location:" + subject + ":" + strconv.FormatFloat(c.Lat, 'f', -1, 64) + ":" + strconv.FormatFloat(c.Lon, 'f', -1, 64)
}

// IsDriverCancellation reports whether a status event is a cancellation made
// by the driver rather than the rider.
func IsDriverCancellation(ev models.RideEvent) bool {
	if models.RideState(ev.Status) != models.StateCancelled {
		return false
	}
	if strings.EqualFold(ev.CancelledBy, "driver") {
		return true
	}
	return strings.Contains(strings.ToLower(ev.Message), "driver")
}
