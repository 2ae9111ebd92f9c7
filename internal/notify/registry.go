// Package notify holds the typed subscriber lists shared by the monitor,
// the retry queue and the ride event processor.
package notify

import "sync"

// Subscription is a revocable handle returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Registry fans a value out to subscribers in subscription order.
type Registry[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs []entry[T]
}

func (r *Registry[T]) Subscribe(fn func(T)) Subscription {
	if fn == nil {
		return noop{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.subs = append(r.subs, entry[T]{id: id, fn: fn})
	return &handle[T]{r: r, id: id}
}

// Publish calls every subscriber synchronously on the caller's goroutine.
// A panicking subscriber does not stop the others.
func (r *Registry[T]) Publish(v T) {
	r.mu.RLock()
	subs := make([]entry[T], len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()
	for _, s := range subs {
		call(s.fn, v)
	}
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Reset drops every subscriber.
func (r *Registry[T]) Reset() {
	r.mu.Lock()
	r.subs = nil
	r.mu.Unlock()
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

func call[T any](fn func(T), v T) {
	defer func() { _ = recover() }()
	fn(v)
}

type handle[T any] struct {
	once sync.Once
	r    *Registry[T]
	id   uint64
}

func (h *handle[T]) Unsubscribe() {
	h.once.Do(func() { h.r.remove(h.id) })
}

type noop struct{}

func (noop) Unsubscribe() {}

// Group collects subscriptions so they can be revoked together, e.g. when a
// ride screen goes away.
type Group struct {
	mu   sync.Mutex
	subs []Subscription
}

func (g *Group) Add(s Subscription) {
	g.mu.Lock()
	g.subs = append(g.subs, s)
	g.mu.Unlock()
}

func (g *Group) Unsubscribe() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}
