package gps

import (
	"sync"

	"go.uber.org/zap"
)

// LinkStateHandler receives the raw link code whenever it changes.
type LinkStateHandler func(raw int)

// TimeValidHandler receives the new time-validity flag whenever it changes.
type TimeValidHandler func(valid bool)

// ErrorHandler receives the fatal device code that terminated the monitor.
type ErrorHandler func(code int)

// registry is an ordered, copy-on-write list of handlers for one event kind.
// Dispatch iterates a snapshot, so handlers may unsubscribe from inside a callback.
type registry[H any] struct {
	mu       sync.Mutex
	next     uint64
	handlers []entry[H]
}

type entry[H any] struct {
	id uint64
	fn H
}

func (r *registry[H]) add(fn H) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	hs := make([]entry[H], len(r.handlers), len(r.handlers)+1)
	copy(hs, r.handlers)
	r.handlers = append(hs, entry[H]{id: id, fn: fn})

	var once sync.Once
	return func() { once.Do(func() { r.remove(id) }) }
}

func (r *registry[H]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hs := make([]entry[H], 0, len(r.handlers))
	for _, e := range r.handlers {
		if e.id != id {
			hs = append(hs, e)
		}
	}
	r.handlers = hs
}

func (r *registry[H]) snapshot() []entry[H] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers
}

func (r *registry[H]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// notifier fans events out to subscribers synchronously, in registration order.
type notifier struct {
	log       *zap.Logger
	linkState registry[LinkStateHandler]
	timeValid registry[TimeValidHandler]
	errs      registry[ErrorHandler]
}

func (n *notifier) emitLinkState(raw int) {
	for _, e := range n.linkState.snapshot() {
		n.call("link", func() { e.fn(raw) })
	}
}

func (n *notifier) emitTimeValid(valid bool) {
	for _, e := range n.timeValid.snapshot() {
		n.call("time-valid", func() { e.fn(valid) })
	}
}

func (n *notifier) emitError(code int) {
	for _, e := range n.errs.snapshot() {
		n.call("error", func() { e.fn(code) })
	}
}

// call runs one handler; a panicking handler must not take the poll loop down.
func (n *notifier) call(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("event handler panicked", zap.String("event", kind), zap.Any("panic", r))
		}
	}()
	fn()
}
