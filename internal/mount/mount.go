// Package mount exposes the mount signals the GPS monitor samples: whether
// the hand controller link is up and whether a guide pulse is in progress.
package mount

import (
	"sync"
	"sync/atomic"
	"time"
)

// Link reports whether the hand controller is reachable.
type Link interface {
	IsConnected() bool
}

// Mount is safe for concurrent use.
type Mount struct {
	link    Link
	guiding atomic.Bool

	mu    sync.Mutex
	until time.Time
	timer *time.Timer
	gen   uint64 // bumped whenever a pulse timer is armed or cancelled
}

func New(link Link) *Mount {
	return &Mount{link: link}
}

func (m *Mount) IsConnected() bool { return m.link != nil && m.link.IsConnected() }

func (m *Mount) IsGuiding() bool { return m.guiding.Load() }

// SetGuiding raises or clears the guiding flag and cancels any pending pulse.
func (m *Mount) SetGuiding(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.guiding.Store(on)
}

// GuideFor raises the guiding flag for d. Overlapping pulses extend the
// window to the latest end time.
func (m *Mount) GuideFor(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	end := time.Now().Add(d)
	if end.Before(m.until) {
		return
	}
	m.until = end
	m.guiding.Store(true)
	if m.timer != nil {
		m.timer.Reset(d)
		return
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { m.pulseDone(gen) })
}

// pulseDone runs on the timer goroutine. A callback that fired before its
// pulse was cancelled finds a newer generation and leaves the flag alone.
func (m *Mount) pulseDone(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if time.Now().Before(m.until) {
		// Extended while the timer was firing.
		m.timer.Reset(time.Until(m.until))
		return
	}
	m.timer = nil
	m.until = time.Time{}
	m.guiding.Store(false)
}

func (m *Mount) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	m.until = time.Time{}
}
