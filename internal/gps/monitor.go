package gps

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Default poll intervals. The device costs about a second per query, so
// once state is stable the monitor backs off to the long interval.
const (
	DefaultLongInterval  = time.Hour
	DefaultShortInterval = 2 * time.Minute
	DefaultPollSlice     = 500 * time.Millisecond
)

// Config holds the monitor's tunables.
type Config struct {
	// LongInterval is the delay after a good fix and while guiding.
	LongInterval time.Duration
	// ShortInterval is the retry delay while not linked or time is invalid.
	ShortInterval time.Duration
	// PollSlice bounds how long a stop request or disconnect goes unnoticed.
	PollSlice time.Duration
	Logger    *zap.Logger
}

// Monitor watches the GPS link of a mount and notifies subscribers on edges.
//
// A single background goroutine owns the device and writes the status fields;
// accessors may be called from any goroutine. Event handlers run on that
// goroutine and must not block, and must not call Start or Stop.
type Monitor struct {
	cfg    Config
	device Device
	mount  Mount
	log    *zap.Logger
	events notifier

	lifeMu sync.Mutex // serializes Start/Stop
	cur    atomic.Pointer[task]
	next   *Config // pending intervals, applied by Start

	linked          atomic.Bool
	timeValid       atomic.Bool
	present         atomic.Bool
	lastLinkedAt    atomic.Int64 // unix nanos, 0 = never
	lastValidTimeAt atomic.Int64
}

type task struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (t *task) signal() { t.stopOnce.Do(func() { close(t.stop) }) }

func (t *task) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// New creates a stopped monitor.
func New(cfg Config, device Device, mount Mount) (*Monitor, error) {
	if device == nil {
		return nil, errors.New("gps: device required")
	}
	if mount == nil {
		return nil, errors.New("gps: mount required")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	log := cfg.Logger.Named("gps")
	return &Monitor{
		cfg:    cfg,
		device: device,
		mount:  mount,
		log:    log,
		events: notifier{log: log},
	}, nil
}

func (c Config) withDefaults() (Config, error) {
	if c.LongInterval < 0 || c.ShortInterval < 0 || c.PollSlice < 0 {
		return c, errors.New("gps: intervals must be >= 0")
	}
	if c.LongInterval == 0 {
		c.LongInterval = DefaultLongInterval
	}
	if c.ShortInterval == 0 {
		c.ShortInterval = DefaultShortInterval
	}
	if c.PollSlice == 0 {
		c.PollSlice = DefaultPollSlice
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c, nil
}

// SetIntervals replaces the poll intervals. A running task keeps its
// intervals; the new ones apply from the next Start. Zero selects the default.
func (m *Monitor) SetIntervals(long, short, slice time.Duration) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	next, err := Config{LongInterval: long, ShortInterval: short, PollSlice: slice, Logger: m.cfg.Logger}.withDefaults()
	if err != nil {
		return err
	}
	m.next = &next
	return nil
}

// Start stops any running monitor task, resets the status and spawns a new
// task. It reports whether the task is alive once it has been scheduled.
// Cancelling ctx terminates the task like Stop, without blocking the caller.
func (m *Monitor) Start(ctx context.Context) bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.stopLocked()
	m.reset()
	if m.next != nil {
		m.cfg, m.next = *m.next, nil
	}

	t := &task{stop: make(chan struct{}), done: make(chan struct{})}
	m.cur.Store(t)

	started := make(chan struct{})
	go m.run(ctx, t, started)
	<-started

	alive := t.alive()
	m.log.Info("monitor started",
		zap.Bool("alive", alive),
		zap.Duration("long", m.cfg.LongInterval),
		zap.Duration("short", m.cfg.ShortInterval))
	return alive
}

// Stop signals the running task and blocks until it has exited.
// It returns immediately when nothing is running. Stop always succeeds.
func (m *Monitor) Stop() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	m.stopLocked()
	return true
}

func (m *Monitor) stopLocked() {
	t := m.cur.Load()
	if t == nil {
		return
	}
	wasAlive := t.alive()
	t.signal()
	<-t.done
	m.cur.Store(nil)
	if wasAlive {
		m.log.Info("monitor stopped")
	}
}

// IsRunning reports whether a monitor task is currently alive.
func (m *Monitor) IsRunning() bool {
	t := m.cur.Load()
	return t != nil && t.alive()
}

// Done returns a channel closed when the current task exits, or nil when
// no task has been started since the last Stop.
func (m *Monitor) Done() <-chan struct{} {
	if t := m.cur.Load(); t != nil {
		return t.done
	}
	return nil
}

func (m *Monitor) IsLinked() bool    { return m.linked.Load() }
func (m *Monitor) IsTimeValid() bool { return m.timeValid.Load() }
func (m *Monitor) IsPresent() bool   { return m.present.Load() }

// LastLinkedAt is the time of the most recent linked sample, zero if none.
func (m *Monitor) LastLinkedAt() time.Time { return fromNanos(m.lastLinkedAt.Load()) }

// LastValidTimeAt is the time of the most recent valid-time sample, zero if none.
func (m *Monitor) LastValidTimeAt() time.Time { return fromNanos(m.lastValidTimeAt.Load()) }

// Status returns a snapshot of every status field. Fields are read
// individually; the snapshot is not atomic across fields.
func (m *Monitor) Status() Status {
	return Status{
		Running:         m.IsRunning(),
		Linked:          m.IsLinked(),
		TimeValid:       m.IsTimeValid(),
		Present:         m.IsPresent(),
		LastLinkedAt:    m.LastLinkedAt(),
		LastValidTimeAt: m.LastValidTimeAt(),
	}
}

// OnLinkState registers h for link-state changes and returns its unsubscribe func.
func (m *Monitor) OnLinkState(h LinkStateHandler) func() { return m.events.linkState.add(h) }

// OnTimeValid registers h for time-validity changes and returns its unsubscribe func.
func (m *Monitor) OnTimeValid(h TimeValidHandler) func() { return m.events.timeValid.add(h) }

// OnError registers h for fatal device errors and returns its unsubscribe func.
func (m *Monitor) OnError(h ErrorHandler) func() { return m.events.errs.add(h) }

func (m *Monitor) reset() {
	m.linked.Store(false)
	m.timeValid.Store(false)
	m.present.Store(false)
	m.lastLinkedAt.Store(0)
	m.lastValidTimeAt.Store(0)
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
