package gps

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// session holds the per-task edge detection state. It is only touched by
// the task goroutine.
type session struct {
	m             *Monitor
	lastRaw       int
	lastTimeValid bool
	now           func() time.Time
}

func newSession(m *Monitor) *session {
	return &session{m: m, lastRaw: LinkUnknown, now: time.Now}
}

// run is the body of the monitor task.
func (m *Monitor) run(ctx context.Context, t *task, started chan<- struct{}) {
	defer close(t.done)

	if err := lowerPriority(); err != nil {
		m.log.Debug("could not lower task priority", zap.Error(err))
	}
	close(started)

	s := newSession(m)
	for {
		if !m.mount.IsConnected() {
			m.log.Info("mount not connected, monitor exiting")
			return
		}
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			m.log.Info("monitor cancelled", zap.Error(ctx.Err()))
			return
		default:
		}

		delay, ok := s.step()
		if !ok {
			return
		}
		if !m.sleep(ctx, t, delay) {
			return
		}
	}
}

// step performs one poll iteration. It returns the delay before the next
// iteration, or ok=false when the sample was fatal.
func (s *session) step() (delay time.Duration, ok bool) {
	m := s.m
	smp := s.sample()

	switch smp.Kind {
	case SampleGuidingPause:
		delay = m.cfg.LongInterval

	case SampleLinked:
		m.linked.Store(true)
		m.present.Store(true)
		m.lastLinkedAt.Store(s.now().UnixNano())

		valid := m.device.QueryTimeValid()
		m.timeValid.Store(valid)
		if valid != s.lastTimeValid {
			s.lastTimeValid = valid
			m.log.Info("time validity changed", zap.Bool("valid", valid))
			m.events.emitTimeValid(valid)
		}
		if valid {
			m.lastValidTimeAt.Store(s.now().UnixNano())
			delay = m.cfg.LongInterval
		} else {
			delay = m.cfg.ShortInterval
		}

	case SampleNotLinked:
		m.linked.Store(false)
		m.timeValid.Store(false)
		m.present.Store(true)
		delay = m.cfg.ShortInterval

	case SampleUnknown:
		// Undetermined before the first answer: keep probing.
		delay = m.cfg.ShortInterval

	case SampleFatal:
		m.linked.Store(false)
		m.timeValid.Store(false)
		m.present.Store(false)
		m.log.Error("gps device failed, monitor exiting", zap.Int("code", smp.Code()))
		m.events.emitError(smp.Code())
		return 0, false
	}

	m.log.Debug("poll", zap.Stringer("sample", smp.Kind), zap.Duration("next", delay))
	return delay, true
}

// sample derives this iteration's sample, querying the device unless the
// mount is guiding. Link-state events fire here, on change of the raw code.
func (s *session) sample() Sample {
	m := s.m
	if m.mount.IsGuiding() {
		return Sample{Kind: SampleGuidingPause, Raw: s.lastRaw}
	}

	raw := m.device.QueryLink()
	if raw != s.lastRaw {
		s.lastRaw = raw
		m.log.Info("link state changed", zap.Int("state", raw))
		m.events.emitLinkState(raw)
	}

	smp := classify(raw)
	if smp.Kind == SampleUnknown && m.present.Load() {
		// The device already answered once; losing it now is fatal.
		smp.Kind = SampleFatal
	}
	return smp
}

// sleep waits for d, waking every PollSlice to check the mount connection.
// It returns false when the task should exit.
func (m *Monitor) sleep(ctx context.Context, t *task, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	slice := time.NewTicker(m.cfg.PollSlice)
	defer slice.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case <-t.stop:
			return false
		case <-ctx.Done():
			m.log.Info("monitor cancelled", zap.Error(ctx.Err()))
			return false
		case <-slice.C:
			if !m.mount.IsConnected() {
				m.log.Info("mount disconnected, monitor exiting")
				return false
			}
		}
	}
}
