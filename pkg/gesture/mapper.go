// Package gesture maps discrete gesture events from a hand-tracking layer
// onto the transient gesture flags of the local profile.
package gesture

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/baderanaas/firestbreak/pkg/profile"
)

var logger = logging.Logger("firestbreak/gesture")

// DefaultDuration is how long an asserted flag stays set.
const DefaultDuration = 5 * time.Second

// Event is a gesture being asserted or cleared.
type Event struct {
	Kind     profile.GestureKind `json:"kind"`
	Asserted bool                `json:"asserted"`
}

// Setter applies a flag to the local profile. session.Manager implements
// it and broadcasts on every change.
type Setter interface {
	SetGesture(kind profile.GestureKind, on bool) error
}

// Mapper turns gesture events into flag changes. An asserted flag is
// cleared automatically after the configured duration; asserting it again
// restarts the countdown.
type Mapper struct {
	target   Setter
	clock    clock.Clock
	duration time.Duration

	mu     sync.Mutex
	timers map[profile.GestureKind]*countdown
	closed bool
}

type countdown struct {
	timer *clock.Timer
}

type Option func(*Mapper)

func WithClock(c clock.Clock) Option {
	return func(m *Mapper) { m.clock = c }
}

func NewMapper(target Setter, duration time.Duration, opts ...Option) *Mapper {
	if duration <= 0 {
		duration = DefaultDuration
	}
	m := &Mapper{
		target:   target,
		clock:    clock.New(),
		duration: duration,
		timers:   make(map[profile.GestureKind]*countdown),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle applies one event.
func (m *Mapper) Handle(ev Event) error {
	if _, err := profile.ParseGesture(string(ev.Kind)); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if c, ok := m.timers[ev.Kind]; ok {
		c.timer.Stop()
		delete(m.timers, ev.Kind)
	}
	if ev.Asserted {
		kind, c := ev.Kind, &countdown{}
		m.timers[kind] = c
		c.timer = m.clock.AfterFunc(m.duration, func() { m.expire(kind, c) })
	}
	m.mu.Unlock()

	return m.target.SetGesture(ev.Kind, ev.Asserted)
}

func (m *Mapper) expire(kind profile.GestureKind, c *countdown) {
	m.mu.Lock()
	if m.timers[kind] != c {
		// superseded by a newer assertion or an explicit clear
		m.mu.Unlock()
		return
	}
	delete(m.timers, kind)
	m.mu.Unlock()

	if err := m.target.SetGesture(kind, false); err != nil {
		logger.Warnf("auto-clear %s: %v", kind, err)
	}
}

// Active reports whether kind has a running countdown.
func (m *Mapper) Active(kind profile.GestureKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[kind]
	return ok
}

// Run handles events until ctx is done or events is closed.
func (m *Mapper) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.Handle(ev); err != nil {
				logger.Warnf("gesture %s: %v", ev.Kind, err)
			}
		}
	}
}

// Stop cancels every pending auto-clear. Flags already set stay set.
func (m *Mapper) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for k, c := range m.timers {
		c.timer.Stop()
		delete(m.timers, k)
	}
}
