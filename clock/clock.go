// Package clock provides the time source used by the registry, buffer and render
// scheduler. Production code uses SystemClock; tests drive a Manual clock so debounce
// and duration behaviour can be checked without real waits.
package clock

import (
	"sync"
	"time"

	opclock "github.com/ethereum-optimism/optimism/op-service/clock"
)

// Timer is a one-shot timer that can be cancelled
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer already
	// fired or was stopped.
	Stop() bool
}

// Clock is the subset of time functionality the reporter depends on
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct {
	clk opclock.Clock
}

// SystemClock is backed by the op-service system clock
var SystemClock Clock = systemClock{clk: opclock.SystemClock}

func (s systemClock) Now() time.Time {
	return s.clk.Now()
}

func (s systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return s.clk.AfterFunc(d, f)
}

// Manual is a deterministic clock. Time only moves when Advance or Set is called, and
// due timers fire synchronously on the goroutine that advanced the clock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	clock *Manual
	due   time.Time
	seq   uint64
	f     func()
	done  bool
}

// NewManual creates a Manual clock starting at now
func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{clock: m, due: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due in due
// order. Timers armed by a firing callback fire too if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.advanceTo(target)
}

// Set moves the clock to t, firing due timers. Moving backwards only changes Now.
func (m *Manual) Set(t time.Time) {
	m.advanceTo(t)
}

// Pending returns the number of armed timers that have not fired or been stopped
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (m *Manual) advanceTo(target time.Time) {
	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.compact()
			m.mu.Unlock()
			return
		}
		if next.due.After(m.now) {
			m.now = next.due
		}
		next.done = true
		f := next.f
		m.mu.Unlock()
		f()
	}
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range m.timers {
		if t.done || t.due.After(target) {
			continue
		}
		if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	m.timers = live
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
