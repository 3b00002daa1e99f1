// Package gametest provides in-memory doubles for driving game sessions in tests.
package gametest

import (
	"sync"
	"time"

	"github.com/victornm/slangquiz/internal/game"
)

// Scheduler is a manually advanced game.Scheduler.
type Scheduler struct {
	// IgnoreStop makes Stop lose the race against firing: it reports false and
	// the timer still runs when due.
	IgnoreStop bool

	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

type timer struct {
	s       *Scheduler
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.fired || t.stopped || t.s.IgnoreStop {
		return false
	}

	t.stopped = true
	return true
}

func NewScheduler() *Scheduler {
	return &Scheduler{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) game.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &timer{s: s, at: s.now.Add(d), seq: s.seq, f: f}
	s.timers = append(s.timers, t)

	return t
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.now
}

// Advance moves the clock forward by d, running every timer that falls due in
// order. Callbacks run without the scheduler lock and may schedule new timers.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}

		s.now = next.at
		next.fired = true
		s.mu.Unlock()

		next.f()
	}
}

func (s *Scheduler) nextLocked(target time.Time) *timer {
	var next *timer
	for _, t := range s.timers {
		if t.fired || t.stopped || t.at.After(target) {
			continue
		}

		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}

	return next
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}

	return n
}
