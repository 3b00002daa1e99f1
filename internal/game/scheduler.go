package game

import "time"

// Timer is a scheduled continuation. Stop is best effort: a timer that has
// already fired or is firing may still run, so continuations guard themselves.
type Timer interface {
	Stop() bool
}

// Scheduler runs functions after a delay. Sessions use it for round timeouts
// and grace delays.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Clock is the wall-clock Scheduler backed by time.AfterFunc.
type Clock struct{}

func (Clock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (Clock) Now() time.Time {
	return time.Now()
}
