// Package clock provides a virtualized notion of time for the merge-queue
// core, so that debounce- and timeout-driven behavior can be tested by
// advancing a fake clock instead of sleeping in wall-clock time.
package clock

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Timer is a cancellable, re-armable countdown. It is idempotent on
// Reset: calling Reset replaces any pending fire with a new one.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// Clock abstracts time-telling and timer creation.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// New returns a Clock backed by the real wall clock.
func New() Clock {
	return &realClock{c: clock.New()}
}

// NewMock returns a Clock whose time only advances when the test tells it
// to, via the returned *clock.Mock's Add/Set methods.
func NewMock() (Clock, *clock.Mock) {
	m := clock.NewMock()
	return &realClock{c: m}, m
}

type realClock struct {
	c clock.Clock
}

func (r *realClock) Now() time.Time                       { return r.c.Now() }
func (r *realClock) After(d time.Duration) <-chan time.Time { return r.c.After(d) }

func (r *realClock) NewTimer(d time.Duration) Timer {
	return &timer{t: r.c.Timer(d)}
}

type timer struct {
	t *clock.Timer
}

func (t *timer) C() <-chan time.Time { return t.t.C }

func (t *timer) Reset(d time.Duration) bool {
	t.t.Stop()
	return t.t.Reset(d)
}

func (t *timer) Stop() bool { return t.t.Stop() }
