// Package clock abstracts wall-clock time so bounded waits can be driven
// deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by the engine, position managers and
// backtest.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now().UTC() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for d on c, returning ctx.Err() if ctx finishes first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// Fake is a Clock whose After advances the current time by d and fires
// immediately. Waits therefore cost no wall time while elapsed time is
// still accounted for.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	now := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
