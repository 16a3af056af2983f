// Package clock abstracts the timer operations used by the dispatch engine
// so idle supervision and playback waits can be driven deterministically in
// tests.
package clock

import "time"

// Clock is the subset of the time package the bot depends on.
type Clock interface {
	Now() time.Time
	// After delivers the current time once d has elapsed. A non-positive d
	// fires immediately.
	After(d time.Duration) <-chan time.Time
	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C, which has capacity 1; ticks are dropped when
// the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
