// Package clock provides the per-session tick loops that drive countdown
// broadcasts. Each active session owns one Ticker goroutine, so a slow tick
// callback in one session never delays another session's ticks.
package clock

import (
	"sync"
	"time"
)

// Ticker invokes a callback at a fixed interval until the callback reports
// it is done or Stop is called.
type Ticker struct {
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTicker creates a ticker with the given interval. It does nothing until
// Start is called.
func NewTicker(interval time.Duration) *Ticker {
	return &Ticker{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the tick goroutine. tick runs once per interval and
// returns false to stop the loop (typically when the countdown expires or
// the session leaves the active state). Start must be called at most once.
func (t *Ticker) Start(tick func() bool) {
	go func() {
		defer close(t.done)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if !tick() {
					return
				}
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop terminates the tick loop. Safe to call multiple times and safe to
// call from within the tick callback's session lock: it only signals, never
// waits.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed once the tick goroutine has exited.
func (t *Ticker) Done() <-chan struct{} {
	return t.done
}
