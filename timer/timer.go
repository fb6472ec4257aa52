// Package timer is a host-provided timer abstraction: a setTimeout-
// equivalent and a setInterval-equivalent through which every observer
// callback and every scheduling deferral in the core is dispatched, so
// that observer work can never reenter the code path notifying it.
package timer

import "time"

// Timer schedules deferred and periodic work. Implementations must treat
// the returned cancel func as idempotent and safe to call from any
// goroutine.
type Timer interface {
	// SetTimeout runs fn once after d elapses. The returned cancel func
	// stops fn from running if called before d elapses; it is a no-op
	// afterwards.
	SetTimeout(d time.Duration, fn func()) (cancel func())

	// SetInterval runs fn repeatedly every d until the returned cancel
	// func is called.
	SetInterval(d time.Duration, fn func()) (cancel func())
}

// Real is the production Timer, backed by time.AfterFunc and time.Ticker.
type Real struct{}

// NewReal returns a Timer backed by the real wall clock.
func NewReal() Timer {
	return Real{}
}

// SetTimeout implements Timer.
func (Real) SetTimeout(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// SetInterval implements Timer.
func (Real) SetInterval(d time.Duration, fn func()) (cancel func()) {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
