package timer

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Timer for deterministic tests: no goroutine
// ever fires on its own. Advance runs every pending callback whose deadline
// has elapsed, in deadline order, so suspension-point ordering (observer
// notifications occurring strictly after mapping completes) can be
// asserted without real sleeps or flaky timing.
type Fake struct {
	mu       sync.Mutex
	now      time.Duration
	pending  []*fakeEntry
	cancelled map[*fakeEntry]bool
}

type fakeEntry struct {
	deadline time.Duration
	interval time.Duration // zero for one-shot SetTimeout entries
	fn       func()
}

// NewFake returns a Fake Timer starting at a zero virtual clock.
func NewFake() *Fake {
	return &Fake{cancelled: make(map[*fakeEntry]bool)}
}

// SetTimeout implements Timer.
func (f *Fake) SetTimeout(d time.Duration, fn func()) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEntry{deadline: f.now + d, fn: fn}
	f.pending = append(f.pending, e)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled[e] = true
	}
}

// SetInterval implements Timer.
func (f *Fake) SetInterval(d time.Duration, fn func()) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEntry{deadline: f.now + d, interval: d, fn: fn}
	f.pending = append(f.pending, e)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled[e] = true
	}
}

// Advance moves the virtual clock forward by d, synchronously running every
// callback (in deadline order) whose deadline falls within the new window.
// Interval entries are rescheduled for their next deadline after firing.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now += d
	target := f.now
	due := make([]*fakeEntry, 0)
	remaining := f.pending[:0:0]
	for _, e := range f.pending {
		if f.cancelled[e] {
			continue
		}
		if e.deadline <= target {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	for _, e := range due {
		if e.interval > 0 && !f.cancelled[e] {
			e.deadline += e.interval
			remaining = append(remaining, e)
		}
	}
	f.pending = remaining
	f.mu.Unlock()

	for _, e := range due {
		if !f.cancelled[e] {
			e.fn()
		}
	}
}

// Pending reports how many callbacks are scheduled but not yet fired or
// cancelled. Useful for asserting a test drained everything it expected to.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.pending {
		if !f.cancelled[e] {
			n++
		}
	}
	return n
}
