package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a manually-advanced Clock for deterministic tests. Time
// only moves when Advance or Set is called; After and NewTimer fire
// exactly when the virtual clock crosses their deadline.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*virtualWaiter
}

type virtualWaiter struct {
	deadline time.Time
	ch       chan time.Time
	fired    bool
	stopped  bool
}

// NewVirtual creates a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now implements Clock.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// After implements Clock. The returned channel fires the next time
// Advance or Set moves the clock to or past now+d.
func (v *Virtual) After(d time.Duration) <-chan time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := &virtualWaiter{deadline: v.now.Add(d), ch: make(chan time.Time, 1)}
	v.waiters = append(v.waiters, w)
	v.fireLocked()
	return w.ch
}

// NewTimer implements Clock, returning a cancellable/resettable virtual timer.
func (v *Virtual) NewTimer(d time.Duration) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := &virtualWaiter{deadline: v.now.Add(d), ch: make(chan time.Time, 1)}
	v.waiters = append(v.waiters, w)
	v.fireLocked()
	return &virtualTimer{v: v, w: w}
}

// Advance moves the clock forward by d, firing any waiters whose
// deadline has now passed, in deadline order.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = v.now.Add(d)
	v.fireLocked()
}

// Set moves the clock to an absolute time, firing any waiters whose
// deadline has now passed.
func (v *Virtual) Set(t time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = t
	v.fireLocked()
}

// fireLocked must be called with mu held. It fires, in deadline order,
// every still-pending waiter whose deadline is <= now.
func (v *Virtual) fireLocked() {
	sort.Slice(v.waiters, func(i, j int) bool {
		return v.waiters[i].deadline.Before(v.waiters[j].deadline)
	})
	remaining := v.waiters[:0]
	for _, w := range v.waiters {
		if w.stopped {
			continue
		}
		if !w.fired && !w.deadline.After(v.now) {
			w.fired = true
			w.ch <- v.now
			continue
		}
		remaining = append(remaining, w)
	}
	v.waiters = remaining
}

type virtualTimer struct {
	v *Virtual
	w *virtualWaiter
}

func (t *virtualTimer) C() <-chan time.Time { return t.w.ch }

func (t *virtualTimer) Stop() bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	already := t.w.fired || t.w.stopped
	t.w.stopped = true
	return !already
}

func (t *virtualTimer) Reset(d time.Duration) bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	active := !t.w.fired && !t.w.stopped
	t.w.fired = false
	t.w.stopped = false
	t.w.deadline = t.v.now.Add(d)
	t.v.waiters = append(t.v.waiters, t.w)
	t.v.fireLocked()
	return active
}
