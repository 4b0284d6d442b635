package timer

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Inactivity fires fn once after d has elapsed since the last Reset.
// Every Reset cancels the pending fire; a fire that raced a Reset is
// recognised by its generation and dropped.
type Inactivity struct {
	clock clock.WithDelayedExecution
	d     time.Duration
	fn    func()

	mu    sync.Mutex
	gen   uint64
	timer clock.Timer
}

func NewInactivity(clk clock.WithDelayedExecution, d time.Duration, fn func()) *Inactivity {
	return &Inactivity{clock: clk, d: d, fn: fn}
}

// Reset (re)arms the timer.
func (i *Inactivity) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopLocked()
	i.gen++
	gen := i.gen
	// Fake clocks run AfterFunc callbacks under their own lock.
	i.timer = i.clock.AfterFunc(i.d, func() { go i.fire(gen) })
}

// Stop disarms the timer.
func (i *Inactivity) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopLocked()
	i.gen++
}

func (i *Inactivity) armed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.timer != nil
}

func (i *Inactivity) stopLocked() {
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

func (i *Inactivity) fire(gen uint64) {
	i.mu.Lock()
	if gen != i.gen {
		i.mu.Unlock()
		return
	}
	i.timer = nil
	i.mu.Unlock()
	i.fn()
}

// Personal.AI order the ending
