// Package debounce coalesces bursts of notifications into one callback.
package debounce

import (
	"sync"
	"time"
)

// DefaultDelay is the quiet period used when none is configured.
const DefaultDelay = 300 * time.Millisecond

// Coalescer fires onQuiet once after a burst of Publish calls has been quiet for delay.
// A timer that was superseded by a later Publish, Stop or Flush never fires.
type Coalescer struct {
	delay   time.Duration
	onQuiet func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	stopped bool
}

// New creates a coalescer. delay <= 0 uses DefaultDelay.
func New(delay time.Duration, onQuiet func()) *Coalescer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Coalescer{delay: delay, onQuiet: onQuiet}
}

// Delay returns the quiet period.
func (c *Coalescer) Delay() time.Duration { return c.delay }

// Publish (re)starts the quiet timer.
func (c *Coalescer) Publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.pending = true
	c.timer = time.AfterFunc(c.delay, func() { c.fire(gen) })
}

func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.pending || c.stopped {
		c.mu.Unlock()
		return
	}
	c.pending = false
	c.timer = nil
	c.mu.Unlock()
	c.onQuiet()
}

// Pending reports whether a fire is scheduled.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Cancel drops a scheduled fire without firing. Later Publish calls still work.
func (c *Coalescer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

func (c *Coalescer) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.pending = false
}

// Stop cancels any scheduled fire and ignores later Publish calls.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.stopped = true
}

// Flush fires immediately if a fire is scheduled.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if !c.pending || c.stopped {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	c.mu.Unlock()
	c.onQuiet()
}
