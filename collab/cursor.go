package collab

import (
	"sync"
	"time"
)

// cursorCoalescer rate-limits cursor broadcasts: the first move in a
// window emits immediately (leading edge), later moves overwrite a
// pending position that flushes when the window closes (trailing
// edge). Only the newest position ever goes out.
type cursorCoalescer struct {
	window time.Duration
	emit   func(x, y float64)

	mu      sync.Mutex
	last    time.Time
	pending *[2]float64
	timer   *time.Timer
	stopped bool
}

func newCursorCoalescer(window time.Duration, emit func(x, y float64)) *cursorCoalescer {
	return &cursorCoalescer{window: window, emit: emit}
}

func (c *cursorCoalescer) update(x, y float64) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	if c.timer == nil && now.Sub(c.last) >= c.window {
		c.last = now
		c.mu.Unlock()
		c.emit(x, y)
		return
	}
	c.pending = &[2]float64{x, y}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window-now.Sub(c.last), c.flush)
	}
	c.mu.Unlock()
}

func (c *cursorCoalescer) flush() {
	c.mu.Lock()
	c.timer = nil
	p := c.pending
	c.pending = nil
	if p == nil || c.stopped {
		c.mu.Unlock()
		return
	}
	c.last = time.Now()
	c.mu.Unlock()
	c.emit(p[0], p[1])
}

func (c *cursorCoalescer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = nil
}
