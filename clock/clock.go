package clock

import (
	"github.com/sasha-s/go-deadlock"
)

// Clock is the kernel's coarse notion of time, a counter advanced by the
// timer interrupt. Buffers are stamped with the current tick count so the
// cache can tell which of them was released least recently.
type Clock struct {
	mu    deadlock.Mutex
	ticks uint64
}

func New() *Clock {
	return &Clock{}
}

// Tick advances the clock by one. Called once per timer interrupt.
func (c *Clock) Tick() {
	c.mu.Lock()
	c.ticks++
	c.mu.Unlock()
}

// Ticks returns the current tick count.
func (c *Clock) Ticks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}
