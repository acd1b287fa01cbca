package common

import (
	"sync"
	"time"
)

// Clock returns the current time in milliseconds. Every timer of the
// consensus engine reads time through a Clock so that tests can drive it
// manually.
type Clock interface {
	Now() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	sync.Mutex
	now int64
}

// NewManualClock returns a ManualClock set to start.
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() int64 {
	c.Lock()
	defer c.Unlock()
	return c.now
}

// Advance moves the clock forward by ms milliseconds.
func (c *ManualClock) Advance(ms int64) {
	c.Lock()
	c.now += ms
	c.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t int64) {
	c.Lock()
	c.now = t
	c.Unlock()
}
