package ident

import (
	"sync"
	"time"
)

// Clock issues strictly increasing ticks of the form
// (wall millis << 16) | logical. The logical half absorbs bursts within one
// millisecond and wall-clock regressions.
type Clock struct {
	mu       sync.Mutex
	lastWall int64
	logical  uint32
}

func NewClock() *Clock {
	return &Clock{}
}

// Tick returns the next tick. Never returns the same value twice.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := time.Now().UnixMilli()
	if wall > c.lastWall {
		c.lastWall = wall
		c.logical = 0
	} else {
		c.logical++
		if c.logical > 0xFFFF {
			c.lastWall++
			c.logical = 0
		}
	}
	return (uint64(c.lastWall) << 16) | uint64(c.logical&0xFFFF)
}
