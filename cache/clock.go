package cache

import (
	"time"

	"go.uber.org/atomic"
)

// Clock is the source of recency timestamps.
// Now must return a positive value and must never go backwards.
// Zero is reserved for free blocks.
type Clock interface {
	Now() int64
}

// MilliClock returns wall clock milliseconds,
// clamped so that consecutive calls never decrease.
type MilliClock struct {
	last atomic.Int64
}

func (c *MilliClock) Now() int64 {
	now := time.Now().UnixMilli()
	for {
		last := c.last.Load()
		if now <= last {
			return last
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// CounterClock hands out 1, 2, 3, ...
// Use it where eviction order has to be deterministic.
type CounterClock struct {
	n atomic.Int64
}

func (c *CounterClock) Now() int64 {
	return c.n.Inc()
}
