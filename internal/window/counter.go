// Package window implements a decaying sliding-window counter.
//
// The counter maintains a live sum over a trailing time window subdivided
// into granularity slots. Slots are evicted by scheduled expiry tasks rather
// than lazily on read, so the window keeps decaying even when updates stop
// arriving. The controller uses counters to expose trailing buy/sell volume
// flow without retaining individual trades.
package window

import (
	"sync"
	"time"

	"barstream/internal/sched"
)

// Config defines settings for a Counter.
type Config struct {
	// Window is the total trailing duration covered by the counter.
	Window time.Duration

	// Granularity is the span of one slot. Must divide the window into at
	// least two slots; five or more gives a reasonably smooth decay.
	Granularity time.Duration

	// Project extracts the numeric contribution from an update snapshot.
	Project func(snapshot any) float64
}

// slot accumulates contributions for one granularity span.
type slot struct {
	openedAt time.Time
	sum      float64
	expiry   sched.Task
}

// Counter maintains the decaying sum. All methods are safe for concurrent
// use; in production everything runs on the controller's single timeline and
// the mutex only guards against expiry tasks firing between drains.
type Counter struct {
	cfg   Config
	clock sched.Clock

	mu      sync.Mutex
	slots   []*slot
	filled  bool
	evicted float64   // sum of the most recently evicted slot
	evictAt time.Time // when that eviction fired
}

// NewCounter creates a counter with the given configuration. A nil Project
// treats snapshots as float64 values.
func NewCounter(cfg Config, clock sched.Clock) *Counter {
	if cfg.Project == nil {
		cfg.Project = func(snapshot any) float64 {
			v, _ := snapshot.(float64)
			return v
		}
	}
	return &Counter{cfg: cfg, clock: clock}
}

// OnUpdate folds a new input into the trailing window. Slot rotation and
// expiry run on the counter's clock.
func (c *Counter) OnUpdate(snapshot any) {
	value := c.cfg.Project(snapshot)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.currentLocked()
	if current == nil || now.Sub(current.openedAt) >= c.cfg.Granularity {
		current = c.openSlotLocked(now)
	}
	current.sum += value
}

// currentLocked returns the newest slot, or nil when none exist.
func (c *Counter) currentLocked() *slot {
	if len(c.slots) == 0 {
		return nil
	}
	return c.slots[len(c.slots)-1]
}

// openSlotLocked appends a fresh slot and schedules its one-shot expiry a
// full window after it opened. Expiry is independent of later updates, which
// is what guarantees decay under silence.
func (c *Counter) openSlotLocked(now time.Time) *slot {
	s := &slot{openedAt: now}
	s.expiry = c.clock.After(c.cfg.Window, func() { c.expire(s) })
	c.slots = append(c.slots, s)

	if !c.filled && len(c.slots) >= c.slotCount() {
		c.filled = true
	}
	return s
}

// slotCount is the number of slots spanning one full window.
func (c *Counter) slotCount() int {
	n := int(c.cfg.Window / c.cfg.Granularity)
	if n < 1 {
		n = 1
	}
	return n
}

// expire removes a slot once its window has fully elapsed and records its
// sum for eviction interpolation. Eviction alone does not mark the window
// filled: interpolation stays off until a full window's worth of slots has
// been populated, so a sparse counter decays to an exact zero.
func (c *Counter) expire(s *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, cand := range c.slots {
		if cand == s {
			c.slots = append(c.slots[:i], c.slots[i+1:]...)
			c.evicted = s.sum
			c.evictAt = c.clock.Now()
			return
		}
	}
}

// Value returns the live sum of all non-evicted slots. Once the window has
// been fully populated, the most recently evicted slot's estimated remaining
// contribution is added back with linear interpolation over one granularity
// span, which avoids a visible step-down at each eviction boundary.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sum float64
	for _, s := range c.slots {
		sum += s.sum
	}

	if !c.filled || c.evictAt.IsZero() {
		return sum
	}

	elapsed := c.clock.Now().Sub(c.evictAt)
	if elapsed >= c.cfg.Granularity {
		return sum
	}
	remaining := 1 - float64(elapsed)/float64(c.cfg.Granularity)
	return sum + c.evicted*remaining
}

// Clear discards all slots and cancels their pending expiries. Safe to call
// from any state, including a counter that never received an update.
func (c *Counter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.slots {
		if s.expiry != nil {
			s.expiry.Cancel()
		}
	}
	c.slots = nil
	c.filled = false
	c.evicted = 0
	c.evictAt = time.Time{}
}
