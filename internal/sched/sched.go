// Package sched provides the single-threaded task scheduling abstraction used
// by every timer-driven component in the service.
//
// Window slot expiries, the trade-queue drain interval, and the debounced
// redraw flag all run through a Clock instead of raw time.AfterFunc calls.
// This keeps teardown honest (every pending task has a cancellable handle)
// and lets tests drive the timeline with a Manual clock instead of sleeping
// against the wall clock.
package sched

import (
	"sort"
	"sync"
	"time"
)

// Task is a handle to a scheduled callback.
type Task interface {
	// Cancel stops the task if it has not fired yet. Safe to call multiple
	// times and after the task has fired.
	Cancel()
}

// Clock schedules callbacks on a timeline.
type Clock interface {
	// Now returns the current time on this clock's timeline.
	Now() time.Time

	// After schedules fn to run once after d elapses.
	After(d time.Duration, fn func()) Task

	// Every schedules fn to run repeatedly with period d until cancelled.
	Every(d time.Duration, fn func()) Task
}

// Wall is a Clock backed by real time.
type Wall struct{}

// NewWall returns the wall-clock scheduler.
func NewWall() *Wall {
	return &Wall{}
}

// Now returns the current wall-clock time.
func (*Wall) Now() time.Time {
	return time.Now()
}

type wallTask struct {
	timer *time.Timer
}

func (t *wallTask) Cancel() {
	t.timer.Stop()
}

// After schedules fn once via time.AfterFunc.
func (*Wall) After(d time.Duration, fn func()) Task {
	return &wallTask{timer: time.AfterFunc(d, fn)}
}

type wallTicker struct {
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

func (t *wallTicker) Cancel() {
	t.once.Do(func() { close(t.stop) })
}

// Every schedules fn on a time.Ticker until the task is cancelled.
func (*Wall) Every(d time.Duration, fn func()) Task {
	t := &wallTicker{ticker: time.NewTicker(d), stop: make(chan struct{})}
	go func() {
		defer t.ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-t.ticker.C:
				fn()
			}
		}
	}()
	return t
}

// Manual is a Clock whose time only moves when a test calls Advance. Due
// tasks fire synchronously, in deadline order, on the advancing goroutine,
// which mirrors the production model of a single cooperative timeline.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int64
	tasks []*manualTask
}

type manualTask struct {
	clock    *Manual
	deadline time.Time
	period   time.Duration // zero for one-shot tasks
	seq      int64
	fn       func()
	done     bool
}

func (t *manualTask) Cancel() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.done = true
}

// NewManual returns a virtual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After schedules fn once at now+d on the virtual timeline.
func (m *Manual) After(d time.Duration, fn func()) Task {
	return m.add(d, 0, fn)
}

// Every schedules fn with period d on the virtual timeline.
func (m *Manual) Every(d time.Duration, fn func()) Task {
	return m.add(d, d, fn)
}

func (m *Manual) add(d, period time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{clock: m, deadline: m.now.Add(d), period: period, seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves virtual time forward by d, firing every due task in deadline
// order. A task scheduled by a firing callback fires too if it falls inside
// the advanced span.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next := m.nextDueLocked(target)
		if next == nil {
			break
		}
		m.now = next.deadline
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			next.done = true
		}
		fn := next.fn
		m.mu.Unlock()
		fn()
		m.mu.Lock()
	}
	m.now = target
	m.compactLocked()
	m.mu.Unlock()
}

// nextDueLocked returns the earliest live task due at or before target,
// breaking deadline ties by scheduling order.
func (m *Manual) nextDueLocked(target time.Time) *manualTask {
	var next *manualTask
	for _, t := range m.tasks {
		if t.done || t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (m *Manual) compactLocked() {
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.done {
			live = append(live, t)
		}
	}
	m.tasks = live
	sort.SliceStable(m.tasks, func(i, j int) bool {
		return m.tasks[i].deadline.Before(m.tasks[j].deadline)
	})
}

// Pending reports how many live tasks are scheduled. Used by teardown tests.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.done {
			n++
		}
	}
	return n
}
