// Package clock supplies the non-decreasing logical time threaded through every operation.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current logical time. Successive calls never decrease.
type Clock interface {
	Now() uint64
}

// Logical is a manually driven clock for tests and deterministic replay.
type Logical struct {
	mu  sync.Mutex
	now uint64
}

// NewLogical starts a logical clock at the given time.
func NewLogical(start uint64) *Logical { return &Logical{now: start} }

// Now returns the current value.
func (l *Logical) Now() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// Advance moves the clock forward by d and returns the new value.
func (l *Logical) Advance(d uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now += d
	return l.now
}

// Set moves the clock to t; values in the past are ignored.
func (l *Logical) Set(t uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t > l.now {
		l.now = t
	}
}

// Wall reports Unix seconds, clamped so it never goes backwards.
type Wall struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewWall constructs a wall clock backed by time.Now.
func NewWall() *Wall { return &Wall{now: time.Now} }

// Now returns max(previous, current Unix seconds).
func (w *Wall) Now() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	sec := w.now().Unix()
	if sec > 0 && uint64(sec) > w.last {
		w.last = uint64(sec)
	}
	return w.last
}
