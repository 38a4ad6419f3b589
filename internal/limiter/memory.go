package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type key struct{ identity, ip string }

type entry struct {
	fails        *rate.Limiter
	blockedUntil time.Time
}

// Memory is an in-process limiter: each (identity, ip) pair may fail maxFails
// times per window (token bucket refilled continuously); exceeding that blocks
// the pair for blockFor.
type Memory struct {
	mu       sync.Mutex
	entries  map[key]*entry
	every    rate.Limit
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	if maxFails <= 0 {
		maxFails = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Memory{
		entries:  make(map[key]*entry),
		every:    rate.Every(window / time.Duration(maxFails)),
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

// Allow reports whether the pair is currently unblocked.
func (m *Memory) Allow(_ context.Context, identity, ipHash string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key{identity, ipHash}]
	if !ok {
		return true, 0, nil
	}
	now := m.now()
	if e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets the pair.
func (m *Memory) Success(_ context.Context, identity, ipHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key{identity, ipHash})
	return nil
}

// Failure spends one failure token; when none are left the pair is blocked.
func (m *Memory) Failure(_ context.Context, identity, ipHash string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{identity, ipHash}
	e, ok := m.entries[k]
	if !ok {
		// burst-1: the attempt that drains the bucket is the last one tolerated
		e = &entry{fails: rate.NewLimiter(m.every, m.maxFails-1)}
		m.entries[k] = e
	}
	now := m.now()
	if e.fails.AllowN(now, 1) {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(m.blockFor)
	return true, m.blockFor, nil
}
