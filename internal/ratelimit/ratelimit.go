// Package ratelimit enforces per-sender message quotas with a fixed window:
// at most Limit sends per Window, counted from the first send after the
// previous window expired.
//
// Memory keeps counters in sharded maps guarded by per-shard locks and evicts
// expired counters opportunistically. Redis keeps one counter key per sender
// so several processes share a quota, and falls back to a Memory limiter
// whenever Redis cannot be reached.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before the window
// resets, relative to now. Never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Limiter checks and counts one send for key atomically.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

const (
	shardCount   = 32
	sweepEveryN  = 1024
	defaultLimit = 20
)

type counter struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
	calls    int
}

// Memory is a process-local fixed-window limiter. Safe for concurrent use.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time
	shards [shardCount]shard
}

// NewMemory returns a limiter allowing limit sends per window per key.
// limit <= 0 falls back to 20 and window <= 0 to one minute.
func NewMemory(limit int, window time.Duration) *Memory {
	if limit <= 0 {
		limit = defaultLimit
	}
	if window <= 0 {
		window = time.Minute
	}
	m := &Memory{limit: limit, window: window, now: time.Now}
	for i := range m.shards {
		m.shards[i].counters = make(map[string]*counter)
	}
	return m
}

// SetClock replaces the time source. Intended for tests.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

// Allow never returns an error; the signature matches Limiter.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	s := m.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls >= sweepEveryN {
		for k, c := range s.counters {
			if !now.Before(c.resetAt) {
				delete(s.counters, k)
			}
		}
		s.calls = 0
	}

	c, ok := s.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(m.window)}
		s.counters[key] = c
	}
	if c.count >= m.limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: c.resetAt}, nil
	}
	c.count++
	return Decision{Allowed: true, Remaining: m.limit - c.count, ResetAt: c.resetAt}, nil
}
