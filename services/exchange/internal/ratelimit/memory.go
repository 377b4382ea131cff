package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	reset time.Time
}

// Memory is a fixed-window limiter local to one process.
type Memory struct {
	mu        sync.Mutex
	limit     int
	span      time.Duration
	windows   map[string]*window
	lastSweep time.Time
}

func NewMemory(limit int, span time.Duration) *Memory {
	return &Memory{
		limit:   limit,
		span:    span,
		windows: map[string]*window{},
	}
}

func (m *Memory) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= m.span {
		for k, w := range m.windows {
			if now.After(w.reset) {
				delete(m.windows, k)
			}
		}
		m.lastSweep = now
	}

	w, ok := m.windows[key]
	if !ok || now.After(w.reset) {
		m.windows[key] = &window{count: 1, reset: now.Add(m.span)}
		return true, 0, nil
	}
	if w.count >= m.limit {
		return false, max(w.reset.Sub(now), 0), nil
	}
	w.count++
	return true, 0, nil
}
