// ABOUTME: Process-local in-memory implementation of the KV interface
// ABOUTME: Last-resort store tier with per-access eviction and a background sweep

package kvstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Memory is a process-local KV tier. It is not shared across processes, so
// horizontally scaled deployments get one uncoordinated copy each; callers
// accept that when they fall back to it. Expired entries are evicted on
// access and by a background sweep so memory growth stays bounded.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	done    chan struct{}
	closed  bool
}

// NewMemory creates an in-memory KV store. A background goroutine
// periodically removes expired entries; Close stops it.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Get returns the value for key. Expired entries are removed and reported
// as absent.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(time.Now()) {
		m.mu.Lock()
		// Re-check under the write lock; another goroutine may have replaced it
		if cur, ok := m.entries[key]; ok && !cur.expiresAt.IsZero() && !cur.expiresAt.After(time.Now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

// Put stores value under key. A zero TTL means no expiry.
func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl != 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// sweep runs in a background goroutine, periodically removing expired entries.
func (m *Memory) sweep() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runSweep()
		case <-m.done:
			return
		}
	}
}

func (m *Memory) runSweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if !entry.expiresAt.IsZero() && !entry.expiresAt.After(now) {
			delete(m.entries, key)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}
