// Package memory keeps a bounded, most-recent-last history of loop
// transitions.
package memory

import "sync"

type Memory struct {
	entries  []string
	capacity int
	mu       sync.RWMutex
}

func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		entries:  make([]string, 0, capacity),
		capacity: capacity,
	}
}

// Store appends an entry, evicting the oldest one when full.
func (m *Memory) Store(entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == m.capacity {
		copy(m.entries, m.entries[1:])
		m.entries = m.entries[:len(m.entries)-1]
	}
	m.entries = append(m.entries, entry)
}

// Recent returns a copy of up to n newest entries, oldest first.
// n <= 0 returns everything held.
func (m *Memory) Recent(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if n > 0 && n < len(m.entries) {
		start = len(m.entries) - n
	}
	out := make([]string, len(m.entries)-start)
	copy(out, m.entries[start:])
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = m.entries[:0]
}
