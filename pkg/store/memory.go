package store

import "sync"

// MemoryBackend is an in-process Backend with a byte quota, the same shape
// as a browser local store. A zero quota means unlimited.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]string
	size  int64
	quota int64
}

// NewMemoryBackend creates a MemoryBackend limited to quota bytes of keys and values.
func NewMemoryBackend(quota int64) *MemoryBackend {
	return &MemoryBackend{items: make(map[string]string), quota: quota}
}

func (m *MemoryBackend) GetItem(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryBackend) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.size + int64(len(key)+len(value))
	if old, ok := m.items[key]; ok {
		next -= int64(len(key) + len(old))
	}
	if m.quota > 0 && next > m.quota {
		return ErrQuotaExceeded
	}
	m.items[key] = value
	m.size = next
	return nil
}

func (m *MemoryBackend) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.items[key]; ok {
		m.size -= int64(len(key) + len(old))
		delete(m.items, key)
	}
	return nil
}

// Len returns the number of stored items.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Size returns the stored bytes counted against the quota.
func (m *MemoryBackend) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}
