package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memoryList struct {
	values    []string
	expiresAt time.Time
}

// InMemory implements Store using local memory. It is intended for tests
// and single-process deployments; keys expire lazily on access.
type InMemory struct {
	mu    sync.Mutex
	keys  map[string]memoryEntry
	lists map[string]*memoryList
	now   func() time.Time
}

// NewInMemory returns a new in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		keys:  make(map[string]memoryEntry),
		lists: make(map[string]*memoryList),
		now:   time.Now,
	}
}

func (m *InMemory) expired(at time.Time) bool {
	return !at.IsZero() && m.now().After(at)
}

// SetNX implements Store.SetNX.
func (m *InMemory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.keys[key]; ok && !m.expired(e.expiresAt) {
		return false, nil
	}
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.keys[key] = e
	return true, nil
}

// Del implements Store.Del.
func (m *InMemory) Del(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok {
		return false, nil
	}
	delete(m.keys, key)
	return !m.expired(e.expiresAt), nil
}

// LPush implements Store.LPush.
func (m *InMemory) LPush(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || m.expired(l.expiresAt) {
		l = &memoryList{}
		m.lists[key] = l
	}
	l.values = append([]string{value}, l.values...)
	return nil
}

// Expire implements Store.Expire.
func (m *InMemory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.keys[key]; ok && !m.expired(e.expiresAt) {
		e.expiresAt = m.now().Add(ttl)
		m.keys[key] = e
	}
	if l, ok := m.lists[key]; ok && !m.expired(l.expiresAt) {
		l.expiresAt = m.now().Add(ttl)
	}
	return nil
}

// Ping implements Store.Ping.
func (m *InMemory) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store.Close.
func (m *InMemory) Close() error {
	return nil
}

// List returns a copy of the list stored at key, for inspection in tests.
func (m *InMemory) List(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || m.expired(l.expiresAt) {
		return nil
	}
	return append([]string(nil), l.values...)
}
