package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt int64 // unix nano, 0 = no expiry
}

func (e memEntry) expired(now int64) bool {
	return e.expiresAt != 0 && now >= e.expiresAt
}

// Memory is an in-process Store for single-instance deployments and tests.
// Expired entries are dropped lazily on read and swept opportunistically on
// write once the map grows past a threshold.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	// nowFn is swappable in tests to exercise expiry without sleeping.
	nowFn func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry, 64),
		nowFn:   time.Now,
	}
}

const sweepThreshold = 4096

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(m.nowFn().UnixNano()) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) GetDel(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	delete(m.entries, key)
	if e.expired(m.nowFn().UnixNano()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	m.entries[key] = memEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn().UnixNano()
	var n int64
	if e, ok := m.entries[key]; ok && !e.expired(now) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	m.entries[key] = memEntry{value: strconv.FormatInt(n, 10), expiresAt: m.expiry(ttl)}
	return n, nil
}

func (m *Memory) GetInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := m.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return m.nowFn().Add(ttl).UnixNano()
}

func (m *Memory) sweepLocked() {
	if len(m.entries) < sweepThreshold {
		return
	}
	now := m.nowFn().UnixNano()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}
