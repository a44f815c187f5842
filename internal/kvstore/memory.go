package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by unit tests so the dispatch
// pipeline's logic can be exercised without a live Redis instance. It
// implements the same atomicity guarantees as the Lua script in script.go
// by holding a single mutex across the whole check-and-track operation.
type MemoryStore struct {
	mu      sync.Mutex
	kv      map[string]string
	nums    map[string]float64
	zsets   map[string]map[string]float64
	ready   bool
}

// NewMemory creates a ready in-memory Store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		kv:    make(map[string]string),
		nums:  make(map[string]float64),
		zsets: make(map[string]map[string]float64),
		ready: true,
	}
}

// SetReady toggles the simulated health state, for fail-open tests.
func (m *MemoryStore) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

func (m *MemoryStore) Ready(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *MemoryStore) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nums[key] += delta
	return m.nums[key], nil
}

func (m *MemoryStore) MExists(ctx context.Context, keys ...string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]bool, len(keys))
	for _, k := range keys {
		_, inKV := m.kv[k]
		_, inNum := m.nums[k]
		result[k] = inKV || inNum
	}
	return result, nil
}

func (m *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *MemoryStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		return 0, false, nil
	}
	score, ok := set[member]
	return score, ok, nil
}

func (m *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for member, score := range set {
		if score >= min && score <= max {
			delete(set, member)
		}
	}
	return nil
}

func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			out = append(out, member)
		}
	}
	return out, nil
}

type memPipeliner struct {
	store *MemoryStore
	ops   []func()
}

func (p *memPipeliner) IncrByFloat(key string, delta float64) {
	p.ops = append(p.ops, func() { p.store.nums[key] += delta })
}

func (p *memPipeliner) Expire(key string, ttl time.Duration) {
	// TTLs are not simulated in-memory; a no-op keeps the interface honest.
	p.ops = append(p.ops, func() {})
}

func (m *MemoryStore) Pipeline(ctx context.Context, fn func(Pipeliner) error) error {
	p := &memPipeliner{store: m}
	if err := fn(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range p.ops {
		op()
	}
	return nil
}

// CheckAndTrackConcurrency reproduces the Lua script's semantics
// (script.go) under a single mutex, so tests exercise identical gating
// logic without a live Redis instance.
func (m *MemoryStore) CheckAndTrackConcurrency(ctx context.Context, setKey, sessionID string, limit int, now time.Time, ttl time.Duration) (ScriptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[setKey]
	if !ok {
		set = make(map[string]float64)
		m.zsets[setKey] = set
	}

	expireBefore := float64(now.Add(-5 * time.Minute).Unix())
	for member, score := range set {
		if score <= expireBefore {
			delete(set, member)
		}
	}

	_, tracked := set[sessionID]
	count := int64(len(set))

	if limit > 0 && !tracked && count >= int64(limit) {
		return ScriptResult{Allowed: false, CountAfter: count, Tracked: false}, nil
	}

	set[sessionID] = float64(now.Unix())
	countAfter := count
	if !tracked {
		countAfter++
	}

	return ScriptResult{Allowed: true, CountAfter: countAfter, Tracked: tracked}, nil
}
