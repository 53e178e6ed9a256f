package sharded

import (
	"sync"
)

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a string-keyed map split into independently locked shards so that
// unrelated keys (different server roots, different partitions) never contend.
type Map[V any] struct {
	shards [numShards]mapShard[V]
}

// NewMap creates an empty Map.
func NewMap[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return m
}

func (m *Map[V]) getShard(key string) *mapShard[V] {
	return &m.shards[getShardIndex(key)]
}

// Store adds a key-value pair to the map.
func (m *Map[V]) Store(key string, value V) {
	shard := m.getShard(key)
	shard.mu.Lock()
	shard.items[key] = value
	shard.mu.Unlock()
}

// Load retrieves the value associated with a key.
// It returns the value and a boolean indicating if the key was present.
func (m *Map[V]) Load(key string) (value V, ok bool) {
	shard := m.getShard(key)
	shard.mu.RLock()
	value, ok = shard.items[key]
	shard.mu.RUnlock()
	return value, ok
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *Map[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	shard := m.getShard(key)
	shard.mu.Lock()
	actual, loaded = shard.items[key]
	if !loaded {
		actual = value
		shard.items[key] = value
	}
	shard.mu.Unlock()
	return actual, loaded
}

// Count returns the total number of elements in the map.
func (m *Map[V]) Count() int {
	count := 0
	for i := range m.shards {
		shard := &m.shards[i]
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}
