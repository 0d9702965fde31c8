// Package syncutil provides keyed locks with bounded memory. Keys hash onto
// a fixed set of shards, so two keys may occasionally share a lock.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a keyed mutex for short, non-blocking critical sections.
// The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the lock for key and returns its release function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextShardedMutex is a keyed mutex whose waiters give up when their
// context ends. Use it around critical sections that call out to other
// services.
type ContextShardedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex creates a context-aware keyed mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

// LockContext acquires the lock for key or returns ctx.Err(). The returned
// release function is safe to call more than once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	slot := m.shards[shardOf(key)]

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		<-slot
		return nil, err
	}

	var released sync.Once
	return func() { released.Do(func() { <-slot }) }, nil
}
