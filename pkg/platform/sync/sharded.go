package sync

import (
	"context"
	"hash/fnv"
)

const defaultShards = 32

// ShardedMutex serializes work per key. Keys hash onto a fixed set of
// shards, so unrelated keys rarely contend. Each shard is a one-slot
// semaphore, which lets waiters give up when their context ends.
type ShardedMutex struct {
	shards []chan struct{}
}

// NewShardedMutex returns a mutex with n shards; n <= 0 selects 32.
func NewShardedMutex(n int) *ShardedMutex {
	if n <= 0 {
		n = defaultShards
	}
	m := &ShardedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires key's shard or returns ctx.Err() if ctx ends first.
func (m *ShardedMutex) Lock(ctx context.Context, key string) error {
	select {
	case m.shards[m.shardFor(key)] <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases key's shard. Unlocking a shard that is not held panics.
func (m *ShardedMutex) Unlock(key string) {
	select {
	case <-m.shards[m.shardFor(key)]:
	default:
		panic("sync: unlock of unlocked shard")
	}
}

// Empty keys map to shard 0.
func (m *ShardedMutex) shardFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
