// Package syncutil holds the per-record locks the services use to serialize
// state transitions.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
)

const shardCount = 256

// KeyLock serializes work per key (an escrow id, a dispute case id, a
// wallet) using a fixed pool of shards, so memory stays bounded no matter
// how many keys are seen. Two keys that hash to the same shard wait for each
// other. Keys are case-insensitive, matching how wallets are compared.
//
// The zero value is ready to use.
type KeyLock struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

func (k *KeyLock) init() {
	k.once.Do(func() {
		for i := range k.shards {
			k.shards[i] = make(chan struct{}, 1)
		}
	})
}

// Lock blocks until key is free and returns the unlock function.
func (k *KeyLock) Lock(key string) func() {
	unlock, _ := k.LockContext(context.Background(), key)
	return unlock
}

// LockContext is Lock, giving up when ctx is done. On error the lock is
// not held and the returned function is nil.
func (k *KeyLock) LockContext(ctx context.Context, key string) (func(), error) {
	k.init()
	shard := k.shards[Shard(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes key only if it is free right now.
func (k *KeyLock) TryLock(key string) (func(), bool) {
	k.init()
	shard := k.shards[Shard(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, true
	default:
		return nil, false
	}
}

// Shard returns the shard index key maps to.
func Shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(key)))
	return h.Sum32() % shardCount
}
