package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	var k KeyLock
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("polygon:esc_1")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyLock_CaseInsensitive(t *testing.T) {
	var k KeyLock
	unlock := k.Lock("0xABCDEF")
	_, ok := k.TryLock("0xabcdef")
	assert.False(t, ok)
	unlock()

	unlock2, ok := k.TryLock("0xabcdef")
	require.True(t, ok)
	unlock2()
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	var k KeyLock
	unlock := k.Lock("dsp_1")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := k.LockContext(ctx, "dsp_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, got)
}

func TestKeyLock_WaiterProceedsAfterUnlock(t *testing.T) {
	var k KeyLock
	unlock := k.Lock("esc_2")

	acquired := make(chan struct{})
	go func() {
		u, err := k.LockContext(context.Background(), "esc_2")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second locker acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second locker never acquired the key")
	}
}

func TestShard_Bounded(t *testing.T) {
	for _, key := range []string{"", "a", "polygon:esc_123", "0x9999999999999999999999999999999999999999"} {
		assert.Less(t, Shard(key), uint32(shardCount))
	}
	assert.Equal(t, Shard("ABC"), Shard("abc"))
}
