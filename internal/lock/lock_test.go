package lock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_LockUnlock(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "I-1")
	require.NoError(t, err)
	unlock()

	unlock, err = m.Lock(ctx, "I-1")
	require.NoError(t, err)
	unlock()
	assert.Empty(t, m.entries, "idle keys are dropped")
}

func TestKeyedMutex_DifferentKeys(t *testing.T) {
	m := NewKeyedMutex()
	unlock1, err := m.Lock(context.Background(), "I-1")
	require.NoError(t, err)
	defer unlock1()

	done := make(chan struct{})
	go func() {
		unlock2, err := m.Lock(context.Background(), "I-2")
		if err == nil {
			unlock2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("I-2 blocked behind I-1")
	}
}

func TestKeyedMutex_Concurrent(t *testing.T) {
	m := NewKeyedMutex()
	var inside, counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "shared")
			if err != nil {
				return
			}
			if atomic.AddInt64(&inside, 1) != 1 {
				t.Error("two holders at once")
			}
			atomic.AddInt64(&counter, 1)
			atomic.AddInt64(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, counter)
	assert.Empty(t, m.entries)
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "I-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "I-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Empty(t, m.entries)
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "watch.lock")

	fl1 := NewFileLock(lockPath)
	require.NoError(t, fl1.TryLock())
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "watch.lock")

	fl1 := NewFileLock(lockPath)
	require.NoError(t, fl1.TryLock())
	require.NoError(t, fl1.Unlock())
	require.NoError(t, fl1.Unlock(), "double unlock is safe")

	fl2 := NewFileLock(lockPath)
	require.NoError(t, fl2.TryLock())
	fl2.Unlock()
}
