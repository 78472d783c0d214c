package anyobject

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *MemStore) lockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

func TestMemStore_LocksAreReleased(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemStore(nil)
	require.NoError(t, err)
	obj, err := store.Create(ctx, &AnyObject{Kind: KindUser, Name: "a"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := store.Lock(obj.Key)
			defer unlock()
		}()
	}
	wg.Wait()
	assert.Zero(t, store.lockCount())

	unlock := store.Lock(obj.Key)
	require.NoError(t, store.Delete(ctx, obj.Key))
	assert.Equal(t, 1, store.lockCount())
	unlock()
	assert.Zero(t, store.lockCount(), "a deleted entity keeps no lock")
}
