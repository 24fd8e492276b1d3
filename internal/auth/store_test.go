package auth

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Verify(t *testing.T) {
	store := NewStore(NewCredentials(map[string]string{"admin": "admin"}))
	require.Equal(t, 1, store.Len())

	username, err := store.Verify("admin", "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", username)

	_, err = store.Verify("admin", "wrong")
	assert.ErrorIs(t, err, ErrDenied)
	_, err = store.Verify("nobody", "admin")
	assert.ErrorIs(t, err, ErrDenied)
}

func TestStore_ChangedSecretTakesEffectImmediately(t *testing.T) {
	store := NewStore(NewCredentials(map[string]string{"admin": "admin"}))

	store.Set("admin", "n3w-secret")
	_, err := store.Verify("admin", "admin")
	assert.ErrorIs(t, err, ErrDenied)
	username, err := store.Verify("admin", "n3w-secret")
	require.NoError(t, err)
	assert.Equal(t, "admin", username)

	store.Replace(NewCredentials(map[string]string{"admin": "third", "user": "password"}))
	_, err = store.Verify("admin", "n3w-secret")
	assert.ErrorIs(t, err, ErrDenied)
	_, err = store.Verify("admin", "third")
	assert.NoError(t, err)
	_, err = store.Verify("user", "password")
	assert.NoError(t, err)
	assert.Equal(t, []string{"admin", "user"}, store.Usernames())

	store.Remove("user")
	_, err = store.Verify("user", "password")
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, 1, store.Len())
}

func TestStore_ReplaceCopiesInput(t *testing.T) {
	known := NewCredentials(map[string]string{"admin": "admin"})
	store := NewStore(known)

	// later mutations of the caller's map must not leak into the store
	delete(known, "admin")
	_, err := store.Verify("admin", "admin")
	assert.NoError(t, err)

	store = NewStore(nil)
	assert.Equal(t, 0, store.Len())
	store.Set("late", "user")
	_, err = store.Verify("late", "user")
	assert.NoError(t, err)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore(NewCredentials(map[string]string{"admin": "admin"}))

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			store.Set(fmt.Sprintf("user-%d", i), "pass")
		}(i)
		go func() {
			defer wg.Done()
			_, err := store.Verify("admin", "admin")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 21, store.Len())
}
