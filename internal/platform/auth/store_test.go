package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSessionStore(client), mr
}

func newMemoryStore(t *testing.T) *MemorySessionStore {
	t.Helper()
	s := NewMemorySessionStore()
	t.Cleanup(s.Close)
	return s
}

func TestSessionStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]SessionStore{
		"redis":  redisStore,
		"memory": newMemoryStore(t),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			user := uuid.New()
			other := uuid.New()

			s1 := NewSession(user, RolePatient, time.Hour)
			s2 := NewSession(user, RolePatient, time.Hour)
			s3 := NewSession(other, RoleDoctor, time.Hour)
			for _, s := range []*Session{s1, s2, s3} {
				require.NoError(t, store.Create(ctx, s))
			}

			got, err := store.Get(ctx, s1.ID)
			require.NoError(t, err)
			assert.Equal(t, user, got.UserID)
			assert.Equal(t, RolePatient, got.Role)

			require.NoError(t, store.Delete(ctx, s1.ID))
			_, err = store.Get(ctx, s1.ID)
			assert.ErrorIs(t, err, ErrSessionNotFound)

			// deleting twice is fine
			require.NoError(t, store.Delete(ctx, s1.ID))

			n, err := store.DeleteUser(ctx, user)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, err = store.Get(ctx, s2.ID)
			assert.ErrorIs(t, err, ErrSessionNotFound)

			_, err = store.Get(ctx, s3.ID)
			assert.NoError(t, err, "other user's session must survive")

			n, err = store.DeleteUser(ctx, uuid.New())
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestRedisSessionStore_TTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	s := NewSession(uuid.New(), RoleAdmin, 30*time.Minute)
	require.NoError(t, store.Create(ctx, s))

	ttl := mr.TTL(sessionKey(s.ID))
	assert.InDelta(t, (30 * time.Minute).Seconds(), ttl.Seconds(), 5)

	mr.FastForward(31 * time.Minute)
	_, err := store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisSessionStore_RejectsExpired(t *testing.T) {
	store, _ := newRedisStore(t)
	s := NewSession(uuid.New(), RolePatient, time.Hour)
	s.ExpiresAt = time.Now().Add(-time.Second)
	assert.Error(t, store.Create(context.Background(), s))
}

func TestMemorySessionStore_Cleanup(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	live := NewSession(uuid.New(), RolePatient, time.Hour)
	dead := NewSession(uuid.New(), RolePatient, time.Hour)
	dead.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, live))
	require.NoError(t, store.Create(ctx, dead))

	_, err := store.Get(ctx, dead.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	store.cleanup(time.Now())
	assert.Equal(t, 1, store.Len())
}
