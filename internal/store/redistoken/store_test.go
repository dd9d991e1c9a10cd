package redistoken

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"qazna.org/identity/internal/auth"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	store := New(rdb, WithPrefix("rt"), WithRetention(time.Minute), WithClock(func() time.Time { return t0 }))
	return store, mr
}

func TestPersistAndLookup(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	exp := t0.Add(time.Hour)

	require.NoError(t, store.Persist(ctx, "u1", "h1", exp))

	rec, err := store.LookupByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "u1", rec.UserID)
	require.Equal(t, "h1", rec.Hash)
	require.True(t, rec.ExpiresAt.Equal(exp))

	require.Equal(t, time.Hour+time.Minute, mr.TTL("rt:user:u1"))
	require.Equal(t, time.Hour+time.Minute, mr.TTL("rt:hash:h1"))

	_, err = store.LookupByHash(ctx, "unknown")
	require.ErrorIs(t, err, auth.ErrTokenNotFound)
}

func TestPersistReplacesPreviousHash(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	exp := t0.Add(time.Hour)

	require.NoError(t, store.Persist(ctx, "u1", "h1", exp))
	require.NoError(t, store.Persist(ctx, "u1", "h2", exp))

	_, err := store.LookupByHash(ctx, "h1")
	require.ErrorIs(t, err, auth.ErrTokenNotFound)
	require.False(t, mr.Exists("rt:hash:h1"))

	rec, err := store.LookupByHash(ctx, "h2")
	require.NoError(t, err)
	require.Equal(t, "u1", rec.UserID)
}

func TestRotateRequiresCurrentHash(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	exp := t0.Add(time.Hour)
	next := t0.Add(2 * time.Hour)

	require.NoError(t, store.Persist(ctx, "u1", "h1", exp))
	require.NoError(t, store.Rotate(ctx, "u1", "h1", "h2", next))
	require.ErrorIs(t, store.Rotate(ctx, "u1", "h1", "h3", next), auth.ErrTokenNotFound)

	_, err := store.LookupByHash(ctx, "h1")
	require.ErrorIs(t, err, auth.ErrTokenNotFound)

	rec, err := store.LookupByHash(ctx, "h2")
	require.NoError(t, err)
	require.True(t, rec.ExpiresAt.Equal(next))

	require.ErrorIs(t, store.Rotate(ctx, "nobody", "h1", "h4", next), auth.ErrTokenNotFound)
}

func TestConcurrentRotateHasOneWinner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	exp := t0.Add(time.Hour)
	require.NoError(t, store.Persist(ctx, "u1", "h0", exp))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Rotate(ctx, "u1", "h0", "next-"+string(rune('a'+i)), exp)
			if err == nil {
				wins.Add(1)
				return
			}
			if !errors.Is(err, auth.ErrTokenNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestClearIsConditional(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Persist(ctx, "u1", "h1", t0.Add(time.Hour)))

	require.ErrorIs(t, store.Clear(ctx, "u1", "stale"), auth.ErrTokenNotFound)
	require.NoError(t, store.Clear(ctx, "u1", "h1"))
	require.False(t, mr.Exists("rt:user:u1"))
	require.False(t, mr.Exists("rt:hash:h1"))
	require.ErrorIs(t, store.Clear(ctx, "u1", "h1"), auth.ErrTokenNotFound)
}

func TestRevokeDropsRecordAndIndex(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Persist(ctx, "u1", "h1", t0.Add(time.Hour)))

	require.NoError(t, store.Revoke(ctx, "u1"))
	require.False(t, mr.Exists("rt:hash:h1"))
	_, err := store.LookupByHash(ctx, "h1")
	require.ErrorIs(t, err, auth.ErrTokenNotFound)

	require.NoError(t, store.Revoke(ctx, "u1"))
}

func TestExpiredRecordsSurviveRetention(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	exp := t0.Add(time.Second)
	require.NoError(t, store.Persist(ctx, "u1", "h1", exp))

	mr.FastForward(30 * time.Second)
	rec, err := store.LookupByHash(ctx, "h1")
	require.NoError(t, err)
	require.True(t, rec.ExpiresAt.Equal(exp))

	mr.FastForward(time.Minute)
	_, err = store.LookupByHash(ctx, "h1")
	require.ErrorIs(t, err, auth.ErrTokenNotFound)
}

func TestUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	store := New(rdb)
	mr.Close()

	err = store.Persist(context.Background(), "u1", "h1", t0.Add(time.Hour))
	require.ErrorIs(t, err, ErrRedisUnavailable)
	require.ErrorIs(t, store.Ping(context.Background()), ErrRedisUnavailable)
}

func TestDefaults(t *testing.T) {
	store := New(nil, WithPrefix(""), WithRetention(-time.Second), WithClock(nil))
	require.Equal(t, defaultPrefix, store.prefix)
	require.Equal(t, defaultRetention, store.retention)
	require.NotNil(t, store.now)
	require.Equal(t, "refresh:user:u1", store.userKey("u1"))
	require.Equal(t, "refresh:hash:abc", store.hashKey("abc"))
}
