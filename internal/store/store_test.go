package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(Options{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SAdd(ctx, "set", "a", "b", "c"))
	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, members)

	ok, err := s.SIsMember(ctx, "set", "b")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.SRem(ctx, "set", "b"))
	ok, err = s.SIsMember(ctx, "set", "b")
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.LPush(ctx, "hist", string(rune('a'+i))))
	}
	require.NoError(t, s.LTrim(ctx, "hist", 0, 2))
	list, err := s.LRange(ctx, "hist", 0, -1)
	require.NoError(t, err)
	require.Len(t, list, 3)

	require.NoError(t, s.Del(ctx, "k", "set", "hist"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreContract(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestRedisStoreContract(t *testing.T) {
	testStoreContract(t, newTestRedisStore(t))
}

func TestMemoryStorePubSub(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ch, cancel, err := s.Subscribe(ctx, "chan")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, "chan", []byte("hello")))

	select {
	case n := <-ch:
		require.Equal(t, "hello", string(n.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestRedisStorePubSub(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ch, cancel, err := s.Subscribe(ctx, "chan")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, "chan", []byte("hello")))

	select {
	case n := <-ch:
		require.Equal(t, "hello", string(n.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
