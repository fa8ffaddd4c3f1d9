package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client, "cart:events:", time.Hour), mr
}

func TestRedisIdempotencyStore_AddContains(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	seen, err := store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Add(ctx, "evt-1"))

	seen, err = store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.True(t, mr.Exists("cart:events:evt-1"))
	assert.Equal(t, time.Hour, mr.TTL("cart:events:evt-1"))
}

func TestRedisIdempotencyStore_Expiry(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "evt-2"))
	mr.FastForward(2 * time.Hour)

	seen, err := store.Contains(ctx, "evt-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisIdempotencyStore_Unavailable(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.Close()

	_, err := store.Contains(context.Background(), "evt-3")
	assert.Error(t, err)
}

func TestMemoryIdempotencyStore(t *testing.T) {
	store := NewMemoryIdempotencyStore(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "evt-1"))
	seen, _ := store.Contains(ctx, "evt-1")
	assert.True(t, seen)

	time.Sleep(40 * time.Millisecond)
	seen, _ = store.Contains(ctx, "evt-1")
	assert.False(t, seen)
}

type failingStore struct{}

func (failingStore) Contains(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingStore) Add(context.Context, string) error              { return errors.New("down") }

func TestIdempotentHandler(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	h := IdempotentHandler(store, func(context.Context, *Event) error {
		calls++
		return nil
	}, testLogger())

	event := &Event{EventID: "evt-1", EventType: "user.logged_in"}
	require.NoError(t, h(context.Background(), event))
	require.NoError(t, h(context.Background(), event))
	assert.Equal(t, 1, calls)
}

func TestIdempotentHandler_FailureNotRecorded(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	boom := errors.New("boom")
	h := IdempotentHandler(store, func(context.Context, *Event) error { return boom }, testLogger())

	err := h(context.Background(), &Event{EventID: "evt-1"})
	assert.ErrorIs(t, err, boom)

	seen, _ := store.Contains(context.Background(), "evt-1")
	assert.False(t, seen)
}

func TestIdempotentHandler_StoreDownStillProcesses(t *testing.T) {
	calls := 0
	h := IdempotentHandler(failingStore{}, func(context.Context, *Event) error {
		calls++
		return nil
	}, testLogger())

	require.NoError(t, h(context.Background(), &Event{EventID: "evt-1"}))
	assert.Equal(t, 1, calls)
}

func TestIdempotentHandler_NoEventID(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	h := IdempotentHandler(store, func(context.Context, *Event) error {
		calls++
		return nil
	}, testLogger())

	require.NoError(t, h(context.Background(), &Event{}))
	require.NoError(t, h(context.Background(), &Event{}))
	assert.Equal(t, 2, calls)
}
