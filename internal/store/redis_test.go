package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisStore(mr.Addr(), "", 0, 1, 2)
}

func TestRedisStore_GetStateBeforeSetReturnsNotFound(t *testing.T) {
	s := newTestRedisStore(t)
	defer s.Close()
	_, err := s.GetState(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_SetThenGetStateRoundTrips(t *testing.T) {
	s := newTestRedisStore(t)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.SetState(ctx, []byte(`{"goal":"ship it"}`)))
	got, err := s.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"goal":"ship it"}`, string(got))
}

func TestRedisStore_QueueIsFIFOAcrossTheDedicatedQueueDB(t *testing.T) {
	s := newTestRedisStore(t)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, []byte("a")))
	require.NoError(t, s.Enqueue(ctx, []byte("b")))
	n, err := s.QueueLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	first, err := s.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(first))
}

func TestRedisStore_DequeueEmptyReturnsNotFound(t *testing.T) {
	s := newTestRedisStore(t)
	defer s.Close()
	_, err := s.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_BreakerTTLExpiresEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), "", 0, 1, 2)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.BreakerSet(ctx, "claude", []byte(`{"failures":3}`), time.Minute))
	_, err := s.BreakerGet(ctx, "claude")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = s.BreakerGet(ctx, "claude")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_QueueSnapshotRespectsLimit(t *testing.T) {
	s := newTestRedisStore(t)
	defer s.Close()
	ctx := context.Background()
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(ctx, []byte(v)))
	}
	got, err := s.QueueSnapshot(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0]))
	assert.Equal(t, "b", string(got[1]))
}
