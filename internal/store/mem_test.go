package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_GetStateBeforeSetReturnsNotFound(t *testing.T) {
	m := NewMemStore()
	_, err := m.GetState(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_SetThenGetStateRoundTrips(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	require.NoError(t, m.SetState(ctx, []byte(`{"goal":"ship it"}`)))
	got, err := m.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"goal":"ship it"}`, string(got))
}

func TestMemStore_QueueIsFIFO(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, []byte("a")))
	require.NoError(t, m.Enqueue(ctx, []byte("b")))
	first, err := m.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(first))
	second, err := m.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(second))
}

func TestMemStore_DequeueEmptyReturnsNotFound(t *testing.T) {
	m := NewMemStore()
	_, err := m.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_QueueLenReflectsPendingItems(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, []byte("a")))
	require.NoError(t, m.Enqueue(ctx, []byte("b")))
	n, err := m.QueueLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemStore_BreakerGetMissingReturnsNotFound(t *testing.T) {
	m := NewMemStore()
	_, err := m.BreakerGet(context.Background(), "claude")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_BreakerSetThenGetRoundTrips(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	require.NoError(t, m.BreakerSet(ctx, "claude", []byte(`{"state":"OPEN"}`), time.Minute))
	got, err := m.BreakerGet(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, `{"state":"OPEN"}`, string(got))
}

func TestMemStore_BreakerEntryExpiresAfterTTL(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	require.NoError(t, m.BreakerSet(ctx, "claude", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := m.BreakerGet(ctx, "claude")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_BreakerEntryWithoutTTLNeverExpires(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	require.NoError(t, m.BreakerSet(ctx, "claude", []byte("x"), 0))
	time.Sleep(5 * time.Millisecond)
	got, err := m.BreakerGet(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}
