package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryCache_SetIfAbsent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	ok, err := c.SetIfAbsent(ctx, "k", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetIfAbsent(ctx, "k", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("a"), got)

	require.NoError(t, c.Clear(ctx))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

type refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

func TestRemember_ReplaysSuccessfulResult(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotency(NewInMemoryCache(), 0)
	calls := 0
	fn := func() (refund, error) {
		calls++
		return refund{ID: "re_1", Amount: 500}, nil
	}

	first, replayed, err := Remember(ctx, store, "refund", "key-1", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "re_1", first.ID)

	second, replayed, err := Remember(ctx, store, "refund", "key-1", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	_, replayed, err = Remember(ctx, store, "intent", "key-1", fn)
	require.NoError(t, err)
	assert.False(t, replayed, "scopes are independent")
	assert.Equal(t, 2, calls)
}

func TestRemember_FailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotency(NewInMemoryCache(), time.Hour)
	boom := errors.New("boom")

	_, _, err := Remember(ctx, store, "s", "k", func() (refund, error) { return refund{}, boom })
	assert.ErrorIs(t, err, boom)

	got, replayed, err := Remember(ctx, store, "s", "k", func() (refund, error) { return refund{ID: "ok"}, nil })
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "ok", got.ID)
}

func TestRemember_InFlight(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	store := NewIdempotency(c, time.Hour)
	require.NoError(t, c.Set(ctx, idempotencyKey("s", "k"), inFlightMarker, time.Minute))

	_, _, err := Remember(ctx, store, "s", "k", func() (refund, error) { return refund{}, nil })
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestRemember_NoKeyAlwaysRuns(t *testing.T) {
	calls := 0
	for i := 0; i < 2; i++ {
		_, replayed, err := Remember(context.Background(), nil, "s", "", func() (int, error) {
			calls++
			return calls, nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 2, calls)
}
