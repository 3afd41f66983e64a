package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrInFlight is returned when another request holds the same idempotency key.
var ErrInFlight = errors.New("cache: request with this idempotency key is in progress")

// DefaultIdempotencyTTL is how long completed responses are replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

const inFlightTTL = 30 * time.Second

var inFlightMarker = []byte("\x00in-flight")

// Idempotency remembers the result of side-effecting operations by key so
// that retries return the first result instead of repeating the effect.
type Idempotency struct {
	cache Cache
	ttl   time.Duration
}

// NewIdempotency creates a store over c. A non-positive ttl uses DefaultIdempotencyTTL.
func NewIdempotency(c Cache, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{cache: c, ttl: ttl}
}

func idempotencyKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}

// Remember runs fn once per (scope, key) on store. A stored result is
// returned without calling fn and replayed reports that. Failed calls are not
// remembered. A nil store or empty key always runs fn.
func Remember[T any](ctx context.Context, store *Idempotency, scope, key string, fn func() (T, error)) (result T, replayed bool, err error) {
	if store == nil || key == "" {
		result, err = fn()
		return result, false, err
	}

	k := idempotencyKey(scope, key)
	data, err := store.cache.Get(ctx, k)
	switch {
	case err == nil && bytes.Equal(data, inFlightMarker):
		return result, false, ErrInFlight
	case err == nil:
		if err := json.Unmarshal(data, &result); err != nil {
			return result, false, err
		}
		return result, true, nil
	case !errors.Is(err, ErrNotFound):
		return result, false, err
	}

	ok, err := store.cache.SetIfAbsent(ctx, k, inFlightMarker, inFlightTTL)
	if err != nil {
		return result, false, err
	}
	if !ok {
		return result, false, ErrInFlight
	}

	// The outcome must be stored even if the caller went away.
	detached := context.WithoutCancel(ctx)
	result, err = fn()
	if err != nil {
		_ = store.cache.Delete(detached, k)
		return result, false, err
	}
	if err := SetJSON(detached, store.cache, k, result, store.ttl); err != nil {
		return result, false, err
	}
	return result, false, nil
}
