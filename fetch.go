package blobcache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Loader produces the value for a key on a cache miss. The bool return
// reports whether a value exists; return false to signal "no value" without
// caching a zero value.
type Loader[T any] func(ctx context.Context) (T, bool, error)

type fetchResult[T any] struct {
	val T
	ok  bool
}

// Fetch is a read-through helper: it returns the cached value for key, or
// on a miss invokes load, stores the result with the given ttl (zero means
// the cache default), and returns it. Concurrent Fetch calls for the same
// key share a single load. If storing the loaded value fails, the value is
// still returned; the caller got what they asked for.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load Loader[T]) (T, bool, error) {
	var zero T
	if key == "" {
		return zero, false, ErrInvalidKey
	}
	v, err := Get[T](ctx, c, key)
	if err == nil {
		return v, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return zero, false, err
	}

	// Flights are keyed by tag as well, so the same key fetched as two
	// different types cannot share a result.
	res, err, _ := c.group.Do(Tag[T]()+"\x00"+key, func() (any, error) {
		// Another flight may have filled the entry while we queued.
		if v, err := Get[T](ctx, c, key); err == nil {
			return fetchResult[T]{v, true}, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		val, ok, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return fetchResult[T]{}, nil
		}
		var expiration []time.Time
		if ttl > 0 {
			expiration = append(expiration, time.Now().Add(ttl))
		}
		if _, err := Insert(ctx, c, key, val, expiration...); err != nil {
			c.log.Warn("fetch: store loaded value", zap.String("key", key), zap.Error(err))
		}
		return fetchResult[T]{val, true}, nil
	})
	if err != nil {
		return zero, false, err
	}
	r := res.(fetchResult[T])
	return r.val, r.ok, nil
}
