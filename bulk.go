package blobcache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/blobcache/store"
)

// Bulk operations run all their single-key steps inside one store
// transaction. A per-key miss is swallowed (the key is simply absent from
// the result); any other failure aborts the remaining keys and rolls the
// whole call back, so a bulk operation is never left half-applied.

// GetMany returns the values for the given keys, decoded as T. Keys with no
// entry are absent from the map. Decode and backend failures abort the call.
func GetMany[T any](ctx context.Context, c *Cache, keys []string) (map[string]T, error) {
	out := make(map[string]T, len(keys))
	err := c.store.WithTx(ctx, func(q store.Querier) error {
		for _, key := range keys {
			e, err := c.findOne(ctx, q, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var v T
			if err := c.codec.Decode(e.Payload, &v); err != nil {
				return errors.Wrapf(err, "blobcache: entry %q", key)
			}
			out[key] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertMany stores every pair in values under T's tag with a shared
// expiration, returning the summed rows affected. All inserts commit
// together or not at all.
func InsertMany[T any](ctx context.Context, c *Cache, values map[string]T, expiration ...time.Time) (int64, error) {
	tag := Tag[T]()
	exp := c.expirationFor(expiration)
	var total int64
	err := c.store.WithTx(ctx, func(q store.Querier) error {
		for key, value := range values {
			n, err := c.insertOne(ctx, q, key, tag, value, exp)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// InvalidateMany deletes the entries for the given keys, returning the
// summed rows affected. Missing keys are skipped; an ErrTypeMismatch or
// backend failure aborts and rolls back every deletion in the call.
func InvalidateMany[T any](ctx context.Context, c *Cache, keys []string) (int64, error) {
	tag := Tag[T]()
	var total int64
	err := c.store.WithTx(ctx, func(q store.Querier) error {
		for _, key := range keys {
			n, err := c.invalidateOne(ctx, q, key, tag)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// CreatedAtMany returns the creation time for each key that has an entry.
// Absence is not an error; absent keys are simply missing from the map.
func CreatedAtMany(ctx context.Context, c *Cache, keys []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(keys))
	err := c.store.WithTx(ctx, func(q store.Querier) error {
		for _, key := range keys {
			e, err := c.findOne(ctx, q, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[key] = e.CreatedTime()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
