package blobcache

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/blobcache/store"
)

var tags sync.Map // reflect.Type -> string

// Tag returns the type tag under which values of type T are stored: the
// type's string form ("mypkg.User", "[]int"), derived once per type and
// cached. Tags are compared as plain strings; callers needing a different
// convention can use the Tagged variants with their own identifiers.
func Tag[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if v, ok := tags.Load(t); ok {
		return v.(string)
	}
	tag := t.String()
	tags.Store(t, tag)
	return tag
}

// Get returns the value stored under key, decoded as T. Fails ErrNotFound
// when no entry exists. The stored type tag is deliberately not compared to
// T's tag: an entry stored as one type and read as another decodes as long
// as the bytes fit, mirroring the asymmetry with Invalidate (which does
// compare).
func Get[T any](ctx context.Context, c *Cache, key string) (T, error) {
	var zero T
	e, err := c.findOne(ctx, c.store, key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := c.codec.Decode(e.Payload, &v); err != nil {
		return zero, err
	}
	return v, nil
}

// GetAll returns every value stored under T's tag.
func GetAll[T any](ctx context.Context, c *Cache) ([]T, error) {
	return GetAllTagged[T](ctx, c, Tag[T]())
}

// GetAllTagged is GetAll with an explicit tag.
func GetAllTagged[T any](ctx context.Context, c *Cache, tag string) ([]T, error) {
	entries, err := c.store.QueryByTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	values := make([]T, 0, len(entries))
	for i := range entries {
		var v T
		if err := c.codec.Decode(entries[i].Payload, &v); err != nil {
			return nil, errors.Wrapf(err, "blobcache: entry %q", entries[i].Key)
		}
		values = append(values, v)
	}
	return values, nil
}

// Insert stores value under key and T's tag, replacing any existing entry
// for key regardless of its tag. CreatedAt is set to now on every insert,
// including replacements. Without an expiration argument the cache's
// default TTL applies, or no expiration at all. Returns the rows affected
// (0 or 1).
func Insert[T any](ctx context.Context, c *Cache, key string, value T, expiration ...time.Time) (int64, error) {
	return InsertTagged(ctx, c, key, Tag[T](), value, expiration...)
}

// InsertTagged is Insert with an explicit tag.
func InsertTagged[T any](ctx context.Context, c *Cache, key, tag string, value T, expiration ...time.Time) (int64, error) {
	return c.insertOne(ctx, c.store, key, tag, value, c.expirationFor(expiration))
}

// Invalidate deletes the entry for key. Fails ErrNotFound when absent and
// ErrTypeMismatch when the entry was stored under a tag other than T's; on
// mismatch the entry is left in place. Returns the rows affected.
func Invalidate[T any](ctx context.Context, c *Cache, key string) (int64, error) {
	return InvalidateTagged(ctx, c, key, Tag[T]())
}

// InvalidateTagged is Invalidate with an explicit tag.
func InvalidateTagged(ctx context.Context, c *Cache, key, tag string) (int64, error) {
	return c.invalidateOne(ctx, c.store, key, tag)
}

// InvalidateAllOf deletes every entry stored under T's tag, leaving all
// other entries untouched.
func InvalidateAllOf[T any](ctx context.Context, c *Cache) error {
	return c.InvalidateAllTagged(ctx, Tag[T]())
}

// InvalidateAllTagged is InvalidateAllOf with an explicit tag.
func (c *Cache) InvalidateAllTagged(ctx context.Context, tag string) error {
	_, err := c.store.ExecRaw(ctx, `DELETE FROM entries WHERE type_tag = ?`, tag)
	return err
}

// findOne fetches the entry for key through q, mapping absence to
// ErrNotFound. q is either the shared store or a bulk transaction.
func (c *Cache) findOne(ctx context.Context, q store.Querier, key string) (*store.Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	e, err := q.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.Wrapf(ErrNotFound, "key %q", key)
	}
	return e, nil
}

func (c *Cache) insertOne(ctx context.Context, q store.Querier, key, tag string, value any, expiration int64) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return 0, err
	}
	return q.InsertOrReplace(ctx, &store.Entry{
		Key:        key,
		TypeTag:    tag,
		Payload:    payload,
		CreatedAt:  time.Now().UnixMilli(),
		Expiration: expiration,
	})
}

func (c *Cache) invalidateOne(ctx context.Context, q store.Querier, key, tag string) (int64, error) {
	e, err := c.findOne(ctx, q, key)
	if err != nil {
		return 0, err
	}
	if e.TypeTag != tag {
		return 0, errors.Wrapf(ErrTypeMismatch, "key %q holds %q, requested %q", key, e.TypeTag, tag)
	}
	return q.Delete(ctx, e)
}
