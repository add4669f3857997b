package blobcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/blobcache/codec"
	"github.com/agentuity/blobcache/store"
)

type user struct {
	Name string
	Age  int
}

type account struct {
	ID string
}

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New(append([]Option{WithPath(":memory:")}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInsertGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	n, err := Insert(ctx, c, "a", 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := Get[int](ctx, c, "a")
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestInsertGetStruct(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	in := user{Name: "ada", Age: 36}
	_, err := Insert(ctx, c, "u", in)
	require.NoError(t, err)

	got, err := Get[user](ctx, c, "u")
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Get[int](ctx, c, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmptyKeyRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Insert(ctx, c, "", 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Get[int](ctx, c, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Invalidate[int](ctx, c, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, _, err = c.CreatedAt(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestReinsertReplaces(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Insert(ctx, c, "k", "one")
	require.NoError(t, err)
	first, ok, err := c.CreatedAt(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	_, err = Insert(ctx, c, "k", "two")
	require.NoError(t, err)

	got, err := Get[string](ctx, c, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", got)

	// created_at reflects the replacement, and only one entry remains.
	second, ok, err := c.CreatedAt(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, second.After(first))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Invalidate[int](ctx, c, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Insert(ctx, c, "k", 7)
	require.NoError(t, err)

	n, err := Invalidate[int](ctx, c, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = Get[int](ctx, c, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidateTypeMismatch(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	in := user{Name: "grace"}
	_, err := Insert(ctx, c, "k", in)
	require.NoError(t, err)

	_, err = Invalidate[account](ctx, c, "k")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// The mismatched invalidate left the entry in place.
	got, err := Get[user](ctx, c, "k")
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestGetDoesNotCheckTag(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	// Stored as user, read as account: the tag is not consulted on read,
	// so this succeeds as long as the bytes decode.
	_, err := Insert(ctx, c, "k", user{Name: "x"})
	require.NoError(t, err)
	_, err = Get[account](ctx, c, "k")
	assert.NoError(t, err)
}

func TestGetAll(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Insert(ctx, c, "u1", user{Name: "a"})
	require.NoError(t, err)
	_, err = Insert(ctx, c, "u2", user{Name: "b"})
	require.NoError(t, err)
	_, err = Insert(ctx, c, "acct", account{ID: "z"})
	require.NoError(t, err)

	users, err := GetAll[user](ctx, c)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	accounts, err := GetAll[account](ctx, c)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestInvalidateAllOf(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Insert(ctx, c, "u1", user{Name: "a"})
	require.NoError(t, err)
	_, err = Insert(ctx, c, "u2", user{Name: "b"})
	require.NoError(t, err)
	_, err = Insert(ctx, c, "acct", account{ID: "z"})
	require.NoError(t, err)

	require.NoError(t, InvalidateAllOf[user](ctx, c))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct"}, keys)
}

func TestInvalidateAll(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Insert(ctx, c, "a", 1)
	require.NoError(t, err)
	_, err = Insert(ctx, c, "b", "two")
	require.NoError(t, err)

	n, err := c.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestVacuum(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Insert(ctx, c, "expired", 1, time.Now().Add(-time.Second))
	require.NoError(t, err)
	_, err = Insert(ctx, c, "future", 2, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = Insert(ctx, c, "forever", 3)
	require.NoError(t, err)

	// Expiry is passive: the expired entry is still readable.
	got, err := Get[int](ctx, c, "expired")
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	n, err := c.Vacuum(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = Get[int](ctx, c, "expired")
	assert.ErrorIs(t, err, ErrNotFound)

	// Future and never-expiring entries survive.
	for _, key := range []string{"future", "forever"} {
		_, err := Get[int](ctx, c, key)
		assert.NoError(t, err)
	}

	// Nothing left to sweep.
	n, err = c.Vacuum(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Insert(ctx, c, "k", 1)
	require.NoError(t, err)
	assert.NoError(t, c.Flush(ctx))

	// Flush on an empty cache never fails.
	_, err = c.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.NoError(t, c.Flush(ctx))
}

func TestCreatedAtMissing(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, ok, err := c.CreatedAt(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreatedAtUnaffectedByGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := Insert(ctx, c, "k", 1)
	require.NoError(t, err)
	at, ok, err := c.CreatedAt(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	_, err = Get[int](ctx, c, "k")
	require.NoError(t, err)

	after, ok, err := c.CreatedAt(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at, after)
}

func TestDefaultTTL(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, WithDefaultTTL(time.Millisecond))

	_, err := Insert(ctx, c, "k", 1)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := c.Vacuum(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDefaultTTLString(t *testing.T) {
	_, err := New(WithPath(":memory:"), WithDefaultTTLString("1d2h"))
	assert.NoError(t, err)

	_, err = New(WithPath(":memory:"), WithDefaultTTLString("not a duration"))
	assert.Error(t, err)
}

func TestNotConfigured(t *testing.T) {
	ctx := context.Background()
	c, err := New()
	require.NoError(t, err)

	_, err = Get[int](ctx, c, "k")
	assert.ErrorIs(t, err, store.ErrNotConfigured)
}

func TestCloseReopensLazily(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := New(WithPath(path))
	require.NoError(t, err)
	defer c.Close()

	_, err = Insert(ctx, c, "k", 99)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// Data survives teardown and the connection reopens on use.
	got, err := Get[int](ctx, c, "k")
	require.NoError(t, err)
	assert.Equal(t, 99, got)
}

func TestTransformedCache(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, WithTransforms(codec.Compression()))

	in := user{Name: "compressed", Age: 1}
	_, err := Insert(ctx, c, "k", in)
	require.NoError(t, err)

	got, err := Get[user](ctx, c, "k")
	require.NoError(t, err)
	assert.Equal(t, in, got)

	// A cache without the pipeline cannot read the transformed payload.
	plain, err := New(WithStore(c.store))
	require.NoError(t, err)
	_, err = Get[user](ctx, plain, "k")
	assert.ErrorIs(t, err, codec.ErrDecode)
}

func TestSharedStore(t *testing.T) {
	ctx := context.Background()
	s := store.New(":memory:")
	t.Cleanup(func() { _ = s.Close() })

	a, err := New(WithStore(s))
	require.NoError(t, err)
	b, err := New(WithStore(s))
	require.NoError(t, err)

	_, err = Insert(ctx, a, "k", "shared")
	require.NoError(t, err)

	got, err := Get[string](ctx, b, "k")
	require.NoError(t, err)
	assert.Equal(t, "shared", got)
}

func TestTag(t *testing.T) {
	assert.Equal(t, "int", Tag[int]())
	assert.Equal(t, "blobcache.user", Tag[user]())
	assert.NotEqual(t, Tag[user](), Tag[account]())
	// Cached derivation is stable.
	assert.Equal(t, Tag[user](), Tag[user]())
}
