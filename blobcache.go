package blobcache

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentuity/blobcache/codec"
	"github.com/agentuity/blobcache/store"
)

var (
	// ErrInvalidKey is returned for an empty key, before storage is touched.
	ErrInvalidKey = errors.New("blobcache: invalid key")
	// ErrNotFound is returned by single-key lookups and invalidations when
	// no entry exists for the key.
	ErrNotFound = errors.New("blobcache: key not found")
	// ErrTypeMismatch is returned by Invalidate when the stored type tag
	// differs from the requested type's tag. The entry is left in place.
	ErrTypeMismatch = errors.New("blobcache: type tag mismatch")
)

// Cache is the engine: it encodes values through its codec and persists
// them through its store. Every Cache sharing a store multiplexes the same
// lazily opened connection. Safe for concurrent use; conflicting writes on
// the same key are serialized by the store, last commit wins.
type Cache struct {
	store      *store.Store
	codec      *codec.Codec
	log        *zap.Logger
	defaultTTL time.Duration
	group      singleflight.Group
}

type config struct {
	path       string
	store      *store.Store
	transforms []codec.Transform
	log        *zap.Logger
	defaultTTL time.Duration
	err        error
}

// Option configures a Cache.
type Option func(*config)

// WithPath sets the SQLite database path. Use ":memory:" for an in-memory
// cache. A cache constructed without a path fails store.ErrNotConfigured on
// first use.
func WithPath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithStore supplies an existing store, letting several caches share one
// connection. Overrides WithPath.
func WithStore(s *store.Store) Option {
	return func(c *config) { c.store = s }
}

// WithTransforms sets the codec pipeline, applied in order on write and in
// reverse order on read. A cache can only read entries written with the
// same pipeline.
func WithTransforms(transforms ...codec.Transform) Option {
	return func(c *config) { c.transforms = transforms }
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithDefaultTTL sets the expiration applied when Insert is called without
// one. Zero (the default) means entries never expire.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *config) { c.defaultTTL = ttl }
}

// WithDefaultTTLString is WithDefaultTTL parsing human-friendly durations
// like "36h" or "1d12h".
func WithDefaultTTLString(ttl string) Option {
	return func(c *config) {
		d, err := str2duration.ParseDuration(ttl)
		if err != nil {
			c.err = errors.Wrapf(err, "blobcache: parse ttl %q", ttl)
			return
		}
		c.defaultTTL = d
	}
}

// FromEnv reads BLOBCACHE_DB_PATH and BLOBCACHE_DEFAULT_TTL. Explicit
// options given after FromEnv take precedence.
func FromEnv() Option {
	return func(c *config) {
		if v := os.Getenv("BLOBCACHE_DB_PATH"); v != "" {
			c.path = v
		}
		if v := os.Getenv("BLOBCACHE_DEFAULT_TTL"); v != "" {
			WithDefaultTTLString(v)(c)
		}
	}
}

// New returns a Cache. The underlying database is not opened until the
// first operation.
func New(opts ...Option) (*Cache, error) {
	cfg := config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	s := cfg.store
	if s == nil {
		s = store.New(cfg.path, store.WithLogger(cfg.log))
	}
	return &Cache{
		store:      s,
		codec:      codec.New(cfg.transforms...),
		log:        cfg.log,
		defaultTTL: cfg.defaultTTL,
	}, nil
}

// Close tears down the store connection. The cache remains usable: the next
// operation reopens lazily. A call racing Close may observe the connection
// mid-close and will reopen on its next use.
func (c *Cache) Close() error {
	return c.store.Close()
}

// InvalidateAll deletes every entry and returns the count deleted.
func (c *Cache) InvalidateAll(ctx context.Context) (int64, error) {
	return c.store.ExecRaw(ctx, `DELETE FROM entries`)
}

// Vacuum deletes every entry whose expiration is strictly before the
// instant captured at call time, then asks SQLite to reclaim the freed
// space. Entries without an expiration are never swept, and expiry is not
// otherwise enforced: an expired entry remains readable until vacuumed.
//
// VACUUM rewrites the database file, so this is expensive; run it when
// contention is low. Entries inserted while it runs may be swept by a later
// call instead.
func (c *Cache) Vacuum(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	removed, err := c.store.ExecRaw(ctx, `DELETE FROM entries WHERE expiration < ?`, now)
	if err != nil {
		return 0, err
	}
	if _, err := c.store.ExecRaw(ctx, `VACUUM`); err != nil {
		return removed, err
	}
	c.log.Debug("vacuum complete", zap.Int64("removed", removed))
	return removed, nil
}

// Flush blocks until all previously committed writes are durable in the
// main database file, draining the write-ahead log. Never fails merely
// because there is nothing to flush.
func (c *Cache) Flush(ctx context.Context) error {
	_, err := c.store.ExecRaw(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// Keys returns every key currently present. Best effort under concurrent
// mutation: no snapshot isolation.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.store.Keys(ctx)
}

// CreatedAt returns when the entry for key was last inserted, or false when
// no entry exists. The stored type tag is not consulted.
func (c *Cache) CreatedAt(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, ErrInvalidKey
	}
	e, err := c.store.FindByKey(ctx, key)
	if err != nil {
		return time.Time{}, false, err
	}
	if e == nil {
		return time.Time{}, false, nil
	}
	return e.CreatedTime(), true, nil
}

// expirationFor resolves the optional expiration argument of Insert.
func (c *Cache) expirationFor(expiration []time.Time) int64 {
	if len(expiration) > 0 && !expiration[0].IsZero() {
		return expiration[0].UnixMilli()
	}
	if c.defaultTTL > 0 {
		return time.Now().Add(c.defaultTTL).UnixMilli()
	}
	return store.NeverExpires
}
