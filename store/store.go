package store

import (
	"context"
	"database/sql"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// NeverExpires is the expiration sentinel meaning the entry is not subject
// to vacuuming. Stored verbatim in the expiration column.
const NeverExpires = int64(math.MaxInt64)

// ErrNotConfigured is returned when the store is used before a database
// path has been supplied.
var ErrNotConfigured = errors.New("store: database path not configured")

// Entry is the single persisted record: one value under one key, together
// with the tag of the logical type it was stored as. Timestamps are Unix
// milliseconds; Expiration holds NeverExpires when no TTL was given.
type Entry struct {
	Key        string
	TypeTag    string
	Payload    []byte
	CreatedAt  int64
	Expiration int64
}

// CreatedTime returns CreatedAt as a time.Time.
func (e *Entry) CreatedTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// Querier is the read/write surface of the store. Both the shared
// connection and a transaction started with WithTx implement it, so the
// same operation code runs in either mode.
type Querier interface {
	// FindByKey returns the entry for key, or nil when absent.
	FindByKey(ctx context.Context, key string) (*Entry, error)
	// InsertOrReplace upserts the entry. Returns the rows affected (0 or 1).
	InsertOrReplace(ctx context.Context, e *Entry) (int64, error)
	// Delete removes the entry with e.Key. Returns the rows affected.
	Delete(ctx context.Context, e *Entry) (int64, error)
	// QueryByTag returns every entry whose type tag equals tag.
	QueryByTag(ctx context.Context, tag string) ([]Entry, error)
	// Keys returns every key currently present. Best effort with respect
	// to concurrent mutation.
	Keys(ctx context.Context) ([]string, error)
	// ExecRaw executes an arbitrary statement and returns the rows affected.
	ExecRaw(ctx context.Context, stmt string, args ...any) (int64, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		type_tag TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expiration INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_type_tag ON entries(type_tag)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_expiration ON entries(expiration)`,
}

// Store owns one SQLite connection pool for the process. The connection is
// opened lazily on first use and shared until Close; Close resets the store
// so the next call reopens it.
type Store struct {
	path string
	log  *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New returns a Store for the SQLite database at path. The database is not
// opened until the first operation. Use ":memory:" for an in-memory store;
// an empty path fails ErrNotConfigured on first use.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// conn returns the shared connection, opening it and ensuring the schema
// on first use.
func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	if s.path == "" {
		return nil, ErrNotConfigured
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", s.path)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent
	// writes; SQLite serializes them internally anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: enable WAL")
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "store: create schema")
		}
	}
	s.log.Debug("store opened", zap.String("path", s.path))
	s.db = db
	return db, nil
}

// EnsureSchema opens the connection if needed and creates the entries table
// and its indexes when absent. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "store: ensure schema")
		}
	}
	return nil
}

// Close tears down the shared connection. The store remains usable: the
// next operation reopens lazily. Safe to call on an already-closed store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.log.Debug("store closed", zap.String("path", s.path))
	return errors.Wrap(err, "store: close")
}

// WithTx runs fn against a single transaction. A nil return commits; any
// error rolls the whole transaction back and is returned.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: begin transaction")
	}
	if err := fn(queries{tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "store: commit transaction")
}

func (s *Store) FindByKey(ctx context.Context, key string) (*Entry, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return queries{db}.FindByKey(ctx, key)
}

func (s *Store) InsertOrReplace(ctx context.Context, e *Entry) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return queries{db}.InsertOrReplace(ctx, e)
}

func (s *Store) Delete(ctx context.Context, e *Entry) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return queries{db}.Delete(ctx, e)
}

func (s *Store) QueryByTag(ctx context.Context, tag string) ([]Entry, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return queries{db}.QueryByTag(ctx, tag)
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return queries{db}.Keys(ctx)
}

func (s *Store) ExecRaw(ctx context.Context, stmt string, args ...any) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return queries{db}.ExecRaw(ctx, stmt, args...)
}

var _ Querier = (*Store)(nil)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Querier over either the shared connection or a
// transaction.
type queries struct {
	db dbtx
}

var _ Querier = queries{}

func (q queries) FindByKey(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	err := q.db.QueryRowContext(ctx,
		`SELECT key, type_tag, payload, created_at, expiration FROM entries WHERE key = ?`, key,
	).Scan(&e.Key, &e.TypeTag, &e.Payload, &e.CreatedAt, &e.Expiration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "store: find %q", key)
	}
	return &e, nil
}

func (q queries) InsertOrReplace(ctx context.Context, e *Entry) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO entries (key, type_tag, payload, created_at, expiration) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			type_tag = excluded.type_tag,
			payload = excluded.payload,
			created_at = excluded.created_at,
			expiration = excluded.expiration`,
		e.Key, e.TypeTag, e.Payload, e.CreatedAt, e.Expiration,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "store: upsert %q", e.Key)
	}
	return res.RowsAffected()
}

func (q queries) Delete(ctx context.Context, e *Entry) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, e.Key)
	if err != nil {
		return 0, errors.Wrapf(err, "store: delete %q", e.Key)
	}
	return res.RowsAffected()
}

func (q queries) QueryByTag(ctx context.Context, tag string) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT key, type_tag, payload, created_at, expiration FROM entries WHERE type_tag = ?`, tag,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "store: query tag %q", tag)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.TypeTag, &e.Payload, &e.CreatedAt, &e.Expiration); err != nil {
			return nil, errors.Wrap(err, "store: scan entry")
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "store: iterate entries")
}

func (q queries) Keys(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT key FROM entries`)
	if err != nil {
		return nil, errors.Wrap(err, "store: query keys")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "store: scan key")
		}
		keys = append(keys, key)
	}
	return keys, errors.Wrap(rows.Err(), "store: iterate keys")
}

func (q queries) ExecRaw(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "store: exec %q", stmt)
	}
	return res.RowsAffected()
}
