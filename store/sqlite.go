package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS hash_fields (
	key TEXT NOT NULL,
	field TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS hash_expiry (
	key TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hash_expiry_expires_at ON hash_expiry(expires_at);
CREATE TABLE IF NOT EXISTS set_members (
	name TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (name, member)
);
`

type sqliteStore struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*sqliteStore)(nil)

// NewSQLite returns a Store backed by SQLite.
// If dbPath is empty or ":memory:", an in-memory database is used.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Store, error) {
	cfg := applyOptions(opts)
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, unavailable(err, "open")
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, unavailable(err, "enable wal")
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, unavailable(err, "create schema")
	}

	childCtx, cancel := context.WithCancel(ctx)
	s := &sqliteStore{
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
		cfg:    cfg,
	}
	if s.cfg.expiryCheck <= 0 {
		s.cfg.expiryCheck = time.Minute
	}
	s.waitGroup.Add(1)
	go s.run()
	return s, nil
}

func (s *sqliteStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *sqliteStore) now() int64 {
	return s.cfg.now().UnixNano()
}

// dropExpired removes key if its TTL has passed, so a later write starts a
// fresh hash without an expiry, as Redis does.
func dropExpired(ctx context.Context, tx *sql.Tx, key string, now int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM hash_fields WHERE key = ? AND EXISTS (SELECT 1 FROM hash_expiry WHERE key = ? AND expires_at <= ?)`,
		key, key, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM hash_expiry WHERE key = ? AND expires_at <= ?`, key, now)
	return err
}

func (s *sqliteStore) HashSet(ctx context.Context, key, field string, value []byte) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return unavailable(err, "hset")
	}
	defer tx.Rollback()
	if err := dropExpired(qctx, tx, key, s.now()); err != nil {
		return unavailable(err, "hset")
	}
	if _, err := tx.ExecContext(qctx,
		`INSERT INTO hash_fields (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`,
		key, field, value); err != nil {
		return unavailable(err, "hset")
	}
	return unavailable(tx.Commit(), "hset")
}

const liveFieldQuery = `SELECT f.value FROM hash_fields f
	LEFT JOIN hash_expiry e ON e.key = f.key
	WHERE f.key = ? AND f.field = ? AND (e.expires_at IS NULL OR e.expires_at > ?)`

func (s *sqliteStore) HashGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var data []byte
	err := s.db.QueryRowContext(qctx, liveFieldQuery, key, field, s.now()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "hget")
	}
	return data, true, nil
}

func (s *sqliteStore) HashExists(ctx context.Context, key, field string) (bool, error) {
	_, ok, err := s.HashGet(ctx, key, field)
	return ok, err
}

func (s *sqliteStore) ExpireIfUnset(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	now := s.now()
	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return false, unavailable(err, "expire")
	}
	defer tx.Rollback()
	if err := dropExpired(qctx, tx, key, now); err != nil {
		return false, unavailable(err, "expire")
	}
	res, err := tx.ExecContext(qctx,
		`INSERT OR IGNORE INTO hash_expiry (key, expires_at)
		SELECT ?, ? WHERE EXISTS (SELECT 1 FROM hash_fields WHERE key = ?)`,
		key, now+ttl.Nanoseconds(), key)
	if err != nil {
		return false, unavailable(err, "expire")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "expire")
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable(err, "expire")
	}
	return n == 1, nil
}

func (s *sqliteStore) HashSetExpireIfUnset(ctx context.Context, key, field string, value []byte, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	now := s.now()
	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return false, unavailable(err, "hset+expire")
	}
	defer tx.Rollback()
	if err := dropExpired(qctx, tx, key, now); err != nil {
		return false, unavailable(err, "hset+expire")
	}
	if _, err := tx.ExecContext(qctx,
		`INSERT INTO hash_fields (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`,
		key, field, value); err != nil {
		return false, unavailable(err, "hset+expire")
	}
	res, err := tx.ExecContext(qctx,
		`INSERT OR IGNORE INTO hash_expiry (key, expires_at) VALUES (?, ?)`,
		key, now+ttl.Nanoseconds())
	if err != nil {
		return false, unavailable(err, "hset+expire")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "hset+expire")
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable(err, "hset+expire")
	}
	return n == 1, nil
}

func (s *sqliteStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	now := s.now()
	var expiresAt int64
	err := s.db.QueryRowContext(qctx,
		`SELECT expires_at FROM hash_expiry WHERE key = ? AND expires_at > ?
		AND EXISTS (SELECT 1 FROM hash_fields WHERE key = ?)`, key, now, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable(err, "ttl")
	}
	return time.Duration(expiresAt - now), true, nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return unavailable(err, "del")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(qctx, `DELETE FROM hash_fields WHERE key = ?`, key); err != nil {
		return unavailable(err, "del")
	}
	if _, err := tx.ExecContext(qctx, `DELETE FROM hash_expiry WHERE key = ?`, key); err != nil {
		return unavailable(err, "del")
	}
	return unavailable(tx.Commit(), "del")
}

func (s *sqliteStore) SetAdd(ctx context.Context, set, member string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `INSERT OR IGNORE INTO set_members (name, member) VALUES (?, ?)`, set, member)
	return unavailable(err, "sadd")
}

func (s *sqliteStore) SetContains(ctx context.Context, set, member string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(qctx, `SELECT 1 FROM set_members WHERE name = ? AND member = ?`, set, member).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err, "sismember")
	}
	return true, nil
}

func (s *sqliteStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx, `SELECT member FROM set_members WHERE name = ? ORDER BY member`, set)
	if err != nil {
		return nil, unavailable(err, "smembers")
	}
	defer rows.Close()
	members := make([]string, 0)
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, unavailable(err, "smembers")
		}
		members = append(members, m)
	}
	return members, unavailable(rows.Err(), "smembers")
}

func (s *sqliteStore) SetRemove(ctx context.Context, set, member string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `DELETE FROM set_members WHERE name = ? AND member = ?`, set, member)
	return unavailable(err, "srem")
}

func (s *sqliteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *sqliteStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *sqliteStore) sweep() {
	ctx, cancel := s.queryCtx(s.ctx)
	defer cancel()
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM hash_fields WHERE key IN (SELECT key FROM hash_expiry WHERE expires_at <= ?)`, now); err != nil {
		return
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM hash_expiry WHERE expires_at <= ?`, now); err != nil {
		return
	}
	_ = tx.Commit()
}
