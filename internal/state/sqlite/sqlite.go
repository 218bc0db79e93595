// Package sqlite implements the state contract on a local SQLite
// database. Leases and KV TTLs are enforced with single-statement
// compare-and-set queries, so multiple processes sharing one database
// file get the same atomicity guarantees as the in-memory backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "modernc.org/sqlite"

	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/state"
)

// Store is a SQLite-backed state store. Safe for concurrent use.
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// New creates a store for the database at path. Use ":memory:" for an
// in-memory database (useful for testing). The database is opened on
// Connect.
func New(path string) *Store {
	return &Store{path: path}
}

// Connect opens the database and runs migrations. Idempotent; concurrent
// callers coalesce onto the first successful open.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	dsn := s.path
	if s.path != ":memory:" {
		dsn = s.path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate database: %w", err)
	}

	s.db = db
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("sqlite state store not connected")
	}
	return s.db, nil
}

func (s *Store) Subscribe(ctx context.Context, threadID string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO subscriptions (thread_id, adapter, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO NOTHING`,
		threadID, chat.AdapterOf(threadID), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", threadID, err)
	}
	return nil
}

func (s *Store) Unsubscribe(ctx context.Context, threadID string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM subscriptions WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", threadID, err)
	}
	return nil
}

func (s *Store) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE thread_id = ?`, threadID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query subscription %s: %w", threadID, err)
	}
	return true, nil
}

func (s *Store) Subscriptions(ctx context.Context, adapterName string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		db, err := s.conn()
		if err != nil {
			yield("", err)
			return
		}

		var rows *sql.Rows
		if adapterName == "" {
			rows, err = db.QueryContext(ctx, `SELECT thread_id FROM subscriptions`)
		} else {
			rows, err = db.QueryContext(ctx, `SELECT thread_id FROM subscriptions WHERE adapter = ?`, adapterName)
		}
		if err != nil {
			yield("", fmt.Errorf("list subscriptions: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				yield("", fmt.Errorf("scan subscription: %w", err))
				return
			}
			if !yield(id, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", fmt.Errorf("iterate subscriptions: %w", err))
		}
	}
}

func (s *Store) AcquireLease(ctx context.Context, threadID string, ttl time.Duration) (*state.Lease, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	token, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate lease token: %w", err)
	}
	now := time.Now()
	expires := now.Add(ttl)

	// Single upsert: wins only when no row exists or the stored lease
	// has expired. The WHERE clause makes the acquire atomic.
	res, err := db.ExecContext(ctx,
		`INSERT INTO leases (thread_id, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE
		 SET token = excluded.token, expires_at = excluded.expires_at
		 WHERE leases.expires_at <= ?`,
		threadID, token, expires.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", threadID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", threadID, err)
	}
	if rows == 0 {
		return nil, nil // live lease held elsewhere
	}
	return &state.Lease{ThreadID: threadID, Token: token, ExpiresAt: expires}, nil
}

func (s *Store) ReleaseLease(ctx context.Context, lease *state.Lease) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	// Token-matched delete: a stale holder cannot clobber a newer lease.
	if _, err := db.ExecContext(ctx,
		`DELETE FROM leases WHERE thread_id = ? AND token = ?`,
		lease.ThreadID, lease.Token); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.ThreadID, err)
	}
	return nil
}

func (s *Store) ExtendLease(ctx context.Context, lease *state.Lease, ttl time.Duration) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	now := time.Now()
	expires := now.Add(ttl)
	res, err := db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE thread_id = ? AND token = ? AND expires_at > ?`,
		expires.UnixMilli(), lease.ThreadID, lease.Token, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", lease.ThreadID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", lease.ThreadID, err)
	}
	if rows == 0 {
		return false, nil
	}
	lease.ExpiresAt = expires
	return true, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var (
		value       []byte
		compression string
		expiresAt   int64
	)
	err = db.QueryRowContext(ctx,
		`SELECT value, compression, expires_at FROM kv WHERE key = ?`, key).
		Scan(&value, &compression, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if expiresAt != 0 && expiresAt <= time.Now().UnixMilli() {
		// Expired. Collect lazily; absence is what callers observe.
		_, _ = db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expires_at = ?`, key, expiresAt)
		return nil, nil
	}
	return decodeValue(value, compression)
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}
	encoded, compression := encodeValue(value)
	if _, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, compression, expires_at) VALUES (?, ?, ?, ?)`,
		key, encoded, compression, expiresAt); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
