package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable single-node store. Writes are serialized through
// one connection so check-and-insert stays atomic.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS replay_nonces (
	hash TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
)`

const sqliteSeenSQL = `INSERT INTO replay_nonces (hash, expires_at) VALUES (?, ?)
ON CONFLICT (hash) DO UPDATE SET expires_at = excluded.expires_at
WHERE replay_nonces.expires_at <= ?
RETURNING hash`

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("replay: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create replay_nonces: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Seen(ctx context.Context, rc Context) (bool, error) {
	if err := validate(rc); err != nil {
		return false, err
	}
	now := s.now()
	var hash string
	err := s.db.QueryRowContext(ctx, sqliteSeenSQL, rc.Key(), now.Add(rc.ttl()).UnixMilli(), now.UnixMilli()).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("replay upsert: %w", err)
	}
	return false, nil
}

func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replay_nonces WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("replay purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
