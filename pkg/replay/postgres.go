package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps replay state in the replay_nonces table created by
// migrations/001_replay_nonces.sql.
type PostgresStore struct {
	DB  pgDB
	Now func() time.Time
}

func NewPostgresStore(db pgDB) *PostgresStore {
	return &PostgresStore{DB: db, Now: time.Now}
}

const pgSeenSQL = `
INSERT INTO replay_nonces (hash, expires_at) VALUES ($1, $2)
ON CONFLICT (hash) DO UPDATE SET expires_at = EXCLUDED.expires_at
WHERE replay_nonces.expires_at <= $3
RETURNING hash`

func (p *PostgresStore) Seen(ctx context.Context, rc Context) (bool, error) {
	if err := validate(rc); err != nil {
		return false, err
	}
	if p.DB == nil {
		return false, errors.New("replay: postgres not configured")
	}
	now := p.now()
	var hash string
	err := p.DB.QueryRow(ctx, pgSeenSQL, rc.Key(), now.Add(rc.ttl()), now).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("replay upsert: %w", err)
	}
	return false, nil
}

// Purge deletes expired rows. Seen never depends on it having run.
func (p *PostgresStore) Purge(ctx context.Context) (int64, error) {
	if p.DB == nil {
		return 0, errors.New("replay: postgres not configured")
	}
	tag, err := p.DB.Exec(ctx, `DELETE FROM replay_nonces WHERE expires_at <= $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("replay purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}
