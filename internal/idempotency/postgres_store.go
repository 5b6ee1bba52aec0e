package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps replay records next to the transfer tables.
type PostgresStore struct {
	pool *pgxpool.Pool
	own  bool
	now  func() time.Time
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key          TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL,
    status_code  INT NOT NULL,
    response     BYTEA NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_records_expires_at ON idempotency_records (expires_at);
`

// NewPostgresStore opens its own pool; Close releases it.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p, err := NewPostgresStoreFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p.own = true
	return p, nil
}

// NewPostgresStoreFromPool shares the transfer store's pool; Close leaves it open.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, idempotencySchema); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.own && p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT request_hash, status_code, response, created_at, expires_at
FROM idempotency_records
WHERE key = $1 AND expires_at > $2
`, key, p.now()).Scan(&rec.RequestHash, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save completes a reservation; a live completed record is kept.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records AS r (key, request_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
    status_code  = EXCLUDED.status_code,
    response     = EXCLUDED.response,
    created_at   = EXCLUDED.created_at,
    expires_at   = EXCLUDED.expires_at
WHERE r.status_code = 0 OR r.expires_at <= EXCLUDED.created_at
`, key, record.RequestHash, record.StatusCode, nonNil(record.Response), record.CreatedAt, record.ExpiresAt)
	return err
}

// Reserve claims key with a pending row in one statement; a live row wins and is returned.
func (p *PostgresStore) Reserve(ctx context.Context, key string, placeholder Record) (*Record, error) {
	now := p.now()
	var reserved string
	err := p.pool.QueryRow(ctx, `
INSERT INTO idempotency_records AS r (key, request_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, 0, $3, $4, $5)
ON CONFLICT (key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
    status_code  = 0,
    response     = EXCLUDED.response,
    created_at   = EXCLUDED.created_at,
    expires_at   = EXCLUDED.expires_at
WHERE r.expires_at <= $6
RETURNING key
`, key, placeholder.RequestHash, []byte{}, placeholder.CreatedAt, placeholder.ExpiresAt, now).Scan(&reserved)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	existing, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("idempotency key %s changed during reservation", key)
	}
	return existing, nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND status_code = 0`, key)
	return err
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Purge deletes records that expired before cutoff and reports how many went.
func (p *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
