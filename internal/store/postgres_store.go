package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailrails/internal/amount"
	"mailrails/internal/models"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists transfers and ledger rows in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    wallet_address TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transfers (
    id TEXT PRIMARY KEY,
    sender_user_id TEXT NOT NULL,
    sender_email TEXT NOT NULL,
    sender_address TEXT NOT NULL DEFAULT '',
    recipient_email TEXT NOT NULL,
    amount_units BIGINT NOT NULL CHECK (amount_units > 0),
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    deposit_tx_hash TEXT NOT NULL DEFAULT '',
    claimant_user_id TEXT NOT NULL DEFAULT '',
    release_tx_hash TEXT NOT NULL DEFAULT '',
    expiry_date TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_sender_status ON transfers (sender_user_id, status);
CREATE INDEX IF NOT EXISTS idx_transfers_status_expiry ON transfers (status, expiry_date);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_direct_tx_hash ON transfers (tx_hash) WHERE type = 'direct' AND tx_hash <> '';

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    user_email TEXT NOT NULL,
    type TEXT NOT NULL,
    counterparty_email TEXT NOT NULL,
    amount TEXT NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    transfer_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_owner ON transactions (user_email, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_transfer_type ON transactions (transfer_id, type) WHERE transfer_id <> '';
`

const transferColumns = `id, sender_user_id, sender_email, sender_address, recipient_email, amount_units, type, status,
tx_hash, deposit_tx_hash, claimant_user_id, release_tx_hash, expiry_date, created_at, updated_at`

const transactionColumns = `id, user_id, user_email, type, counterparty_email, amount, tx_hash, transfer_id, status, created_at, updated_at`

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist.
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

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Pool exposes the connection pool to components sharing the database.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*models.Transfer, error) {
	var (
		t     models.Transfer
		units int64
		typ   string
		state string
	)
	err := row.Scan(&t.ID, &t.SenderUserID, &t.SenderEmail, &t.SenderAddress, &t.RecipientEmail, &units, &typ, &state,
		&t.TxHash, &t.DepositTxHash, &t.ClaimantUserID, &t.ReleaseTxHash, &t.ExpiryDate, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Amount = amount.Amount(units)
	t.Type = models.TransferType(typ)
	t.Status = models.TransferStatus(state)
	return &t, nil
}

func scanTransaction(row scanner) (models.Transaction, error) {
	var (
		tx    models.Transaction
		typ   string
		state string
	)
	err := row.Scan(&tx.ID, &tx.UserID, &tx.UserEmail, &typ, &tx.CounterpartyEmail, &tx.Amount, &tx.TxHash,
		&tx.TransferID, &state, &tx.CreatedAt, &tx.UpdatedAt)
	tx.Type = models.TransactionType(typ)
	tx.Status = models.TransactionStatus(state)
	return tx, err
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return p.getUser(ctx, `SELECT id, email, wallet_address, created_at FROM users WHERE lower(email) = $1`, models.NormalizeEmail(email))
}

func (p *PostgresStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return p.getUser(ctx, `SELECT id, email, wallet_address, created_at FROM users WHERE id = $1`, id)
}

func (p *PostgresStore) getUser(ctx context.Context, query, arg string) (*models.User, error) {
	var u models.User
	if err := p.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.WalletAddress, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) CreateTransfer(ctx context.Context, t *models.Transfer) error {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO transfers (`+transferColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING
`, transferArgs(t)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transfer %s already exists", ErrConflict, t.ID)
	}
	return nil
}

func transferArgs(t *models.Transfer) []any {
	return []any{t.ID, t.SenderUserID, models.NormalizeEmail(t.SenderEmail), t.SenderAddress, models.NormalizeEmail(t.RecipientEmail),
		t.Amount.Units(), string(t.Type), string(t.Status), t.TxHash, t.DepositTxHash, t.ClaimantUserID, t.ReleaseTxHash,
		t.ExpiryDate, t.CreatedAt, t.UpdatedAt}
}

func (p *PostgresStore) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	return scanTransfer(p.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
}

func (p *PostgresStore) ConfirmDeposit(ctx context.Context, id, txHash string) (*models.Transfer, error) {
	t, err := scanTransfer(p.pool.QueryRow(ctx, `
UPDATE transfers
SET deposit_tx_hash = $2,
    tx_hash = CASE WHEN tx_hash = '' THEN $2 ELSE tx_hash END,
    updated_at = $3
WHERE id = $1 AND deposit_tx_hash = ''
RETURNING `+transferColumns, id, txHash, p.now()))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	current, err := p.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.DepositTxHash == txHash {
		return current, nil
	}
	return nil, fmt.Errorf("%w: transfer %s already has deposit %s", ErrConflict, id, current.DepositTxHash)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to models.TransferStatus, patch TransferPatch) (*models.Transfer, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s is not a valid transition", ErrConflict, from, to)
	}
	return p.transition(ctx, p.pool, id, from, to, patch)
}

func (p *PostgresStore) NoteSettlementTx(ctx context.Context, id string, status models.TransferStatus, txHash string) (*models.Transfer, error) {
	t, err := scanTransfer(p.pool.QueryRow(ctx, `
UPDATE transfers
SET release_tx_hash = $3, updated_at = $4
WHERE id = $1 AND status = $2
RETURNING `+transferColumns, id, string(status), txHash, p.now()))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	current, err := p.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &TransitionError{TransferID: id, Expected: status, Actual: current.Status}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *PostgresStore) transition(ctx context.Context, q querier, id string, from, to models.TransferStatus, patch TransferPatch) (*models.Transfer, error) {
	t, err := scanTransfer(q.QueryRow(ctx, `
UPDATE transfers
SET status = $3,
    updated_at = $4,
    tx_hash = CASE WHEN $5 = '' THEN tx_hash ELSE $5 END,
    claimant_user_id = CASE WHEN $6 = '' THEN claimant_user_id ELSE $6 END,
    release_tx_hash = CASE WHEN $7 = '' THEN release_tx_hash ELSE $7 END
WHERE id = $1 AND status = $2
RETURNING `+transferColumns, id, string(from), string(to), p.now(), patch.TxHash, patch.ClaimantUserID, patch.ReleaseTxHash))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	current, err := scanTransfer(q.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return nil, &TransitionError{TransferID: id, Expected: from, Actual: current.Status}
}

func (p *PostgresStore) ListActiveEscrow(ctx context.Context, senderUserID string) ([]models.Transfer, error) {
	return p.queryTransfers(ctx, `
SELECT `+transferColumns+` FROM transfers
WHERE sender_user_id = $1 AND type = $2 AND status IN ($3, $4)
ORDER BY created_at DESC
`, senderUserID, string(models.TransferEscrow), string(models.StatusPending), string(models.StatusUnclaimed))
}

func (p *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryTransfers(ctx, `
SELECT `+transferColumns+` FROM transfers
WHERE type = $1 AND status = $2 AND expiry_date IS NOT NULL AND expiry_date < $3
ORDER BY expiry_date
LIMIT $4
`, string(models.TransferEscrow), string(models.StatusPending), now, limit)
}

func (p *PostgresStore) queryTransfers(ctx context.Context, query string, args ...any) ([]models.Transfer, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const insertTransactionSQL = `
INSERT INTO transactions (` + transactionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT DO NOTHING
`

func transactionArgs(row *models.Transaction) []any {
	return []any{row.ID, row.UserID, models.NormalizeEmail(row.UserEmail), string(row.Type), row.CounterpartyEmail, row.Amount,
		row.TxHash, row.TransferID, string(row.Status), row.CreatedAt, row.UpdatedAt}
}

func (p *PostgresStore) RecordSent(ctx context.Context, row *models.Transaction) error {
	_, err := p.pool.Exec(ctx, insertTransactionSQL, transactionArgs(row)...)
	return err
}

func (p *PostgresStore) RecordDirect(ctx context.Context, t *models.Transfer, rows []models.Transaction) (*models.Transfer, error) {
	var out *models.Transfer
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		existing, err := scanTransfer(tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, t.ID))
		if errors.Is(err, ErrNotFound) {
			if _, err := tx.Exec(ctx, `INSERT INTO transfers (`+transferColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, transferArgs(t)...); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: tx %s already recorded for another transfer", ErrConflict, t.TxHash)
				}
				return err
			}
			for i := range rows {
				if _, err := tx.Exec(ctx, insertTransactionSQL, transactionArgs(&rows[i])...); err != nil {
					return err
				}
			}
			copied := *t
			out = &copied
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Type != models.TransferDirect || existing.TxHash != t.TxHash {
			return fmt.Errorf("%w: transfer %s already recorded with a different hash", ErrConflict, t.ID)
		}
		if existing.Status == t.Status || !models.CanTransition(existing.Status, t.Status) {
			out = existing
			return nil
		}
		updated, err := p.transition(ctx, tx, t.ID, existing.Status, t.Status, TransferPatch{})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE transactions SET status = $2, updated_at = $3
WHERE transfer_id = $1 AND status = $4
`, t.ID, string(models.LedgerStatus(t.Status)), p.now(), string(models.TxPending)); err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

func (p *PostgresStore) MarkClaimed(ctx context.Context, c Claim) (*models.Transfer, error) {
	var out *models.Transfer
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		current, err := scanTransfer(tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, c.TransferID))
		if err != nil {
			return err
		}
		if current.Status == models.StatusClaimed {
			if current.ReleaseTxHash == c.ReleaseTxHash {
				out = current
				return nil
			}
			return fmt.Errorf("%w: transfer %s already claimed by %s", ErrConflict, c.TransferID, current.ReleaseTxHash)
		}
		t, err := p.transition(ctx, tx, c.TransferID, models.StatusReleasing, models.StatusClaimed, TransferPatch{
			TxHash:         c.ReleaseTxHash,
			ClaimantUserID: c.ClaimantUserID,
			ReleaseTxHash:  c.ReleaseTxHash,
		})
		if err != nil {
			return err
		}
		received := models.ReceivedRow(t, c.ClaimantUserID, c.ClaimantEmail, models.TxConfirmed, c.ReleaseTxHash, c.Now)
		if _, err := tx.Exec(ctx, insertTransactionSQL, transactionArgs(&received)...); err != nil {
			return err
		}
		if err := flipSent(ctx, tx, t, models.TxConfirmed, c.ReleaseTxHash, c.Now); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, from models.TransferStatus) (*models.Transfer, error) {
	var out *models.Transfer
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		current, err := scanTransfer(tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if current.Status == models.StatusFailed {
			out = current
			return nil
		}
		if !models.CanTransition(from, models.StatusFailed) {
			return fmt.Errorf("%w: %s -> failed is not a valid transition", ErrConflict, from)
		}
		t, err := p.transition(ctx, tx, id, from, models.StatusFailed, TransferPatch{})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE transactions SET status = $2, updated_at = $3
WHERE transfer_id = $1 AND status = $4
`, id, string(models.TxFailed), t.UpdatedAt, string(models.TxPending)); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, r Refund) (*models.Transfer, error) {
	var out *models.Transfer
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		current, err := scanTransfer(tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, r.TransferID))
		if err != nil {
			return err
		}
		if current.Status == models.StatusRefunded {
			if current.TxHash == r.RefundTxHash {
				out = current
				return nil
			}
			return fmt.Errorf("%w: transfer %s already refunded by %s", ErrConflict, r.TransferID, current.TxHash)
		}
		t, err := p.transition(ctx, tx, r.TransferID, models.StatusRefunding, models.StatusRefunded, TransferPatch{TxHash: r.RefundTxHash})
		if err != nil {
			return err
		}
		refund := models.RefundRow(t, r.RefundTxHash, r.Now)
		if _, err := tx.Exec(ctx, insertTransactionSQL, transactionArgs(&refund)...); err != nil {
			return err
		}
		if err := flipSent(ctx, tx, t, models.TxRefunded, "", r.Now); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// flipSent updates the sender's sent row in place, inserting it only when the deposit was never confirmed.
func flipSent(ctx context.Context, tx pgx.Tx, t *models.Transfer, status models.TransactionStatus, txHash string, now time.Time) error {
	tag, err := tx.Exec(ctx, `
UPDATE transactions
SET status = $3,
    tx_hash = CASE WHEN $4 = '' THEN tx_hash ELSE $4 END,
    updated_at = $5
WHERE transfer_id = $1 AND type = $2 AND status = 'pending'
`, t.ID, string(models.TxSent), string(status), txHash, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	hash := txHash
	if hash == "" {
		hash = t.DepositTxHash
	}
	sent := models.SentRow(t, status, hash, now)
	_, err = tx.Exec(ctx, insertTransactionSQL, transactionArgs(&sent)...)
	return err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, f models.TransactionFilter) (models.TransactionPage, error) {
	where := []string{"user_email = $1"}
	args := []any{models.NormalizeEmail(f.OwnerEmail)}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+escapeLike(strings.ToLower(s))+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(lower(counterparty_email) LIKE $%d OR lower(tx_hash) LIKE $%d OR lower(transfer_id) LIKE $%d)", n, n, n))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit+1, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		transactionColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return models.TransactionPage{}, err
	}
	defer rows.Close()

	page := models.TransactionPage{Transactions: []models.Transaction{}}
	for rows.Next() {
		row, err := scanTransaction(rows)
		if err != nil {
			return models.TransactionPage{}, err
		}
		page.Transactions = append(page.Transactions, row)
	}
	if err := rows.Err(); err != nil {
		return models.TransactionPage{}, err
	}
	if len(page.Transactions) > limit {
		page.Transactions = page.Transactions[:limit]
		page.HasMore = true
	}
	return page, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (p *PostgresStore) TransactionsForTransfer(ctx context.Context, transferID string) ([]models.Transaction, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transfer_id = $1 ORDER BY created_at`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		row, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
