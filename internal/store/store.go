// Package store persists transfers, ledger rows, and the read-only user directory.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailrails/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// TransitionError is returned when a compare-and-swap finds a status other than the expected one.
type TransitionError struct {
	TransferID string
	Expected   models.TransferStatus
	Actual     models.TransferStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transfer %s: expected status %s, found %s", e.TransferID, e.Expected, e.Actual)
}

func (e *TransitionError) Is(target error) bool { return target == ErrConflict }

// Transfers is the pending transfer store.
type Transfers interface {
	// CreateTransfer inserts a new record. A duplicate id fails with ErrConflict and leaves the existing row untouched.
	CreateTransfer(ctx context.Context, t *models.Transfer) error
	GetTransfer(ctx context.Context, id string) (*models.Transfer, error)
	// ConfirmDeposit attaches the deposit hash without changing status. Repeating the same hash is a no-op.
	ConfirmDeposit(ctx context.Context, id, txHash string) (*models.Transfer, error)
	// Transition moves id from `from` to `to`, failing with *TransitionError when the current status differs.
	Transition(ctx context.Context, id string, from, to models.TransferStatus, patch TransferPatch) (*models.Transfer, error)
	// NoteSettlementTx records the hash of a relayer release or refund whose outcome is not yet
	// known, provided the transfer is still in status.
	NoteSettlementTx(ctx context.Context, id string, status models.TransferStatus, txHash string) (*models.Transfer, error)
	ListActiveEscrow(ctx context.Context, senderUserID string) ([]models.Transfer, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Transfer, error)
}

// TransferPatch holds optional fields written together with a transition.
type TransferPatch struct {
	TxHash         string
	ClaimantUserID string
	ReleaseTxHash  string
}

// Ledger is the per-user transaction history.
type Ledger interface {
	ListTransactions(ctx context.Context, f models.TransactionFilter) (models.TransactionPage, error)
	TransactionsForTransfer(ctx context.Context, transferID string) ([]models.Transaction, error)
}

// Users is the directory maintained by the profile service.
type Users interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Claim is everything written when a release lands on-chain.
type Claim struct {
	TransferID     string
	ReleaseTxHash  string
	ClaimantUserID string
	ClaimantEmail  string
	Now            time.Time
}

// Refund is everything written when an expired deposit is returned.
type Refund struct {
	TransferID   string
	RefundTxHash string
	Now          time.Time
}

// Store combines the engine's persistence. The Mark* methods are atomic: the
// transfer status and its ledger rows change together or not at all.
type Store interface {
	Transfers
	Ledger
	Users

	// RecordSent writes the sender's sent row for a transfer if it does not exist yet.
	RecordSent(ctx context.Context, tx *models.Transaction) error
	// RecordDirect stores a direct transfer together with its ledger rows. Re-recording the same
	// transfer with the same hash only refreshes status.
	RecordDirect(ctx context.Context, t *models.Transfer, rows []models.Transaction) (*models.Transfer, error)
	// MarkClaimed moves releasing -> claimed, appends the claimant's received row and flips the
	// sender's sent row to confirmed. Same hash twice is a no-op; a different hash is ErrConflict.
	MarkClaimed(ctx context.Context, c Claim) (*models.Transfer, error)
	// MarkFailed moves a non-terminal transfer to failed; already failed is a no-op.
	MarkFailed(ctx context.Context, id string, from models.TransferStatus) (*models.Transfer, error)
	// MarkRefunded moves refunding -> refunded, appends a refund row and flips the sent row to refunded.
	MarkRefunded(ctx context.Context, r Refund) (*models.Transfer, error)

	Ping(ctx context.Context) error
	Close()
}
