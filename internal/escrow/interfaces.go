package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mailrails/internal/contracts"
	"mailrails/internal/relayer"
)

// TokenReader reads a sender's stablecoin position.
type TokenReader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// Client abstracts the on-chain escrow interaction. Writes are signed by the relayer.
type Client interface {
	Release(ctx context.Context, req ReleaseRequest) (SubmitResponse, error)
	Refund(ctx context.Context, req RefundRequest) (SubmitResponse, error)
	Deposit(ctx context.Context, transferID string) (Deposit, error)
	ReceiptStatus(ctx context.Context, txHash string) (ReceiptStatus, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type ReleaseRequest struct {
	TransferID     string
	RecipientEmail string
	Recipient      common.Address
}

type RefundRequest struct {
	TransferID string
}

type SubmitResponse struct {
	TxHash string
}

type Deposit struct {
	Sender    common.Address
	Amount    *big.Int
	EmailHash common.Hash
	ExpiresAt time.Time
	State     contracts.DepositState
}

type ReceiptStatus int

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptSuccess
	ReceiptFailed
)

var (
	ErrEmailHashMismatch = errors.New("escrow rejected email hash")
	ErrAlreadyReleased   = errors.New("escrow deposit already released")
	ErrDepositNotFound   = errors.New("escrow deposit not found")
	ErrNotExpired        = errors.New("escrow deposit not expired")
)

var revertReasons = []struct {
	reason string
	err    error
}{
	{"EmailHashMismatch", ErrEmailHashMismatch},
	{"AlreadyReleased", ErrAlreadyReleased},
	{"DepositNotFound", ErrDepositNotFound},
	{"NotExpired", ErrNotExpired},
}

// classify maps a relayer revert onto the escrow's named revert reasons. The
// node's revert data is decoded first; nodes that only report a message fall
// back to matching the reason name in it.
func classify(err error) error {
	if err == nil || !errors.Is(err, relayer.ErrReverted) {
		return err
	}
	if reason, ok := contracts.RevertReason(relayer.RevertData(err)); ok {
		for _, r := range revertReasons {
			if reason == r.reason {
				return fmt.Errorf("%w: %w", r.err, err)
			}
		}
	}
	msg := err.Error()
	for _, r := range revertReasons {
		if strings.Contains(msg, r.reason) {
			return fmt.Errorf("%w: %w", r.err, err)
		}
	}
	return err
}

// TxHashOf returns the hash of a broadcast transaction carried by err, if any.
func TxHashOf(err error) string {
	var se *relayer.SubmitError
	if errors.As(err, &se) {
		return se.TxHash.Hex()
	}
	return ""
}
