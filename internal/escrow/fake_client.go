package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mailrails/internal/contracts"
)

// FakeClient emulates the stablecoin and escrow in memory for local runs and tests.
// Deposits it has not been told about are treated as active.
type FakeClient struct {
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
	deposits   map[string]Deposit
	receipts   map[string]ReceiptStatus
	releases   []ReleaseRequest
	refunds    []RefundRequest

	// ReleaseErr and RefundErr, when set, are returned instead of submitting.
	ReleaseErr error
	RefundErr  error
	// Latency is slept outside the lock to widen race windows in tests.
	Latency time.Duration
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
		deposits:   make(map[string]Deposit),
		receipts:   make(map[string]ReceiptStatus),
	}
}

func (f *FakeClient) SetBalance(owner common.Address, units *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[owner] = units
}

func (f *FakeClient) SetAllowance(owner, spender common.Address, units *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[[2]common.Address{owner, spender}] = units
}

func (f *FakeClient) PutDeposit(transferID string, d Deposit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits[transferID] = d
}

func (f *FakeClient) SetReceipt(txHash string, status ReceiptStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[txHash] = status
}

func (f *FakeClient) Releases() []ReleaseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReleaseRequest(nil), f.releases...)
}

func (f *FakeClient) Refunds() []RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RefundRequest(nil), f.refunds...)
}

// BalanceOf reports a large balance for unknown owners.
func (f *FakeClient) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(1_000_000_000_000_000), nil
}

func (f *FakeClient) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.allowances[[2]common.Address{owner, spender}]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeClient) Release(_ context.Context, req ReleaseRequest) (SubmitResponse, error) {
	if f.Latency > 0 {
		time.Sleep(f.Latency)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReleaseErr != nil {
		return SubmitResponse{}, f.ReleaseErr
	}
	if d, ok := f.deposits[req.TransferID]; ok {
		switch {
		case d.State != contracts.DepositActive:
			return SubmitResponse{}, fmt.Errorf("release tx: %w", ErrAlreadyReleased)
		case d.EmailHash != (common.Hash{}) && d.EmailHash != contracts.EmailHash(req.RecipientEmail):
			return SubmitResponse{}, fmt.Errorf("release tx: %w", ErrEmailHashMismatch)
		}
		d.State = contracts.DepositReleased
		f.deposits[req.TransferID] = d
	} else {
		f.deposits[req.TransferID] = Deposit{State: contracts.DepositReleased, EmailHash: contracts.EmailHash(req.RecipientEmail)}
	}
	f.releases = append(f.releases, req)
	hash := fakeHash("release:" + req.TransferID + req.Recipient.Hex())
	f.receipts[hash] = ReceiptSuccess
	return SubmitResponse{TxHash: hash}, nil
}

func (f *FakeClient) Refund(_ context.Context, req RefundRequest) (SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefundErr != nil {
		return SubmitResponse{}, f.RefundErr
	}
	if d, ok := f.deposits[req.TransferID]; ok {
		if d.State != contracts.DepositActive {
			return SubmitResponse{}, fmt.Errorf("refund tx: %w", ErrAlreadyReleased)
		}
		d.State = contracts.DepositRefunded
		f.deposits[req.TransferID] = d
	} else {
		f.deposits[req.TransferID] = Deposit{State: contracts.DepositRefunded}
	}
	f.refunds = append(f.refunds, req)
	hash := fakeHash("refund:" + req.TransferID)
	f.receipts[hash] = ReceiptSuccess
	return SubmitResponse{TxHash: hash}, nil
}

func (f *FakeClient) Deposit(_ context.Context, transferID string) (Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deposits[transferID]; ok {
		return d, nil
	}
	return Deposit{State: contracts.DepositActive}, nil
}

// ReceiptStatus reports success for hashes it has not been told about.
func (f *FakeClient) ReceiptStatus(_ context.Context, txHash string) (ReceiptStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.receipts[txHash]; ok {
		return s, nil
	}
	return ReceiptSuccess, nil
}

func (f *FakeClient) Ping(context.Context) error { return nil }

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
