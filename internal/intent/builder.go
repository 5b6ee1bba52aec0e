// Package intent turns a send request into unsigned call data for the sender's wallet,
// and records what the sender reports back once the call is on-chain.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"mailrails/internal/amount"
	"mailrails/internal/apperr"
	"mailrails/internal/contracts"
	"mailrails/internal/escrow"
	"mailrails/internal/models"
	"mailrails/internal/resolver"
	"mailrails/internal/store"
)

const (
	CallTransfer = "transfer"
	CallApprove  = "approve"
	CallDeposit  = "deposit"
)

// Call is one unsigned contract call for the sender to sign.
type Call struct {
	Kind  string `json:"kind"`
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

type Intent struct {
	TransferID       string              `json:"transferId"`
	TransferType     models.TransferType `json:"transferType"`
	Amount           amount.Amount       `json:"amount"`
	AmountUnits      int64               `json:"amountUnits"`
	RecipientEmail   string              `json:"recipientEmail"`
	RecipientAddress string              `json:"recipientAddress,omitempty"`
	EscrowAddress    string              `json:"escrowAddress,omitempty"`
	ExpiryDate       *time.Time          `json:"expiryDate,omitempty"`
	RequiresApproval bool                `json:"requiresApproval"`
	Calls            []Call              `json:"calls"`
}

// Request is a send initiated by an authenticated sender.
type Request struct {
	SenderUserID   string
	SenderEmail    string
	SenderAddress  string
	RecipientEmail string
	Amount         string
}

type Config struct {
	Stablecoin  common.Address
	Escrow      common.Address
	Bounds      amount.Bounds
	ClaimWindow time.Duration
}

// ReceiptReader reports the on-chain outcome of a sender-submitted transaction.
type ReceiptReader interface {
	ReceiptStatus(ctx context.Context, txHash string) (escrow.ReceiptStatus, error)
}

type Builder struct {
	resolver *resolver.Resolver
	store    store.Store
	tokens   escrow.TokenReader
	receipts ReceiptReader
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewBuilder(res *resolver.Resolver, st store.Store, tokens escrow.TokenReader, receipts ReceiptReader, cfg Config, logger *slog.Logger) *Builder {
	if cfg.ClaimWindow <= 0 {
		cfg.ClaimWindow = models.DefaultClaimWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		resolver: res,
		store:    st,
		tokens:   tokens,
		receipts: receipts,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// BuildIntent validates the request and returns the calls to sign. For escrow the pending
// transfer is persisted before anything is returned; for direct nothing is stored.
func (b *Builder) BuildIntent(ctx context.Context, req Request) (*Intent, error) {
	if !common.IsHexAddress(req.SenderAddress) {
		return nil, apperr.Validation("senderAddress", "must be a 0x-prefixed 20-byte address")
	}
	sender := common.HexToAddress(req.SenderAddress)

	value, err := b.parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	if _, err := resolver.ValidateEmail("recipientEmail", req.RecipientEmail); err != nil {
		return nil, err
	}
	res, err := b.resolver.Resolve(ctx, req.RecipientEmail)
	if err != nil {
		return nil, err
	}
	if models.SameEmail(res.Email, req.SenderEmail) {
		return nil, apperr.Validation("recipientEmail", "cannot send to yourself")
	}

	if err := b.checkBalance(ctx, sender, value); err != nil {
		return nil, err
	}

	if res.Direct() {
		return b.directIntent(res, value)
	}
	return b.escrowIntent(ctx, req, sender, res, value)
}

func (b *Builder) parseAmount(raw string) (amount.Amount, error) {
	value, err := amount.Parse(raw)
	switch {
	case errors.Is(err, amount.ErrPrecision):
		return 0, apperr.Validation("amount", err.Error())
	case err != nil:
		return 0, apperr.Validation("amount", amount.ErrInvalid.Error())
	}
	if err := b.cfg.Bounds.Check(value); err != nil {
		return 0, apperr.Validation("amount", fmt.Sprintf("amount must be between %s and %s", b.cfg.Bounds.Min, b.cfg.Bounds.Max))
	}
	return value, nil
}

// checkBalance fails fast on a known shortfall. An unreadable balance does not block the send.
func (b *Builder) checkBalance(ctx context.Context, sender common.Address, value amount.Amount) error {
	balance, err := b.tokens.BalanceOf(ctx, sender)
	if err != nil {
		b.logger.Warn("balance check skipped", "sender", sender.Hex(), "error", err)
		return nil
	}
	if balance.Cmp(value.Big()) < 0 {
		e := apperr.New(apperr.KindValidation, apperr.CodeInsufficientBalance, "insufficient stablecoin balance")
		e.Field = "amount"
		return e
	}
	return nil
}

func (b *Builder) directIntent(res resolver.Resolution, value amount.Amount) (*Intent, error) {
	to := common.HexToAddress(res.WalletAddress)
	data, err := contracts.PackTransfer(to, value.Big())
	if err != nil {
		return nil, err
	}
	return &Intent{
		TransferID:       b.newID(),
		TransferType:     models.TransferDirect,
		Amount:           value,
		AmountUnits:      value.Units(),
		RecipientEmail:   res.Email,
		RecipientAddress: to.Hex(),
		Calls:            []Call{newCall(CallTransfer, b.cfg.Stablecoin, data)},
	}, nil
}

func (b *Builder) escrowIntent(ctx context.Context, req Request, sender common.Address, res resolver.Resolution, value amount.Amount) (*Intent, error) {
	now := b.now().UTC()
	expiry := now.Add(b.cfg.ClaimWindow)
	t := &models.Transfer{
		ID:             b.newID(),
		SenderUserID:   req.SenderUserID,
		SenderEmail:    models.NormalizeEmail(req.SenderEmail),
		SenderAddress:  sender.Hex(),
		RecipientEmail: res.Email,
		Amount:         value,
		Type:           models.TransferEscrow,
		Status:         models.StatusPending,
		ExpiryDate:     &expiry,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := b.store.CreateTransfer(ctx, t); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Wrap(apperr.KindConflict, apperr.CodeDuplicate, "transfer id collision", err)
		}
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	requiresApproval := true
	allowance, err := b.tokens.Allowance(ctx, sender, b.cfg.Escrow)
	if err != nil {
		b.logger.Warn("allowance read failed, requesting approval", "transfer_id", t.ID, "error", err)
	} else {
		requiresApproval = allowance.Cmp(value.Big()) < 0
	}

	calls := make([]Call, 0, 2)
	if requiresApproval {
		data, err := contracts.PackApprove(b.cfg.Escrow, value.Big())
		if err != nil {
			return nil, err
		}
		calls = append(calls, newCall(CallApprove, b.cfg.Stablecoin, data))
	}
	data, err := contracts.PackDeposit(t.ID, value.Big(), res.Email, timeoutDays(b.cfg.ClaimWindow))
	if err != nil {
		return nil, err
	}
	calls = append(calls, newCall(CallDeposit, b.cfg.Escrow, data))

	b.logger.Info("escrow transfer created",
		"transfer_id", t.ID,
		"sender_user_id", t.SenderUserID,
		"amount", value.String(),
		"requires_approval", requiresApproval,
	)

	return &Intent{
		TransferID:       t.ID,
		TransferType:     models.TransferEscrow,
		Amount:           value,
		AmountUnits:      value.Units(),
		RecipientEmail:   res.Email,
		EscrowAddress:    b.cfg.Escrow.Hex(),
		ExpiryDate:       &expiry,
		RequiresApproval: requiresApproval,
		Calls:            calls,
	}, nil
}

func newCall(kind string, to common.Address, data []byte) Call {
	return Call{Kind: kind, To: to.Hex(), Data: hexutil.Encode(data), Value: "0"}
}

// timeoutDays rounds the claim window up to whole days for the escrow.
func timeoutDays(window time.Duration) int64 {
	return int64(math.Ceil(window.Hours() / 24))
}
