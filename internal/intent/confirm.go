package intent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"mailrails/internal/apperr"
	"mailrails/internal/escrow"
	"mailrails/internal/models"
	"mailrails/internal/resolver"
	"mailrails/internal/store"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Confirmation is the sender reporting the hash of a call it signed and submitted.
type Confirmation struct {
	TransferID   string
	TxHash       string
	TransferType models.TransferType
	SenderUserID string
	SenderEmail  string
	// Direct sends only; escrow transfers already carry these.
	RecipientEmail string
	Amount         string
}

// Confirm attaches an escrow deposit hash, or records a direct send with its ledger rows.
func (b *Builder) Confirm(ctx context.Context, c Confirmation) (*models.Transfer, error) {
	if strings.TrimSpace(c.TransferID) == "" {
		return nil, apperr.Validation("transferId", "transfer id is required")
	}
	if !txHashPattern.MatchString(c.TxHash) {
		return nil, apperr.Validation("txHash", "must be a 0x-prefixed 32-byte hash")
	}
	c.TxHash = strings.ToLower(c.TxHash)

	switch c.TransferType {
	case models.TransferEscrow:
		return b.confirmEscrow(ctx, c)
	case models.TransferDirect:
		return b.confirmDirect(ctx, c)
	}
	return nil, apperr.Validation("transferType", "must be direct or escrow")
}

func (b *Builder) confirmEscrow(ctx context.Context, c Confirmation) (*models.Transfer, error) {
	t, err := b.store.GetTransfer(ctx, c.TransferID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeTransferNotFound, "transfer not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load transfer: %w", err)
	}
	if t.SenderUserID != c.SenderUserID {
		return nil, apperr.New(apperr.KindAuthorization, apperr.CodeIdentityMismatch, "identity mismatch")
	}
	if t.Type != models.TransferEscrow {
		return nil, apperr.Validation("transferType", "transfer is not an escrow transfer")
	}

	t, err = b.store.ConfirmDeposit(ctx, c.TransferID, c.TxHash)
	if errors.Is(err, store.ErrConflict) {
		return nil, apperr.Wrap(apperr.KindConflict, apperr.CodeDuplicate, "transfer already has a different deposit hash", err)
	}
	if err != nil {
		return nil, fmt.Errorf("confirm deposit: %w", err)
	}

	now := b.now().UTC()
	sent := models.SentRow(t, models.TxPending, c.TxHash, now)
	if err := b.store.RecordSent(ctx, &sent); err != nil {
		return nil, fmt.Errorf("record sent row: %w", err)
	}

	if b.receiptStatus(ctx, c.TxHash) == escrow.ReceiptFailed && t.Status == models.StatusPending {
		failed, err := b.store.MarkFailed(ctx, t.ID, models.StatusPending)
		switch {
		case err == nil:
			b.logger.Warn("escrow deposit reverted", "transfer_id", t.ID, "tx_hash", c.TxHash)
			return failed, nil
		case errors.Is(err, store.ErrConflict):
			// A claim or sweep moved it first; report what is stored.
		default:
			return nil, fmt.Errorf("mark failed: %w", err)
		}
		return b.store.GetTransfer(ctx, t.ID)
	}

	b.logger.Info("escrow deposit confirmed", "transfer_id", t.ID, "tx_hash", c.TxHash)
	return t, nil
}

func (b *Builder) confirmDirect(ctx context.Context, c Confirmation) (*models.Transfer, error) {
	recipient, err := resolver.ValidateEmail("recipientEmail", c.RecipientEmail)
	if err != nil {
		return nil, err
	}
	value, err := b.parseAmount(c.Amount)
	if err != nil {
		return nil, err
	}

	existing, err := b.store.GetTransfer(ctx, c.TransferID)
	switch {
	case err == nil:
		if existing.SenderUserID != c.SenderUserID {
			return nil, apperr.New(apperr.KindAuthorization, apperr.CodeIdentityMismatch, "identity mismatch")
		}
		if existing.Type != models.TransferDirect || existing.TxHash != c.TxHash {
			return nil, apperr.New(apperr.KindConflict, apperr.CodeDuplicate, "transfer already recorded with a different hash")
		}
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	default:
		return nil, fmt.Errorf("load transfer: %w", err)
	}

	// A new direct record needs a recipient that resolves to a wallet right now.
	var receiver *models.User
	if existing == nil {
		res, err := b.resolver.Resolve(ctx, recipient)
		if err != nil {
			return nil, err
		}
		if !res.Direct() {
			return nil, apperr.Validation("recipientEmail", "recipient has no wallet; send through escrow")
		}
		receiver, err = b.store.GetUserByEmail(ctx, recipient)
		if err != nil {
			return nil, fmt.Errorf("lookup recipient: %w", err)
		}
	}

	status := models.StatusPending
	switch b.receiptStatus(ctx, c.TxHash) {
	case escrow.ReceiptSuccess:
		status = models.StatusConfirmed
	case escrow.ReceiptFailed:
		status = models.StatusFailed
	}

	now := b.now().UTC()
	t := &models.Transfer{
		ID:             c.TransferID,
		SenderUserID:   c.SenderUserID,
		SenderEmail:    models.NormalizeEmail(c.SenderEmail),
		RecipientEmail: recipient,
		Amount:         value,
		Type:           models.TransferDirect,
		Status:         status,
		TxHash:         c.TxHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var rows []models.Transaction
	if receiver != nil {
		rowStatus := models.LedgerStatus(status)
		rows = []models.Transaction{
			models.SentRow(t, rowStatus, c.TxHash, now),
			models.ReceivedRow(t, receiver.ID, receiver.Email, rowStatus, c.TxHash, now),
		}
	}

	recorded, err := b.store.RecordDirect(ctx, t, rows)
	if errors.Is(err, store.ErrConflict) {
		return nil, apperr.Wrap(apperr.KindConflict, apperr.CodeDuplicate, "transaction already recorded for another transfer", err)
	}
	if err != nil {
		return nil, fmt.Errorf("record direct transfer: %w", err)
	}

	b.logger.Info("direct transfer recorded", "transfer_id", t.ID, "status", recorded.Status, "amount", value.String())
	return recorded, nil
}

// receiptStatus treats an unreadable receipt as still pending.
func (b *Builder) receiptStatus(ctx context.Context, txHash string) escrow.ReceiptStatus {
	if b.receipts == nil {
		return escrow.ReceiptPending
	}
	status, err := b.receipts.ReceiptStatus(ctx, txHash)
	if err != nil {
		b.logger.Warn("receipt lookup failed", "tx_hash", txHash, "error", err)
		return escrow.ReceiptPending
	}
	return status
}
