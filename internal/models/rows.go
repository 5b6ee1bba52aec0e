package models

import (
	"time"

	"github.com/google/uuid"
)

// SentRow is the sender's outbound row for a transfer.
func SentRow(t *Transfer, status TransactionStatus, txHash string, now time.Time) Transaction {
	return Transaction{
		ID:                uuid.NewString(),
		UserID:            t.SenderUserID,
		UserEmail:         NormalizeEmail(t.SenderEmail),
		Type:              TxSent,
		CounterpartyEmail: NormalizeEmail(t.RecipientEmail),
		Amount:            t.Amount.Signed(true),
		TxHash:            txHash,
		TransferID:        t.ID,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// ReceivedRow is the recipient's inbound row for a transfer.
func ReceivedRow(t *Transfer, userID, email string, status TransactionStatus, txHash string, now time.Time) Transaction {
	return Transaction{
		ID:                uuid.NewString(),
		UserID:            userID,
		UserEmail:         NormalizeEmail(email),
		Type:              TxReceived,
		CounterpartyEmail: NormalizeEmail(t.SenderEmail),
		Amount:            t.Amount.Signed(false),
		TxHash:            txHash,
		TransferID:        t.ID,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// RefundRow credits the sender when an expired deposit is returned.
func RefundRow(t *Transfer, txHash string, now time.Time) Transaction {
	return Transaction{
		ID:                uuid.NewString(),
		UserID:            t.SenderUserID,
		UserEmail:         NormalizeEmail(t.SenderEmail),
		Type:              TxRefund,
		CounterpartyEmail: NormalizeEmail(t.RecipientEmail),
		Amount:            t.Amount.Signed(false),
		TxHash:            txHash,
		TransferID:        t.ID,
		Status:            TxConfirmed,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// LedgerStatus maps a transfer status onto the status its ledger rows mirror.
func LedgerStatus(s TransferStatus) TransactionStatus {
	switch s {
	case StatusConfirmed, StatusClaimed:
		return TxConfirmed
	case StatusFailed:
		return TxFailed
	case StatusRefunded:
		return TxRefunded
	}
	return TxPending
}
