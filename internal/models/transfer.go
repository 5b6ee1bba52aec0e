// Package models holds the persisted shapes of the settlement engine.
//
// A Transfer is the unit of value movement between a sender and an email
// address. Its status only moves along the edges listed in transitions; every
// store mutation names the status it expects to find.
package models

import (
	"strings"
	"time"

	"mailrails/internal/amount"
)

type TransferType string

const (
	TransferDirect TransferType = "direct"
	TransferEscrow TransferType = "escrow"
)

func (t TransferType) Valid() bool {
	return t == TransferDirect || t == TransferEscrow
}

type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusReleasing TransferStatus = "releasing"
	StatusRefunding TransferStatus = "refunding"
	StatusUnclaimed TransferStatus = "unclaimed"
	StatusConfirmed TransferStatus = "confirmed"
	StatusClaimed   TransferStatus = "claimed"
	StatusFailed    TransferStatus = "failed"
	StatusRefunded  TransferStatus = "refunded"
)

var transitions = map[TransferStatus][]TransferStatus{
	StatusPending:   {StatusReleasing, StatusUnclaimed, StatusConfirmed, StatusFailed},
	StatusReleasing: {StatusClaimed, StatusPending, StatusFailed},
	StatusUnclaimed: {StatusRefunding, StatusFailed},
	StatusRefunding: {StatusRefunded, StatusUnclaimed},
}

// CanTransition reports whether from -> to is an edge of the status machine.
func CanTransition(from, to TransferStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal statuses have no outgoing edges.
func (s TransferStatus) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Active reports whether the sender still has money sitting in escrow.
func (s TransferStatus) Active() bool {
	return s == StatusPending || s == StatusUnclaimed
}

// DefaultClaimWindow is how long an escrow deposit stays claimable.
const DefaultClaimWindow = 7 * 24 * time.Hour

type Transfer struct {
	ID             string         `json:"transferId"`
	SenderUserID   string         `json:"senderUserId"`
	SenderEmail    string         `json:"senderEmail"`
	SenderAddress  string         `json:"senderAddress,omitempty"`
	RecipientEmail string         `json:"recipientEmail"`
	Amount         amount.Amount  `json:"amount"`
	Type           TransferType   `json:"type"`
	Status         TransferStatus `json:"status"`
	TxHash         string         `json:"txHash,omitempty"`
	DepositTxHash  string         `json:"depositTxHash,omitempty"`
	ClaimantUserID string         `json:"claimantUserId,omitempty"`
	// ReleaseTxHash is the relayer's release or refund transaction.
	ReleaseTxHash  string         `json:"releaseTxHash,omitempty"`
	ExpiryDate     *time.Time     `json:"expiryDate,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Expired treats a missing expiry as non-expiring; only legacy rows lack one.
func (t *Transfer) Expired(now time.Time) bool {
	if t.ExpiryDate == nil {
		return false
	}
	return now.After(*t.ExpiryDate)
}

// NormalizeEmail is the canonical form used for comparison and hashing.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func SameEmail(a, b string) bool {
	return NormalizeEmail(a) == NormalizeEmail(b)
}
