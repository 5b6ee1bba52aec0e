package models

import "time"

type TransactionType string

const (
	TxSent     TransactionType = "sent"
	TxReceived TransactionType = "received"
	TxRefund   TransactionType = "refund"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxSent, TxReceived, TxRefund:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
	TxRefunded  TransactionStatus = "refunded"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxConfirmed, TxFailed, TxRefunded:
		return true
	}
	return false
}

// Transaction is one ledger row owned by a single user.
// Amount is signed: "-" for outbound, "+" for inbound.
type Transaction struct {
	ID                string            `json:"id"`
	UserID            string            `json:"userId"`
	UserEmail         string            `json:"userEmail"`
	Type              TransactionType   `json:"type"`
	CounterpartyEmail string            `json:"counterpartyEmail"`
	Amount            string            `json:"amount"`
	TxHash            string            `json:"txHash,omitempty"`
	TransferID        string            `json:"transferId,omitempty"`
	Status            TransactionStatus `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// TransactionFilter narrows a ledger listing for one owner.
type TransactionFilter struct {
	OwnerEmail string
	Type       TransactionType
	Status     TransactionStatus
	Search     string
	Offset     int
	Limit      int
}

type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	HasMore      bool          `json:"hasMore"`
}
