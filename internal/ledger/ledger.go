// Package ledger serves the per-user transaction history. Rows are written by the
// store alongside transfer transitions; this package only reads them.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"mailrails/internal/apperr"
	"mailrails/internal/models"
	"mailrails/internal/store"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	maxSearchLen = 128
)

// Query is an unvalidated listing request.
type Query struct {
	Type   string
	Status string
	Search string
	Offset int
	Limit  int
}

type Service struct {
	ledger store.Ledger
}

func NewService(ledger store.Ledger) *Service {
	return &Service{ledger: ledger}
}

// List returns the owner's rows newest first.
func (s *Service) List(ctx context.Context, ownerEmail string, q Query) (models.TransactionPage, error) {
	f, err := q.filter(ownerEmail)
	if err != nil {
		return models.TransactionPage{}, err
	}
	page, err := s.ledger.ListTransactions(ctx, f)
	if err != nil {
		return models.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}
	if page.Transactions == nil {
		page.Transactions = []models.Transaction{}
	}
	return page, nil
}

// History returns every row tied to a transfer, for operators reconciling a transfer.
func (s *Service) History(ctx context.Context, transferID string) ([]models.Transaction, error) {
	rows, err := s.ledger.TransactionsForTransfer(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("transfer history: %w", err)
	}
	if rows == nil {
		rows = []models.Transaction{}
	}
	return rows, nil
}

func (q Query) filter(ownerEmail string) (models.TransactionFilter, error) {
	f := models.TransactionFilter{
		OwnerEmail: models.NormalizeEmail(ownerEmail),
		Type:       models.TransactionType(strings.ToLower(strings.TrimSpace(q.Type))),
		Status:     models.TransactionStatus(strings.ToLower(strings.TrimSpace(q.Status))),
		Search:     strings.TrimSpace(q.Search),
		Offset:     q.Offset,
		Limit:      q.Limit,
	}
	if f.OwnerEmail == "" {
		return f, apperr.New(apperr.KindAuthentication, apperr.CodeUnauthenticated, "authentication required")
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, apperr.Validation("type", "must be one of sent, received, refund")
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, apperr.Validation("status", "must be one of pending, confirmed, failed, refunded")
	}
	if len(f.Search) > maxSearchLen {
		return f, apperr.Validation("search", fmt.Sprintf("at most %d characters", maxSearchLen))
	}
	if f.Offset < 0 {
		return f, apperr.Validation("offset", "must not be negative")
	}
	switch {
	case f.Limit < 0:
		return f, apperr.Validation("limit", "must not be negative")
	case f.Limit == 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	return f, nil
}
