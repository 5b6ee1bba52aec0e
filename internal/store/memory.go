package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mailrails/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is mostly for testing and local development.
type MemoryStore struct {
	mu           sync.RWMutex
	transfers    map[string]models.Transfer
	transactions []models.Transaction
	users        map[string]models.User
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers: make(map[string]models.Transfer),
		users:     make(map[string]models.User),
		now:       time.Now,
	}
}

// PutUser stands in for the profile-setup service.
func (m *MemoryStore) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Email = models.NormalizeEmail(u.Email)
	m.users[u.ID] = u
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) CreateTransfer(_ context.Context, t *models.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[t.ID]; ok {
		return fmt.Errorf("%w: transfer %s already exists", ErrConflict, t.ID)
	}
	m.transfers[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTransfer(_ context.Context, id string) (*models.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *MemoryStore) ConfirmDeposit(_ context.Context, id, txHash string) (*models.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch {
	case t.DepositTxHash == txHash:
		return &t, nil
	case t.DepositTxHash != "":
		return nil, fmt.Errorf("%w: transfer %s already has deposit %s", ErrConflict, id, t.DepositTxHash)
	}
	t.DepositTxHash = txHash
	if t.TxHash == "" {
		t.TxHash = txHash
	}
	t.UpdatedAt = m.now()
	m.transfers[id] = t
	return &t, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to models.TransferStatus, patch TransferPatch) (*models.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transitionLocked(id, from, to)
	if err != nil {
		return nil, err
	}
	applyPatch(&t, patch)
	m.transfers[id] = t
	return &t, nil
}

func (m *MemoryStore) transitionLocked(id string, from, to models.TransferStatus) (models.Transfer, error) {
	if !models.CanTransition(from, to) {
		return models.Transfer{}, fmt.Errorf("%w: %s -> %s is not a valid transition", ErrConflict, from, to)
	}
	t, ok := m.transfers[id]
	if !ok {
		return models.Transfer{}, ErrNotFound
	}
	if t.Status != from {
		return models.Transfer{}, &TransitionError{TransferID: id, Expected: from, Actual: t.Status}
	}
	t.Status = to
	t.UpdatedAt = m.now()
	return t, nil
}

func (m *MemoryStore) NoteSettlementTx(_ context.Context, id string, status models.TransferStatus, txHash string) (*models.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != status {
		return nil, &TransitionError{TransferID: id, Expected: status, Actual: t.Status}
	}
	t.ReleaseTxHash = txHash
	t.UpdatedAt = m.now()
	m.transfers[id] = t
	return &t, nil
}

func applyPatch(t *models.Transfer, patch TransferPatch) {
	if patch.TxHash != "" {
		t.TxHash = patch.TxHash
	}
	if patch.ClaimantUserID != "" {
		t.ClaimantUserID = patch.ClaimantUserID
	}
	if patch.ReleaseTxHash != "" {
		t.ReleaseTxHash = patch.ReleaseTxHash
	}
}

func (m *MemoryStore) ListActiveEscrow(_ context.Context, senderUserID string) ([]models.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transfer
	for _, t := range m.transfers {
		if t.SenderUserID == senderUserID && t.Type == models.TransferEscrow && t.Status.Active() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]models.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transfer
	for _, t := range m.transfers {
		if t.Type == models.TransferEscrow && t.Status == models.StatusPending && t.Expired(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryDate.Before(*out[j].ExpiryDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordSent(_ context.Context, row *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findRowLocked(row.TransferID, models.TxSent) >= 0 {
		return nil
	}
	m.transactions = append(m.transactions, *row)
	return nil
}

func (m *MemoryStore) RecordDirect(_ context.Context, t *models.Transfer, rows []models.Transaction) (*models.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.transfers[t.ID]
	if !ok {
		for _, other := range m.transfers {
			if other.Type == models.TransferDirect && other.TxHash == t.TxHash {
				return nil, fmt.Errorf("%w: tx %s already recorded for transfer %s", ErrConflict, t.TxHash, other.ID)
			}
		}
		m.transfers[t.ID] = *t
		m.transactions = append(m.transactions, rows...)
		out := *t
		return &out, nil
	}
	if existing.Type != models.TransferDirect || existing.TxHash != t.TxHash {
		return nil, fmt.Errorf("%w: transfer %s already recorded with a different hash", ErrConflict, t.ID)
	}
	if existing.Status == t.Status || !models.CanTransition(existing.Status, t.Status) {
		return &existing, nil
	}
	now := m.now()
	existing.Status = t.Status
	existing.UpdatedAt = now
	m.transfers[t.ID] = existing
	status := models.LedgerStatus(t.Status)
	for i := range m.transactions {
		row := &m.transactions[i]
		if row.TransferID == t.ID && row.Status == models.TxPending {
			row.Status = status
			row.UpdatedAt = now
		}
	}
	return &existing, nil
}

func (m *MemoryStore) MarkClaimed(_ context.Context, c Claim) (*models.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transfers[c.TransferID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status == models.StatusClaimed {
		if current.ReleaseTxHash == c.ReleaseTxHash {
			return &current, nil
		}
		return nil, fmt.Errorf("%w: transfer %s already claimed by %s", ErrConflict, c.TransferID, current.ReleaseTxHash)
	}

	t, err := m.transitionLocked(c.TransferID, models.StatusReleasing, models.StatusClaimed)
	if err != nil {
		return nil, err
	}
	applyPatch(&t, TransferPatch{TxHash: c.ReleaseTxHash, ClaimantUserID: c.ClaimantUserID, ReleaseTxHash: c.ReleaseTxHash})
	m.transfers[t.ID] = t

	m.transactions = append(m.transactions, models.ReceivedRow(&t, c.ClaimantUserID, c.ClaimantEmail, models.TxConfirmed, c.ReleaseTxHash, c.Now))
	m.flipSentLocked(&t, models.TxConfirmed, c.ReleaseTxHash, c.Now)
	return &t, nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, from models.TransferStatus) (*models.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.transfers[id]; ok && current.Status == models.StatusFailed {
		return &current, nil
	}
	t, err := m.transitionLocked(id, from, models.StatusFailed)
	if err != nil {
		return nil, err
	}
	m.transfers[id] = t
	for i := range m.transactions {
		row := &m.transactions[i]
		if row.TransferID == id && row.Status == models.TxPending {
			row.Status = models.TxFailed
			row.UpdatedAt = t.UpdatedAt
		}
	}
	return &t, nil
}

func (m *MemoryStore) MarkRefunded(_ context.Context, r Refund) (*models.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.transfers[r.TransferID]; ok && current.Status == models.StatusRefunded {
		if current.TxHash == r.RefundTxHash {
			return &current, nil
		}
		return nil, fmt.Errorf("%w: transfer %s already refunded by %s", ErrConflict, r.TransferID, current.TxHash)
	}
	t, err := m.transitionLocked(r.TransferID, models.StatusRefunding, models.StatusRefunded)
	if err != nil {
		return nil, err
	}
	applyPatch(&t, TransferPatch{TxHash: r.RefundTxHash})
	m.transfers[t.ID] = t

	m.transactions = append(m.transactions, models.RefundRow(&t, r.RefundTxHash, r.Now))
	m.flipSentLocked(&t, models.TxRefunded, "", r.Now)
	return &t, nil
}

// flipSentLocked updates the sender's existing sent row, creating it only when the sender never confirmed the deposit.
func (m *MemoryStore) flipSentLocked(t *models.Transfer, status models.TransactionStatus, txHash string, now time.Time) {
	idx := m.findRowLocked(t.ID, models.TxSent)
	if idx < 0 {
		hash := txHash
		if hash == "" {
			hash = t.DepositTxHash
		}
		m.transactions = append(m.transactions, models.SentRow(t, status, hash, now))
		return
	}
	row := &m.transactions[idx]
	if row.Status != models.TxPending {
		return
	}
	row.Status = status
	if txHash != "" {
		row.TxHash = txHash
	}
	row.UpdatedAt = now
}

func (m *MemoryStore) findRowLocked(transferID string, typ models.TransactionType) int {
	for i, row := range m.transactions {
		if row.TransferID == transferID && row.Type == typ {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) ListTransactions(_ context.Context, f models.TransactionFilter) (models.TransactionPage, error) {
	owner := models.NormalizeEmail(f.OwnerEmail)
	search := strings.ToLower(strings.TrimSpace(f.Search))

	m.mu.RLock()
	var matched []models.Transaction
	for _, row := range m.transactions {
		if row.UserEmail != owner {
			continue
		}
		if f.Type != "" && row.Type != f.Type {
			continue
		}
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		if search != "" && !matchesSearch(row, search) {
			continue
		}
		matched = append(matched, row)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	if f.Offset >= len(matched) {
		return models.TransactionPage{Transactions: []models.Transaction{}}, nil
	}
	matched = matched[f.Offset:]
	page := models.TransactionPage{Transactions: matched}
	if f.Limit > 0 && len(matched) > f.Limit {
		page.Transactions = matched[:f.Limit]
		page.HasMore = true
	}
	return page, nil
}

func matchesSearch(row models.Transaction, needle string) bool {
	return strings.Contains(strings.ToLower(row.CounterpartyEmail), needle) ||
		strings.Contains(strings.ToLower(row.TxHash), needle) ||
		strings.Contains(strings.ToLower(row.TransferID), needle)
}

func (m *MemoryStore) TransactionsForTransfer(_ context.Context, transferID string) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transaction
	for _, row := range m.transactions {
		if row.TransferID == transferID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}
