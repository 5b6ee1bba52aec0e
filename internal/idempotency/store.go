// Package idempotency replays stored responses for repeated client requests.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Record holds a stored response and the fingerprint of the request that produced it.
type Record struct {
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Matches reports whether the record was produced by a request with this fingerprint.
func (r *Record) Matches(requestHash string) bool {
	return r.RequestHash == requestHash
}

// Pending reports a reservation whose request is still running.
func (r *Record) Pending() bool {
	return r.StatusCode == 0
}

// Store abstracts idempotency persistence. Get returns nil, nil for missing or expired keys.
//
// Reserve stores a pending placeholder unless a live record exists, which it returns
// instead; the check and the write are one atomic step. Save completes a reservation
// and never replaces a live completed record. Release drops a pending reservation.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Reserve(ctx context.Context, key string, placeholder Record) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Release(ctx context.Context, key string) error
}

// replaceable reports whether next may overwrite cur.
func replaceable(cur, next Record) bool {
	return cur.Pending() || !next.CreatedAt.Before(cur.ExpiresAt)
}

// Key scopes a client-supplied key to its owner and route so two users never share a record.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is for tests and single-process development.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; ok && !replaceable(cur, record) {
		return nil
	}
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, placeholder Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; ok && !m.now().After(cur.ExpiresAt) {
		return &cur, nil
	}
	placeholder.StatusCode = 0
	m.data[key] = placeholder
	return nil, nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; ok && cur.Pending() {
		delete(m.data, key)
	}
	return nil
}
