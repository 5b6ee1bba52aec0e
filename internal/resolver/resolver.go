// Package resolver decides, per request, whether an email receives a direct or an escrow transfer.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"mailrails/internal/apperr"
	"mailrails/internal/models"
	"mailrails/internal/store"
)

// DefaultBatchLimit caps ResolveBatch.
const DefaultBatchLimit = 10

type Resolution struct {
	Email         string              `json:"email"`
	Exists        bool                `json:"exists"`
	WalletAddress string              `json:"walletAddress,omitempty"`
	TransferType  models.TransferType `json:"transferType"`
}

// Direct reports whether value can move straight to WalletAddress.
func (r Resolution) Direct() bool {
	return r.TransferType == models.TransferDirect
}

// Resolver reads the user directory on every call. Results are never cached:
// a recipient can register a wallet between two sends.
type Resolver struct {
	users      store.Users
	batchLimit int
}

func New(users store.Users, batchLimit int) *Resolver {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	return &Resolver{users: users, batchLimit: batchLimit}
}

func (r *Resolver) Resolve(ctx context.Context, email string) (Resolution, error) {
	normalized, err := ValidateEmail("email", email)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{Email: normalized, TransferType: models.TransferEscrow}
	user, err := r.users.GetUserByEmail(ctx, normalized)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return res, nil
	case err != nil:
		return Resolution{}, fmt.Errorf("lookup recipient: %w", err)
	}

	res.Exists = true
	if user.HasWallet() && common.IsHexAddress(user.WalletAddress) {
		res.WalletAddress = common.HexToAddress(user.WalletAddress).Hex()
		res.TransferType = models.TransferDirect
	}
	return res, nil
}

// ResolveBatch resolves up to the batch limit concurrently, preserving input order.
func (r *Resolver) ResolveBatch(ctx context.Context, emails []string) ([]Resolution, error) {
	if len(emails) == 0 {
		return nil, apperr.Validation("emails", "at least one email is required")
	}
	if len(emails) > r.batchLimit {
		return nil, apperr.Validation("emails", fmt.Sprintf("at most %d emails per request", r.batchLimit))
	}
	for i, email := range emails {
		if _, err := ValidateEmail(fmt.Sprintf("emails[%d]", i), email); err != nil {
			return nil, err
		}
	}

	out := make([]Resolution, len(emails))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, email := range emails {
		g.Go(func() error {
			res, err := r.Resolve(gctx, email)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateEmail returns the normalized bare address or a field validation error.
func ValidateEmail(field, email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", apperr.Validation(field, "email is required")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed || addr.Name != "" {
		return "", apperr.Validation(field, "malformed email address")
	}
	return models.NormalizeEmail(addr.Address), nil
}
