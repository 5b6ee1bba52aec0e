// Package claim releases escrowed funds to an authenticated recipient using the relayer key.
//
// A claim runs AUTHENTICATE, AUTHORIZE, VALIDATE_TRANSFER, SUBMIT_RELEASE and RECORD_LEDGER
// in order. The pending -> releasing compare-and-swap before submission is what makes
// concurrent claims for one transfer resolve to a single release.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mailrails/internal/amount"
	"mailrails/internal/apperr"
	"mailrails/internal/auth"
	"mailrails/internal/escrow"
	"mailrails/internal/models"
	"mailrails/internal/store"
)

// SessionVerifier checks a session assertion with the identity platform.
type SessionVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type Request struct {
	TransferID   string
	UserID       string
	SessionToken string
}

type Result struct {
	TransferID string                `json:"transferId"`
	TxHash     string                `json:"txHash"`
	Amount     amount.Amount         `json:"amount"`
	Status     models.TransferStatus `json:"status"`
}

type Authority struct {
	store    store.Store
	escrow   escrow.Client
	sessions SessionVerifier
	logger   *slog.Logger
	now      func() time.Time
	// writeTimeout bounds store writes that must finish after the caller has gone.
	writeTimeout time.Duration
	// settleWindow is how long a reservation with no recorded hash may still be submitting.
	settleWindow time.Duration
	// inflight holds transfer ids this process is submitting or recording right now.
	inflight sync.Map
}

// DefaultSettleWindow covers a queued submission plus its receipt wait.
const DefaultSettleWindow = 5 * time.Minute

func NewAuthority(st store.Store, esc escrow.Client, sessions SessionVerifier, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		store:        st,
		escrow:       esc,
		sessions:     sessions,
		logger:       logger,
		now:          time.Now,
		writeTimeout: 10 * time.Second,
		settleWindow: DefaultSettleWindow,
	}
}

// SetSettleWindow sets how long Reconcile leaves a hashless reservation alone.
func (a *Authority) SetSettleWindow(d time.Duration) {
	if d > 0 {
		a.settleWindow = d
	}
}

// track marks id as being settled by this process until the returned func runs.
func (a *Authority) track(id string) func() {
	a.inflight.Store(id, struct{}{})
	return func() { a.inflight.Delete(id) }
}

func (a *Authority) settling(id string) bool {
	_, ok := a.inflight.Load(id)
	return ok
}

func (a *Authority) Claim(ctx context.Context, req Request) (*Result, error) {
	// AUTHENTICATE
	id, err := a.sessions.Verify(req.SessionToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthentication, apperr.CodeUnauthenticated, "invalid or missing session", err)
	}

	// AUTHORIZE: the session must belong to the account named in the request.
	if req.UserID == "" || req.UserID != id.UserID {
		a.logger.Warn("claim identity mismatch", "transfer_id", req.TransferID, "session_user_id", id.UserID, "request_user_id", req.UserID)
		return nil, apperr.New(apperr.KindAuthorization, apperr.CodeIdentityMismatch, "identity mismatch")
	}

	t, err := a.store.GetTransfer(ctx, req.TransferID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeTransferNotFound, "transfer not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load transfer: %w", err)
	}

	// AUTHORIZE: the verified email is the security boundary; the escrow only checks a hash.
	if !models.SameEmail(id.Email, t.RecipientEmail) {
		a.logger.Warn("claim recipient mismatch", "transfer_id", t.ID, "user_id", id.UserID)
		return nil, apperr.New(apperr.KindAuthorization, apperr.CodeRecipientMismatch, "transfer was sent to a different email address")
	}

	// VALIDATE_TRANSFER
	now := a.now().UTC()
	if err := claimable(t, now); err != nil {
		return nil, err
	}
	claimant, err := a.claimantAddress(ctx, id)
	if err != nil {
		return nil, err
	}

	reserved, err := a.store.Transition(ctx, t.ID, models.StatusPending, models.StatusReleasing, store.TransferPatch{ClaimantUserID: id.UserID})
	if err != nil {
		var te *store.TransitionError
		if errors.As(err, &te) {
			t.Status = te.Actual
			if cerr := claimable(t, now); cerr != nil {
				return nil, cerr
			}
		}
		return nil, fmt.Errorf("reserve transfer: %w", err)
	}
	logger := a.logger.With("transfer_id", t.ID, "user_id", id.UserID)
	logger.Info("claim reserved", "claimant", claimant.Hex())

	// SUBMIT_RELEASE
	defer a.track(reserved.ID)()
	resp, err := a.escrow.Release(ctx, escrow.ReleaseRequest{
		TransferID:     reserved.ID,
		RecipientEmail: reserved.RecipientEmail,
		Recipient:      claimant,
	})
	if err != nil {
		return nil, a.releaseFailed(ctx, logger, reserved, err)
	}

	// RECORD_LEDGER
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.writeTimeout)
	defer cancel()
	claimed, err := a.store.MarkClaimed(wctx, store.Claim{
		TransferID:     reserved.ID,
		ReleaseTxHash:  resp.TxHash,
		ClaimantUserID: id.UserID,
		ClaimantEmail:  id.Email,
		Now:            a.now().UTC(),
	})
	if err != nil {
		logger.Error("release mined but ledger write failed", "tx_hash", resp.TxHash, "error", err, "severity", "escalation")
		if _, nerr := a.store.NoteSettlementTx(wctx, reserved.ID, models.StatusReleasing, resp.TxHash); nerr != nil {
			logger.Error("could not record release hash", "tx_hash", resp.TxHash, "error", nerr, "severity", "escalation")
		}
		e := apperr.Wrap(apperr.KindUpstream, apperr.CodeSubmissionUnknown, "release submitted; settlement pending reconciliation", err)
		e.TxHash = resp.TxHash
		return nil, e
	}

	logger.Info("claim released", "tx_hash", resp.TxHash, "amount", claimed.Amount.String())
	return &Result{TransferID: claimed.ID, TxHash: resp.TxHash, Amount: claimed.Amount, Status: claimed.Status}, nil
}

// claimable reports the user-facing reason a transfer cannot be claimed now.
func claimable(t *models.Transfer, now time.Time) error {
	if t.Type != models.TransferEscrow {
		return apperr.New(apperr.KindConflict, apperr.CodeInvalidState, "transfer is not an escrow transfer")
	}
	switch t.Status {
	case models.StatusPending:
	case models.StatusReleasing, models.StatusClaimed:
		return apperr.New(apperr.KindConflict, apperr.CodeAlreadyClaimed, "transfer already claimed")
	case models.StatusUnclaimed, models.StatusRefunding, models.StatusRefunded:
		return apperr.New(apperr.KindExpired, apperr.CodeTransferExpired, "transfer expired")
	default:
		return apperr.New(apperr.KindConflict, apperr.CodeInvalidState, fmt.Sprintf("transfer is %s", t.Status))
	}
	if t.Expired(now) {
		return apperr.New(apperr.KindExpired, apperr.CodeTransferExpired, "transfer expired")
	}
	return nil
}

// claimantAddress reads the receiving wallet from the directory, keyed by the verified session.
func (a *Authority) claimantAddress(ctx context.Context, id auth.Identity) (common.Address, error) {
	user, err := a.store.GetUserByID(ctx, id.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return common.Address{}, fmt.Errorf("load claimant: %w", err)
	}
	if user == nil || !user.HasWallet() || !common.IsHexAddress(user.WalletAddress) {
		return common.Address{}, apperr.New(apperr.KindValidation, apperr.CodeWalletMissing, "finish wallet setup before claiming")
	}
	if !models.SameEmail(user.Email, id.Email) {
		return common.Address{}, apperr.New(apperr.KindAuthorization, apperr.CodeIdentityMismatch, "identity mismatch")
	}
	return common.HexToAddress(user.WalletAddress), nil
}
