package claim

import (
	"context"
	"errors"
	"fmt"

	"mailrails/internal/apperr"
	"mailrails/internal/contracts"
	"mailrails/internal/escrow"
	"mailrails/internal/models"
	"mailrails/internal/relayer"
	"mailrails/internal/store"
)

const defaultSweepLimit = 100

type ExpireResult struct {
	Expired []string `json:"expired"`
	Skipped []string `json:"skipped"`
}

// Expire moves pending escrow transfers past their expiry to unclaimed.
func (a *Authority) Expire(ctx context.Context, limit int) (*ExpireResult, error) {
	if limit <= 0 || limit > defaultSweepLimit {
		limit = defaultSweepLimit
	}
	due, err := a.store.ListExpiredPending(ctx, a.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}

	res := &ExpireResult{Expired: []string{}, Skipped: []string{}}
	for _, t := range due {
		_, err := a.store.Transition(ctx, t.ID, models.StatusPending, models.StatusUnclaimed, store.TransferPatch{})
		switch {
		case err == nil:
			res.Expired = append(res.Expired, t.ID)
		case errors.Is(err, store.ErrConflict):
			// Claimed or reserved since the listing.
			res.Skipped = append(res.Skipped, t.ID)
		default:
			return res, fmt.Errorf("expire %s: %w", t.ID, err)
		}
	}
	if len(res.Expired) > 0 {
		a.logger.Info("expired escrow transfers", "count", len(res.Expired))
	}
	return res, nil
}

// Refund returns an expired deposit to its sender through the relayer.
func (a *Authority) Refund(ctx context.Context, transferID string) (*Result, error) {
	t, err := a.load(ctx, transferID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case models.StatusRefunded:
		return resultOf(t, t.TxHash), nil
	case models.StatusPending:
		if !t.Expired(a.now().UTC()) {
			return nil, apperr.New(apperr.KindConflict, apperr.CodeNotExpired, "transfer has not expired")
		}
		if t, err = a.transition(ctx, t, models.StatusUnclaimed); err != nil {
			return nil, err
		}
	case models.StatusUnclaimed:
	default:
		return nil, apperr.New(apperr.KindConflict, apperr.CodeInvalidState, fmt.Sprintf("transfer is %s", t.Status))
	}

	if t, err = a.transition(ctx, t, models.StatusRefunding); err != nil {
		return nil, err
	}

	defer a.track(t.ID)()
	resp, err := a.escrow.Refund(ctx, escrow.RefundRequest{TransferID: t.ID})
	if err != nil {
		return nil, a.refundFailed(ctx, t, err)
	}
	return a.completeRefund(ctx, t, resp.TxHash)
}

func (a *Authority) refundFailed(ctx context.Context, t *models.Transfer, err error) error {
	logger := a.logger.With("transfer_id", t.ID)
	txHash := escrow.TxHashOf(err)
	if errors.Is(err, relayer.ErrSubmissionUnknown) {
		a.noteSettlement(ctx, logger, t.ID, models.StatusRefunding, txHash)
		logger.Warn("refund outcome unknown", "tx_hash", txHash, "error", err)
		e := apperr.Wrap(apperr.KindUpstream, apperr.CodeSubmissionUnknown, "refund submitted; status unknown", err)
		e.TxHash = txHash
		return e
	}
	a.unreserve(ctx, logger, t.ID, models.StatusRefunding, models.StatusUnclaimed)
	switch {
	case errors.Is(err, escrow.ErrNotExpired):
		return apperr.Wrap(apperr.KindConflict, apperr.CodeNotExpired, "escrow deposit has not expired on-chain", err)
	case errors.Is(err, escrow.ErrAlreadyReleased), errors.Is(err, escrow.ErrDepositNotFound):
		logger.Error("escrow refused refund", "error", err, "severity", "escalation")
		return apperr.Wrap(apperr.KindConflict, apperr.CodeInvalidState, "escrow deposit is not refundable", err)
	}
	return upstream(logger, "refund", err)
}

func (a *Authority) completeRefund(ctx context.Context, t *models.Transfer, txHash string) (*Result, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.writeTimeout)
	defer cancel()
	refunded, err := a.store.MarkRefunded(wctx, store.Refund{TransferID: t.ID, RefundTxHash: txHash, Now: a.now().UTC()})
	if err != nil {
		a.logger.Error("refund mined but ledger write failed", "transfer_id", t.ID, "tx_hash", txHash, "error", err, "severity", "escalation")
		a.noteSettlement(ctx, a.logger, t.ID, models.StatusRefunding, txHash)
		e := apperr.Wrap(apperr.KindUpstream, apperr.CodeSubmissionUnknown, "refund submitted; settlement pending reconciliation", err)
		e.TxHash = txHash
		return nil, e
	}
	a.logger.Info("escrow refunded", "transfer_id", t.ID, "tx_hash", txHash)
	return resultOf(refunded, txHash), nil
}

// Reconcile outcomes.
const (
	OutcomeNoop     = "noop"
	OutcomeWaiting  = "waiting"
	OutcomeClaimed  = "claimed"
	OutcomeRefunded = "refunded"
	OutcomeReopened = "reopened"
)

type ReconcileResult struct {
	Transfer     *models.Transfer `json:"transfer"`
	Outcome      string           `json:"outcome"`
	DepositState string           `json:"depositState"`
}

// Reconcile settles a transfer whose relayer submission ended with an unknown outcome,
// reading the escrow's deposit state before anything is retried.
func (a *Authority) Reconcile(ctx context.Context, transferID string) (*ReconcileResult, error) {
	t, err := a.load(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusReleasing && t.Status != models.StatusRefunding {
		return &ReconcileResult{Transfer: t, Outcome: OutcomeNoop}, nil
	}
	if a.settling(t.ID) {
		return &ReconcileResult{Transfer: t, Outcome: OutcomeWaiting}, nil
	}

	dep, err := a.escrow.Deposit(ctx, t.ID)
	if err != nil {
		return nil, upstream(a.logger.With("transfer_id", t.ID), "reconcile", err)
	}
	res := &ReconcileResult{Transfer: t, DepositState: dep.State.String()}
	logger := a.logger.With("transfer_id", t.ID, "status", t.Status, "deposit_state", res.DepositState)

	switch {
	case t.Status == models.StatusReleasing && dep.State == contracts.DepositReleased:
		if t.ReleaseTxHash == "" {
			logger.Error("deposit released without a recorded release hash", "severity", "escalation")
			return nil, apperr.New(apperr.KindIntegrity, apperr.CodeInternal, "release hash missing")
		}
		claimed, err := a.finishClaim(ctx, t)
		if err != nil {
			return nil, err
		}
		res.Transfer, res.Outcome = claimed, OutcomeClaimed

	case t.Status == models.StatusRefunding && dep.State == contracts.DepositRefunded:
		if t.ReleaseTxHash == "" {
			logger.Error("deposit refunded without a recorded refund hash", "severity", "escalation")
			return nil, apperr.New(apperr.KindIntegrity, apperr.CodeInternal, "refund hash missing")
		}
		out, err := a.completeRefund(ctx, t, t.ReleaseTxHash)
		if err != nil {
			return nil, err
		}
		refunded, err := a.store.GetTransfer(ctx, out.TransferID)
		if err != nil {
			return nil, fmt.Errorf("reload transfer: %w", err)
		}
		res.Transfer, res.Outcome = refunded, OutcomeRefunded

	case dep.State == contracts.DepositActive:
		if t.ReleaseTxHash != "" {
			status, err := a.escrow.ReceiptStatus(ctx, t.ReleaseTxHash)
			if err != nil {
				return nil, upstream(logger, "reconcile", err)
			}
			if status == escrow.ReceiptPending {
				res.Outcome = OutcomeWaiting
				return res, nil
			}
		} else if a.now().UTC().Sub(t.UpdatedAt) < a.settleWindow {
			// No hash yet: the submission may still be queued or broadcasting elsewhere.
			res.Outcome = OutcomeWaiting
			return res, nil
		}
		back := models.StatusPending
		if t.Status == models.StatusRefunding {
			back = models.StatusUnclaimed
		}
		reopened, err := a.transition(ctx, t, back)
		if err != nil {
			return nil, err
		}
		logger.Info("reservation returned after reconcile", "to", back)
		res.Transfer, res.Outcome = reopened, OutcomeReopened

	default:
		logger.Error("escrow state contradicts transfer status", "severity", "escalation")
		return nil, apperr.New(apperr.KindIntegrity, apperr.CodeInternal, "escrow state contradicts transfer status")
	}
	return res, nil
}

func (a *Authority) finishClaim(ctx context.Context, t *models.Transfer) (*models.Transfer, error) {
	email := t.RecipientEmail
	if u, err := a.store.GetUserByID(ctx, t.ClaimantUserID); err == nil {
		email = u.Email
	}
	claimed, err := a.store.MarkClaimed(ctx, store.Claim{
		TransferID:     t.ID,
		ReleaseTxHash:  t.ReleaseTxHash,
		ClaimantUserID: t.ClaimantUserID,
		ClaimantEmail:  email,
		Now:            a.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("complete claim: %w", err)
	}
	a.logger.Info("claim completed by reconcile", "transfer_id", t.ID, "tx_hash", t.ReleaseTxHash)
	return claimed, nil
}

func (a *Authority) load(ctx context.Context, id string) (*models.Transfer, error) {
	t, err := a.store.GetTransfer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeTransferNotFound, "transfer not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load transfer: %w", err)
	}
	if t.Type != models.TransferEscrow {
		return nil, apperr.New(apperr.KindConflict, apperr.CodeInvalidState, "transfer is not an escrow transfer")
	}
	return t, nil
}

func (a *Authority) transition(ctx context.Context, t *models.Transfer, to models.TransferStatus) (*models.Transfer, error) {
	next, err := a.store.Transition(ctx, t.ID, t.Status, to, store.TransferPatch{})
	if errors.Is(err, store.ErrConflict) {
		return nil, apperr.Wrap(apperr.KindConflict, apperr.CodeInvalidState, "transfer changed concurrently", err)
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", to, err)
	}
	return next, nil
}

func resultOf(t *models.Transfer, txHash string) *Result {
	return &Result{TransferID: t.ID, TxHash: txHash, Amount: t.Amount, Status: t.Status}
}
