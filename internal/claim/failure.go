package claim

import (
	"context"
	"errors"
	"log/slog"

	"mailrails/internal/apperr"
	"mailrails/internal/escrow"
	"mailrails/internal/models"
	"mailrails/internal/relayer"
	"mailrails/internal/store"
)

// releaseFailed maps a failed release onto the taxonomy. When nothing reached the chain the
// reservation is returned so the recipient can claim again; an unknown outcome keeps it for
// reconciliation.
func (a *Authority) releaseFailed(ctx context.Context, logger *slog.Logger, t *models.Transfer, err error) error {
	txHash := escrow.TxHashOf(err)
	unknown := errors.Is(err, relayer.ErrSubmissionUnknown)

	switch {
	case unknown:
		a.noteSettlement(ctx, logger, t.ID, models.StatusReleasing, txHash)
		logger.Warn("release outcome unknown", "tx_hash", txHash, "error", err)
		e := apperr.Wrap(apperr.KindUpstream, apperr.CodeSubmissionUnknown, "release submitted; status unknown", err)
		e.TxHash = txHash
		return e

	case errors.Is(err, escrow.ErrAlreadyReleased):
		logger.Error("escrow reports deposit already released", "error", err, "severity", "escalation")
		return apperr.Wrap(apperr.KindConflict, apperr.CodeAlreadyClaimed, "transfer already claimed", err)
	}

	a.unreserve(ctx, logger, t.ID, models.StatusReleasing, models.StatusPending)

	switch {
	case errors.Is(err, escrow.ErrEmailHashMismatch):
		logger.Error("escrow rejected recipient email hash", "error", err, "severity", "escalation")
		return apperr.Wrap(apperr.KindIntegrity, apperr.CodeEmailHashMismatch, "transfer cannot be released", err)
	case errors.Is(err, escrow.ErrDepositNotFound):
		logger.Warn("release before deposit landed", "error", err)
		return apperr.Wrap(apperr.KindConflict, apperr.CodeInvalidState, "deposit is not yet confirmed on-chain", err)
	}
	return upstream(logger, "release", err)
}

// upstream maps relayer failures that left no trace on-chain.
func upstream(logger *slog.Logger, op string, err error) error {
	switch {
	case errors.Is(err, relayer.ErrInsufficientGasFunds):
		logger.Warn(op+" blocked: relayer underfunded", "error", err)
		return apperr.Wrap(apperr.KindUpstream, apperr.CodeRelayerUnderfunded, "service temporarily unavailable", err)
	case errors.Is(err, relayer.ErrContractNotDeployed):
		logger.Warn(op+" blocked: escrow not deployed", "error", err)
		return apperr.Wrap(apperr.KindUpstream, apperr.CodeEscrowNotDeployed, "service temporarily unavailable", err)
	}
	logger.Warn(op+" failed", "error", err)
	return apperr.Wrap(apperr.KindUpstream, apperr.CodeRPCUnavailable, "service temporarily unavailable", err)
}

func (a *Authority) unreserve(ctx context.Context, logger *slog.Logger, id string, from, to models.TransferStatus) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.writeTimeout)
	defer cancel()
	if _, err := a.store.Transition(wctx, id, from, to, store.TransferPatch{}); err != nil {
		logger.Error("could not return reservation", "from", from, "to", to, "error", err, "severity", "escalation")
	}
}

func (a *Authority) noteSettlement(ctx context.Context, logger *slog.Logger, id string, status models.TransferStatus, txHash string) {
	if txHash == "" {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.writeTimeout)
	defer cancel()
	if _, err := a.store.NoteSettlementTx(wctx, id, status, txHash); err != nil {
		logger.Error("could not record settlement hash", "tx_hash", txHash, "error", err, "severity", "escalation")
	}
}
