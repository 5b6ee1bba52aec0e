package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"mailrails/internal/apperr"
	"mailrails/internal/auth"
	"mailrails/internal/claim"
	"mailrails/internal/intent"
	"mailrails/internal/ledger"
	"mailrails/internal/models"
	"mailrails/internal/resolver"
)

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolver.Resolve(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchResolveRequest struct {
	Emails []string `json:"emails"`
}

func (s *Server) handleResolveBatch(w http.ResponseWriter, r *http.Request) {
	var payload batchResolveRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.resolver.ResolveBatch(r.Context(), payload.Emails)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Results []resolver.Resolution `json:"results"`
	}{results})
}

type createTransferRequest struct {
	SenderAddress  string `json:"senderAddress"`
	RecipientEmail string `json:"recipientEmail"`
	Amount         string `json:"amount"`
}

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var payload createTransferRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := identity(r)
	in, err := s.intents.BuildIntent(r.Context(), intent.Request{
		SenderUserID:   id.UserID,
		SenderEmail:    id.Email,
		SenderAddress:  payload.SenderAddress,
		RecipientEmail: payload.RecipientEmail,
		Amount:         payload.Amount,
	})
	if err != nil {
		s.metrics.incIntent("unknown", outcomeOf(err))
		s.writeError(w, r, err)
		return
	}
	s.metrics.incIntent(string(in.TransferType), "built")
	writeJSON(w, http.StatusCreated, in)
}

type confirmRequest struct {
	TxHash         string              `json:"txHash"`
	TransferType   models.TransferType `json:"transferType"`
	RecipientEmail string              `json:"recipientEmail,omitempty"`
	Amount         string              `json:"amount,omitempty"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var payload confirmRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := identity(r)
	t, err := s.intents.Confirm(r.Context(), intent.Confirmation{
		TransferID:     r.PathValue("id"),
		TxHash:         payload.TxHash,
		TransferType:   payload.TransferType,
		SenderUserID:   id.UserID,
		SenderEmail:    id.Email,
		RecipientEmail: payload.RecipientEmail,
		Amount:         payload.Amount,
	})
	if err != nil {
		s.metrics.incConfirm(typeLabel(payload.TransferType), outcomeOf(err))
		s.writeError(w, r, err)
		return
	}
	s.metrics.incConfirm(string(t.Type), string(t.Status))
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.store.ListActiveEscrow(r.Context(), identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if transfers == nil {
		transfers = []models.Transfer{}
	}
	writeJSON(w, http.StatusOK, struct {
		Transfers []models.Transfer `json:"transfers"`
	}{transfers})
}

type claimRequest struct {
	UserID string `json:"userId"`
}

// handleClaim hands the raw session to the claim authority, which verifies it itself.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var payload claimRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, _ := auth.BearerToken(r.Header.Get("Authorization"))
	res, err := s.claims.Claim(r.Context(), claim.Request{
		TransferID:   r.PathValue("id"),
		UserID:       payload.UserID,
		SessionToken: token,
	})
	if err != nil {
		s.metrics.incClaim(outcomeOf(err))
		s.writeError(w, r, err)
		return
	}
	s.metrics.incClaim("released")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.ledger.List(r.Context(), identity(r).Email, ledger.Query{
		Type:   q.Get("type"),
		Status: q.Get("status"),
		Search: q.Get("search"),
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func intParam(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(field, "must be an integer")
	}
	return n, nil
}

func typeLabel(t models.TransferType) string {
	if t.Valid() {
		return string(t)
	}
	return "invalid"
}

// outcomeOf is a low-cardinality metrics label for a failed call.
func outcomeOf(err error) string {
	if code := apperr.CodeOf(err); code != "" {
		return code
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return apperr.CodeInternal
}
