package server

import (
	"net/http"

	"mailrails/internal/models"
)

type expireRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	var payload expireRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &payload); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	res, err := s.claims.Expire(r.Context(), payload.Limit)
	if err != nil {
		s.metrics.incOperator("expire", outcomeOf(err))
		s.writeError(w, r, err)
		return
	}
	s.metrics.incOperator("expire", "ok")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	res, err := s.claims.Refund(r.Context(), r.PathValue("id"))
	if err != nil {
		s.metrics.incOperator("refund", outcomeOf(err))
		s.writeError(w, r, err)
		return
	}
	s.metrics.incOperator("refund", string(res.Status))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.claims.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil {
		s.metrics.incOperator("reconcile", outcomeOf(err))
		s.writeError(w, r, err)
		return
	}
	s.metrics.incOperator("reconcile", res.Outcome)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ledger.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Transactions []models.Transaction `json:"transactions"`
	}{rows})
}
