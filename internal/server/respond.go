package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mailrails/internal/apperr"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Field  string `json:"field,omitempty"`
	Status string `json:"status,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(e *apperr.Error) int {
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindUpstream:
		if e.Code == apperr.CodeSubmissionUnknown {
			return http.StatusAccepted
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err for the caller. Causes are logged, never echoed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		e = apperr.Wrap(apperr.KindIntegrity, apperr.CodeInternal, "internal error", err)
	}
	body := errorResponse{Error: e.Message, Code: e.Code, Field: e.Field}
	switch e.Kind {
	case apperr.KindUpstream:
		if e.Code == apperr.CodeSubmissionUnknown {
			body.Status = "unknown"
			body.TxHash = e.TxHash
			break
		}
		s.logger.WarnContext(r.Context(), "upstream failure", "path", r.URL.Path, "code", e.Code, "error", e.Err)
		body.Code = apperr.CodeUpstream
		body.Error = "upstream service unavailable, try again later"
	case apperr.KindIntegrity:
		body.Error = "internal error"
	}
	writeJSON(w, statusFor(e), body)
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntax *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("body", "request body is required")
		case errors.As(err, &typeErr):
			return apperr.Validation(typeErr.Field, fmt.Sprintf("must be a %s", typeErr.Type))
		case errors.As(err, &syntax):
			return apperr.Validation("body", "malformed json")
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return apperr.Validation(strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`), "unknown field")
		}
		return apperr.Validation("body", "malformed json")
	}
	if dec.More() {
		return apperr.Validation("body", "a single json object is expected")
	}
	return nil
}
