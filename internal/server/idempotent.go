package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"mailrails/internal/apperr"
	"mailrails/internal/idempotency"
)

const headerIdempotencyKey = "Idempotency-Key"

// reservationLease bounds how long a crashed request can hold its key.
const reservationLease = 5 * time.Minute

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// idempotent replays the stored response for a repeated Idempotency-Key from the same user
// on the same route. Requests without a key, or without a verifiable session, pass through.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 255 {
			s.writeError(w, r, apperr.Validation(headerIdempotencyKey, "must be at most 255 characters"))
			return
		}
		id, err := s.authenticate(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, r, apperr.Validation("body", "unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		scoped := idempotency.Key(id.UserID, r.Method, r.URL.Path, key)
		fingerprint := idempotency.Fingerprint(body)

		now := time.Now()
		existing, err := s.idem.Reserve(ctx, scoped, idempotency.Record{
			RequestHash: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(reservationLease),
		})
		if err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.KindUpstream, apperr.CodeUpstream, "idempotency store unavailable", err))
			return
		}
		if existing != nil {
			switch {
			case !existing.Matches(fingerprint):
				writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
					Error: "idempotency key was already used with a different request",
					Code:  "idempotency_mismatch",
				})
			case existing.Pending():
				writeJSON(w, http.StatusConflict, errorResponse{
					Error: "a request with this idempotency key is still in progress",
					Code:  "idempotency_in_progress",
				})
			default:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = w.Write(existing.Response)
			}
			return
		}

		// The reservation outlives a cancelled or panicking request until it is settled here.
		wctx := context.WithoutCancel(ctx)
		saved := false
		defer func() {
			if saved {
				return
			}
			if err := s.idem.Release(wctx, scoped); err != nil {
				s.logger.WarnContext(wctx, "idempotency release failed", "error", err)
			}
		}()

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r)

		// Only settled outcomes are replayed; a retry after a 5xx or an unknown
		// submission must reach the handler again.
		if cw.status >= 500 || cw.status == http.StatusAccepted {
			return
		}
		done := time.Now()
		record := idempotency.Record{
			RequestHash: fingerprint,
			StatusCode:  cw.status,
			Response:    cw.body.Bytes(),
			CreatedAt:   done,
			ExpiresAt:   done.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.idem.Save(wctx, scoped, record); err != nil {
			s.logger.WarnContext(wctx, "idempotency save failed", "error", err)
			return
		}
		saved = true
	})
}
