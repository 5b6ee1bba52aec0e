package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"mailrails/internal/apperr"
	"mailrails/internal/auth"
	"mailrails/internal/hmacauth"
)

const headerRequestID = "X-Request-Id"

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestMiddleware tags the request with an id and logs it once it completes.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.observeHTTP(route, rec.status, elapsed)
		s.logger.LogAttrs(r.Context(), levelFor(rec.status), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("request_id", id),
		)
	})
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.ErrorContext(r.Context(), "panic serving request",
					"panic", rec, "stack", string(debug.Stack()), "request_id", requestIDFrom(r.Context()))
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: apperr.CodeInternal})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireSession admits requests carrying a valid bearer session and puts the identity on the context.
func (s *Server) requireSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return auth.Identity{}, apperr.Wrap(apperr.KindAuthentication, apperr.CodeUnauthenticated, "invalid or missing session", err)
	}
	id, err := s.sessions.Verify(token)
	if err != nil {
		return auth.Identity{}, apperr.Wrap(apperr.KindAuthentication, apperr.CodeUnauthenticated, "invalid or missing session", err)
	}
	return id, nil
}

// operatorRejected renders hmacauth failures in the API's error shape.
func (s *Server) operatorRejected(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.WarnContext(r.Context(), "operator request rejected", "path", r.URL.Path, "reason", err.Error())
	msg := "invalid request signature"
	if errors.Is(err, hmacauth.ErrNotConfigured) {
		msg = "operator endpoints are disabled"
	}
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msg, Code: apperr.CodeUnauthenticated})
}
