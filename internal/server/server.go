// Package server exposes the settlement engine over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mailrails/internal/auth"
	"mailrails/internal/claim"
	"mailrails/internal/config"
	"mailrails/internal/escrow"
	"mailrails/internal/hmacauth"
	"mailrails/internal/idempotency"
	"mailrails/internal/intent"
	"mailrails/internal/ledger"
	"mailrails/internal/resolver"
	"mailrails/internal/store"
)

// Chain is everything the engine reads from and submits to the stablecoin and escrow.
type Chain interface {
	escrow.Client
	escrow.TokenReader
}

type Deps struct {
	Store       store.Store
	Chain       Chain
	Idempotency idempotency.Store
	Metrics     *Metrics
	Logger      *slog.Logger
}

type Server struct {
	cfg         *config.AppConfig
	logger      *slog.Logger
	store       store.Store
	idem        idempotency.Store
	sessions    *auth.Verifier
	resolver    *resolver.Resolver
	intents     *intent.Builder
	claims      *claim.Authority
	ledger      *ledger.Service
	hmac        *hmacauth.Verifier
	metrics     *Metrics
	handler     http.Handler
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
	queueDepth  func() int
}

func NewServer(cfg *config.AppConfig, deps Deps) (*Server, error) {
	if cfg.Auth.SessionSecret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	bounds, err := cfg.Bounds()
	if err != nil {
		return nil, fmt.Errorf("amount limits: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	idem := deps.Idempotency
	if idem == nil {
		idem = idempotency.NewMemoryStore()
	}

	sessions := auth.NewVerifier(cfg.Auth.SessionSecret, cfg.Auth.SessionIssuer)
	res := resolver.New(deps.Store, cfg.Limits.BatchResolveLimit)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    deps.Store,
		idem:     idem,
		sessions: sessions,
		resolver: res,
		intents: intent.NewBuilder(res, deps.Store, deps.Chain, deps.Chain, intent.Config{
			Stablecoin:  common.HexToAddress(cfg.Deployment.Contracts.Stablecoin),
			Escrow:      common.HexToAddress(cfg.Deployment.Contracts.EmailEscrow),
			Bounds:      bounds,
			ClaimWindow: cfg.Limits.ClaimWindow,
		}, logger.With("component", "intent")),
		claims:  claim.NewAuthority(deps.Store, deps.Chain, sessions, logger.With("component", "claim")),
		ledger:  ledger.NewService(deps.Store),
		metrics: metrics,
	}
	s.claims.SetSettleWindow(max(claim.DefaultSettleWindow, 2*cfg.Relayer.ReceiptTimeout))
	s.dbHealthFn = deps.Store.Ping
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.Auth.InternalSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		OnError: s.operatorRejected,
	}
	if checker, ok := deps.Chain.(escrow.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}
	if q, ok := deps.Chain.(interface{ QueueDepth() int }); ok {
		s.queueDepth = q.QueueDepth
		metrics.watchQueue(q.QueueDepth)
	}

	s.handler = s.requestMiddleware(s.recoverMiddleware(s.routes()))
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /api/v1/recipients", s.requireSession(s.handleResolve))
	mux.Handle("POST /api/v1/recipients/batch", s.requireSession(s.handleResolveBatch))
	mux.Handle("POST /api/v1/transfers", s.idempotent(s.requireSession(s.handleCreateTransfer)))
	mux.Handle("PUT /api/v1/transfers/{id}/confirmation", s.requireSession(s.handleConfirm))
	mux.Handle("GET /api/v1/transfers/active", s.requireSession(s.handleActive))
	mux.Handle("POST /api/v1/transfers/{id}/claim", s.idempotent(http.HandlerFunc(s.handleClaim)))
	mux.Handle("GET /api/v1/transactions", s.requireSession(s.handleTransactions))

	mux.Handle("POST /api/v1/internal/transfers/expire", s.hmac.Middleware(http.HandlerFunc(s.handleExpire)))
	mux.Handle("POST /api/v1/internal/transfers/{id}/refund", s.hmac.Middleware(http.HandlerFunc(s.handleRefund)))
	mux.Handle("POST /api/v1/internal/transfers/{id}/reconcile", s.hmac.Middleware(http.HandlerFunc(s.handleReconcile)))
	mux.Handle("GET /api/v1/internal/transfers/{id}/transactions", s.hmac.Middleware(http.HandlerFunc(s.handleHistory)))

	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	return mux
}

// Handler is the fully wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func probe(ctx context.Context, fn func(context.Context) error) dependencyHealth {
	if fn == nil {
		return dependencyHealth{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		return dependencyHealth{Error: err.Error()}
	}
	return dependencyHealth{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rpc := probe(r.Context(), s.rpcHealthFn)
	db := probe(r.Context(), s.dbHealthFn)

	depth := 0
	if s.queueDepth != nil {
		depth = s.queueDepth()
	}

	status, code := "healthy", http.StatusOK
	if !rpc.Connected || !db.Connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status     string           `json:"status"`
		RPC        dependencyHealth `json:"rpc"`
		Database   dependencyHealth `json:"database"`
		QueueDepth int              `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpc,
		Database:   db,
		QueueDepth: depth,
	})
}
