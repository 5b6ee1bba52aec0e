package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailrails/internal/config"
	"mailrails/internal/escrow"
	"mailrails/internal/idempotency"
	"mailrails/internal/logging"
	"mailrails/internal/relayer"
	"mailrails/internal/server"
	"mailrails/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Source: cfg.Logging.Source,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		st = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemoryStore()
	}
	defer st.Close()

	idem, closeIdem, err := openIdempotency(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	defer closeIdem()

	metrics := server.NewMetrics()

	var chain server.Chain
	if cfg.OnChain() {
		ethClient, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
			RPCURL:            cfg.Chain.RPCURL,
			PrivateKeyHex:     cfg.Chain.PrivateKey,
			StablecoinAddress: cfg.Deployment.Contracts.Stablecoin,
			EscrowAddress:     cfg.Deployment.Contracts.EmailEscrow,
			Relayer: relayer.Options{
				GasLimit:              cfg.Relayer.GasLimit,
				GasPriceMultiplierPct: cfg.Relayer.GasPriceMultiplierPct,
				ReceiptTimeout:        cfg.Relayer.ReceiptTimeout,
				PollInterval:          cfg.Relayer.PollInterval,
				QueueSize:             cfg.Relayer.QueueSize,
				Observe:               metrics.ObserveRelayer,
			},
		})
		if err != nil {
			return err
		}
		defer ethClient.Close()
		if cfg.Chain.PrivateKey == "" {
			logger.Warn("RELAYER_PRIVATE_KEY not set, claims and refunds are disabled")
		}
		chain = ethClient
	} else {
		logger.Warn("chain not configured, using in-memory escrow")
		chain = escrow.NewFakeClient()
	}

	apiServer, err := server.NewServer(cfg, server.Deps{
		Store:       st,
		Chain:       chain,
		Idempotency: idem,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func openIdempotency(ctx context.Context, cfg *config.AppConfig, st store.Store, logger *slog.Logger) (idempotency.Store, func(), error) {
	switch cfg.Service.IdempotencyBackend {
	case config.BackendBolt:
		b, err := idempotency.NewBoltStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	case config.BackendPostgres:
		if pg, ok := st.(*store.PostgresStore); ok {
			p, err := idempotency.NewPostgresStoreFromPool(ctx, pg.Pool())
			if err != nil {
				return nil, nil, err
			}
			go purgeIdempotency(ctx, p, cfg.Service.IdempotencyWindow, logger)
			return p, p.Close, nil
		}
		p, err := idempotency.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		go purgeIdempotency(ctx, p, cfg.Service.IdempotencyWindow, logger)
		return p, p.Close, nil
	}
	return idempotency.NewMemoryStore(), func() {}, nil
}

// purgeIdempotency drops expired replay rows until ctx ends.
func purgeIdempotency(ctx context.Context, p *idempotency.PostgresStore, window time.Duration, logger *slog.Logger) {
	interval := window / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.Purge(ctx, now)
			if err != nil {
				logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("idempotency records purged", "count", n)
			}
		}
	}
}
