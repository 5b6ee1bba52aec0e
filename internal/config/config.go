package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mailrails/internal/amount"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64 `json:"chainId"`
	Contracts struct {
		Stablecoin  string `json:"Stablecoin"`
		EmailEscrow string `json:"EmailEscrow"`
	} `json:"contracts"`
	Decimals int `json:"decimals"`
}

// AppConfig ties together deployment info and environment-derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Relayer    RelayerConfig
	Auth       AuthConfig
	Limits     LimitsConfig
	Database   DatabaseConfig
	Logging    LoggingConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyBackend   string
	IdempotencyStorePath string
	ShutdownTimeout      time.Duration
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

type RelayerConfig struct {
	GasLimit              uint64
	GasPriceMultiplierPct int64
	ReceiptTimeout        time.Duration
	PollInterval          time.Duration
	QueueSize             int
}

type AuthConfig struct {
	SessionSecret  string
	SessionIssuer  string
	InternalSecret string
}

type LimitsConfig struct {
	MinAmount         string
	MaxAmount         string
	ClaimWindow       time.Duration
	BatchResolveLimit int
}

type DatabaseConfig struct {
	DSN string
}

type LoggingConfig struct {
	Level  string
	Format string
	Source bool
}

const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

const defaultDeploymentsPath = "../deployments.json"

// Load aggregates configuration from disk and environment. A missing deployments file is
// tolerated when both contract addresses come from the environment.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	deployCfg, err := loadDeployments(deploymentsPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		deployCfg = &DeploymentConfig{}
	case err != nil:
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	deployCfg.ChainID = int64(envOrInt("CHAIN_ID", int(deployCfg.ChainID)))
	deployCfg.Contracts.Stablecoin = envOr("STABLECOIN_ADDRESS", deployCfg.Contracts.Stablecoin)
	deployCfg.Contracts.EmailEscrow = envOr("EMAIL_ESCROW_ADDRESS", deployCfg.Contracts.EmailEscrow)
	if deployCfg.Decimals == 0 {
		deployCfg.Decimals = amount.Decimals
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service: ServiceConfig{
			HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
			HMACClockSkew:        envOrDuration("HMAC_CLOCK_SKEW_SECONDS", time.Minute),
			IdempotencyWindow:    envOrDuration("IDEMPOTENCY_WINDOW_SECONDS", 24*time.Hour),
			IdempotencyBackend:   strings.ToLower(envOr("IDEMPOTENCY_BACKEND", BackendMemory)),
			IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "mailrails-idem.db")),
			ShutdownTimeout:      envOrDuration("SHUTDOWN_TIMEOUT_SECONDS", 15*time.Second),
		},
		Chain: ChainConfig{
			RPCURL:     envOr("CHAIN_RPC_URL", ""),
			PrivateKey: envOr("RELAYER_PRIVATE_KEY", ""),
		},
		Relayer: RelayerConfig{
			GasLimit:              uint64(envOrInt("RELAYER_GAS_LIMIT", 300_000)),
			GasPriceMultiplierPct: int64(envOrInt("RELAYER_GAS_PRICE_MULTIPLIER_PCT", 120)),
			ReceiptTimeout:        envOrDuration("RELAYER_RECEIPT_TIMEOUT_SECONDS", 90*time.Second),
			PollInterval:          envOrDuration("RELAYER_POLL_INTERVAL_SECONDS", 2*time.Second),
			QueueSize:             envOrInt("RELAYER_QUEUE_SIZE", 64),
		},
		Auth: AuthConfig{
			SessionSecret:  envOr("SESSION_JWT_SECRET", ""),
			SessionIssuer:  envOr("SESSION_JWT_ISSUER", ""),
			InternalSecret: envOr("INTERNAL_HMAC_SECRET", ""),
		},
		Limits: LimitsConfig{
			MinAmount:         envOr("MIN_TRANSFER_AMOUNT", "0.01"),
			MaxAmount:         envOr("MAX_TRANSFER_AMOUNT", "1000000"),
			ClaimWindow:       time.Duration(envOrInt("CLAIM_WINDOW_DAYS", 7)) * 24 * time.Hour,
			BatchResolveLimit: envOrInt("BATCH_RESOLVE_LIMIT", 10),
		},
		Database: DatabaseConfig{
			DSN: envOr("DATABASE_URL", ""),
		},
		Logging: LoggingConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "text"),
			Source: envOrBool("LOG_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the engine cannot run with.
func (c *AppConfig) Validate() error {
	if c.Deployment.Decimals != amount.Decimals {
		return fmt.Errorf("stablecoin decimals %d unsupported, want %d", c.Deployment.Decimals, amount.Decimals)
	}
	for name, addr := range map[string]string{
		"stablecoin":   c.Deployment.Contracts.Stablecoin,
		"email escrow": c.Deployment.Contracts.EmailEscrow,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s address %q is not a hex address", name, addr)
		}
	}
	if _, err := c.Bounds(); err != nil {
		return fmt.Errorf("amount limits: %w", err)
	}
	if c.Limits.ClaimWindow <= 0 {
		return fmt.Errorf("claim window must be positive")
	}
	switch c.Service.IdempotencyBackend {
	case BackendMemory, BackendBolt:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("idempotency backend postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown idempotency backend %q", c.Service.IdempotencyBackend)
	}
	if c.Chain.PrivateKey != "" && c.Chain.RPCURL == "" {
		return fmt.Errorf("RELAYER_PRIVATE_KEY requires CHAIN_RPC_URL")
	}
	// Durable records must never be written against the in-memory escrow.
	if c.Database.DSN != "" && !c.OnChain() {
		return fmt.Errorf("DATABASE_URL requires CHAIN_RPC_URL and both contract addresses")
	}
	return nil
}

// Bounds parses the configured send limits.
func (c *AppConfig) Bounds() (amount.Bounds, error) {
	return amount.ParseBounds(c.Limits.MinAmount, c.Limits.MaxAmount)
}

// OnChain reports whether an RPC endpoint and both contract addresses are configured.
func (c *AppConfig) OnChain() bool {
	return c.Chain.RPCURL != "" && c.Deployment.Contracts.Stablecoin != "" && c.Deployment.Contracts.EmailEscrow != ""
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration reads a whole number of seconds.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	secs := envOrInt(key, -1)
	if secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
