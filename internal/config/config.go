// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/fees"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
	"github.com/mbd888/tradeescrow/internal/security"
	"github.com/mbd888/tradeescrow/internal/trade"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Tracing (optional)
	OTLPEndpoint string

	// Security
	AdminSecret  string
	OracleSecret string
	AuthSkew     time.Duration
	CORSOrigins  []string

	// External collaborators. Empty URLs use in-memory stand-ins, which
	// only development mode allows.
	OfferServiceURL      string
	ProfileServiceURL    string
	PriceOracleURL       string
	RandomnessOracleURL  string
	ServiceToken         string
	PublicURL            string // base URL the randomness oracle calls back
	BreakerThreshold     int
	BreakerCooldown      time.Duration
	KeeperInterval       time.Duration
	ReconcileInterval    time.Duration
	DevRandomnessLatency time.Duration

	// Protocol parameters
	Fees       fees.Schedule
	Collectors trade.Collectors

	RequestExpiry    time.Duration
	FundedExpiry     time.Duration
	DisputeDelay     time.Duration
	DisputeWindow    time.Duration
	AutoReleaseAfter time.Duration
	PriceMaxAge      time.Duration
	GracePeriod      time.Duration

	MaxActiveTrades  int
	MaxContactLength int
	HistoryCapacity  int

	ArbitratorPoolSize    int
	RandomnessValidity    time.Duration
	SelectionRange        uint64
	MaxRandomnessAttempts int
	CommitWindow          time.Duration
	RevealWindow          time.Duration
	RevealQuorum          int

	Quotas ratelimit.Limits

	Paused    bool
	PausedOps map[string]bool
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultBurnAccount     = "fees:burn"
	DefaultChainAccount    = "fees:chain"
	DefaultTreasuryAccount = "fees:treasury"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	def := trade.DefaultParams()
	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		OracleSecret: os.Getenv("ORACLE_SECRET"),
		AuthSkew:     getEnvDuration("AUTH_SKEW", 5*time.Minute),
		CORSOrigins:  getEnvList("CORS_ORIGINS", []string{"*"}),

		OfferServiceURL:      os.Getenv("OFFER_SERVICE_URL"),
		ProfileServiceURL:    os.Getenv("PROFILE_SERVICE_URL"),
		PriceOracleURL:       os.Getenv("PRICE_ORACLE_URL"),
		RandomnessOracleURL:  os.Getenv("RANDOMNESS_ORACLE_URL"),
		ServiceToken:         os.Getenv("SERVICE_TOKEN"),
		PublicURL:            getEnv("PUBLIC_URL", "http://localhost:"+getEnv("PORT", DefaultPort)),
		BreakerThreshold:     getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:      getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		KeeperInterval:       getEnvDuration("KEEPER_INTERVAL", time.Minute),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		DevRandomnessLatency: getEnvDuration("DEV_RANDOMNESS_LATENCY", 2*time.Second),

		Fees: fees.Schedule{
			BurnBps:        uint32(getEnvInt("FEE_BURN_BPS", int(def.Fees.BurnBps))),
			ChainBps:       uint32(getEnvInt("FEE_CHAIN_BPS", int(def.Fees.ChainBps))),
			TreasuryBps:    uint32(getEnvInt("FEE_TREASURY_BPS", int(def.Fees.TreasuryBps))),
			ArbitrationBps: uint32(getEnvInt("FEE_ARBITRATION_BPS", int(def.Fees.ArbitrationBps))),
		},
		Collectors: trade.Collectors{
			Burn:     getEnv("BURN_ACCOUNT", DefaultBurnAccount),
			Chain:    getEnv("CHAIN_ACCOUNT", DefaultChainAccount),
			Treasury: getEnv("TREASURY_ACCOUNT", DefaultTreasuryAccount),
		},

		RequestExpiry:    getEnvDuration("REQUEST_EXPIRY", def.RequestExpiry),
		FundedExpiry:     getEnvDuration("FUNDED_EXPIRY", def.FundedExpiry),
		DisputeDelay:     getEnvDuration("DISPUTE_DELAY", def.DisputeDelay),
		DisputeWindow:    getEnvDuration("DISPUTE_WINDOW", 7*24*time.Hour),
		AutoReleaseAfter: getEnvDuration("AUTO_RELEASE_AFTER", 0),
		PriceMaxAge:      getEnvDuration("PRICE_MAX_AGE", def.PriceMaxAge),
		GracePeriod:      getEnvDuration("GRACE_PERIOD", def.GracePeriod),

		MaxActiveTrades:  getEnvInt("MAX_ACTIVE_TRADES", def.MaxActiveTrades),
		MaxContactLength: getEnvInt("MAX_CONTACT_LENGTH", def.MaxContactLength),
		HistoryCapacity:  getEnvInt("HISTORY_CAPACITY", def.HistoryCapacity),

		ArbitratorPoolSize:    getEnvInt("ARBITRATOR_POOL_SIZE", 50),
		RandomnessValidity:    getEnvDuration("RANDOMNESS_VALIDITY", 10*time.Minute),
		SelectionRange:        getEnvUint64("SELECTION_RANGE", arbitration.DefaultSelectionRange),
		MaxRandomnessAttempts: getEnvInt("RANDOMNESS_MAX_ATTEMPTS", def.MaxRandomnessAttempts),
		CommitWindow:          getEnvDuration("COMMIT_WINDOW", def.CommitWindow),
		RevealWindow:          getEnvDuration("REVEAL_WINDOW", def.RevealWindow),
		RevealQuorum:          getEnvInt("REVEAL_QUORUM", def.RevealQuorum),

		Paused:    getEnvBool("TRADING_PAUSED", false),
		PausedOps: getEnvSet("PAUSED_OPS"),
	}
	cfg.Quotas[ratelimit.ActionCreateTrade] = uint32(getEnvInt("QUOTA_CREATE_TRADE", 20))
	cfg.Quotas[ratelimit.ActionAcceptRequest] = uint32(getEnvInt("QUOTA_ACCEPT_REQUEST", 50))
	cfg.Quotas[ratelimit.ActionCancelRequest] = uint32(getEnvInt("QUOTA_CANCEL_REQUEST", 20))
	cfg.Quotas[ratelimit.ActionInitiateDispute] = uint32(getEnvInt("QUOTA_INITIATE_DISPUTE", 5))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if err := c.Fees.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("fee schedule: %w", err))
	}
	if c.Collectors.Burn == "" || c.Collectors.Chain == "" || c.Collectors.Treasury == "" {
		errs = append(errs, errors.New("fee collector accounts are required"))
	}
	if c.RequestExpiry <= 0 || c.FundedExpiry <= 0 {
		errs = append(errs, errors.New("REQUEST_EXPIRY and FUNDED_EXPIRY must be positive"))
	}
	if c.DisputeDelay < 0 || c.DisputeWindow < 0 || c.AutoReleaseAfter < 0 {
		errs = append(errs, errors.New("dispute and auto-release durations cannot be negative"))
	}
	if c.HistoryCapacity <= 0 {
		errs = append(errs, errors.New("HISTORY_CAPACITY must be positive"))
	}
	if c.MaxRandomnessAttempts <= 0 {
		errs = append(errs, errors.New("RANDOMNESS_MAX_ATTEMPTS must be positive"))
	}
	if c.RevealQuorum <= 0 || c.CommitWindow <= 0 || c.RevealWindow <= 0 {
		errs = append(errs, errors.New("commit-reveal windows and REVEAL_QUORUM must be positive"))
	}
	if c.RandomnessValidity <= 0 {
		errs = append(errs, errors.New("RANDOMNESS_VALIDITY must be positive"))
	}
	for op := range c.PausedOps {
		switch op {
		case trade.OpCreateTrade, trade.OpAcceptRequest, trade.OpFundEscrow, trade.OpInitiateDispute:
		default:
			errs = append(errs, fmt.Errorf("PAUSED_OPS: %q cannot be paused", op))
		}
	}

	if c.IsProduction() {
		if c.AdminSecret == "" || c.OracleSecret == "" {
			errs = append(errs, errors.New("ADMIN_SECRET and ORACLE_SECRET are required in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
	}
	if !c.IsDevelopment() {
		for name, v := range map[string]string{
			"OFFER_SERVICE_URL":     c.OfferServiceURL,
			"PROFILE_SERVICE_URL":   c.ProfileServiceURL,
			"PRICE_ORACLE_URL":      c.PriceOracleURL,
			"RANDOMNESS_ORACLE_URL": c.RandomnessOracleURL,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required outside development", name))
				continue
			}
			if err := security.ValidateServiceURL(v, c.IsProduction()); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// TradeParams returns the protocol parameters the trade engine runs under.
func (c *Config) TradeParams() trade.Params {
	return trade.Params{
		Fees:                  c.Fees,
		Collectors:            c.Collectors,
		RequestExpiry:         c.RequestExpiry,
		FundedExpiry:          c.FundedExpiry,
		DisputeDelay:          c.DisputeDelay,
		DisputeWindow:         c.DisputeWindow,
		AutoReleaseAfter:      c.AutoReleaseAfter,
		PriceMaxAge:           c.PriceMaxAge,
		GracePeriod:           c.GracePeriod,
		MaxActiveTrades:       c.MaxActiveTrades,
		MaxContactLength:      c.MaxContactLength,
		HistoryCapacity:       c.HistoryCapacity,
		MaxRandomnessAttempts: c.MaxRandomnessAttempts,
		CommitWindow:          c.CommitWindow,
		RevealWindow:          c.RevealWindow,
		RevealQuorum:          c.RevealQuorum,
		Quotas:                c.Quotas,
		Paused:                c.Paused,
		PausedOps:             c.PausedOps,
	}
}

// ArbitrationSettings returns the arbitrator pool settings.
func (c *Config) ArbitrationSettings() arbitration.Settings {
	return arbitration.Settings{
		MaxPoolSize:        c.ArbitratorPoolSize,
		RandomnessValidity: c.RandomnessValidity,
		SelectionRange:     c.SelectionRange,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i >= 0 {
			return i
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvSet parses a comma separated list.
func getEnvSet(key string) map[string]bool {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = true
		}
	}
	return set
}

func getEnvList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
