package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-wide, side-effect-free configuration injected at
// startup. There are no mutable singletons; everything a component needs is
// passed in from here.
type Config struct {
	DBSource string
	Port     string
	Env      string

	// Reconciliation tolerances, in basis points.
	ZARToleranceBps  int64
	USDTToleranceBps int64

	// Webhook signing secrets, one per inbound source.
	StitchWebhookSecret string
	VALRWebhookSecret   string
	BybitWebhookSecret  string

	// VALR API credentials for outbound actions.
	VALRAPIKey    string
	VALRAPISecret string

	// WithdrawalAddress is the whitelisted USDT destination on the external
	// exchange. Withdrawals go nowhere else.
	WithdrawalAddress string

	DispatchInterval time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		DBSource:            os.Getenv("DB_SOURCE"),
		Port:                envOr("SERVER_PORT", "8080"),
		Env:                 envOr("ENVIRONMENT", "development"),
		StitchWebhookSecret: os.Getenv("STITCH_WEBHOOK_SECRET"),
		VALRWebhookSecret:   os.Getenv("VALR_WEBHOOK_SECRET"),
		BybitWebhookSecret:  os.Getenv("BYBIT_WEBHOOK_SECRET"),
		VALRAPIKey:          os.Getenv("VALR_API_KEY"),
		VALRAPISecret:       os.Getenv("VALR_API_SECRET"),
		WithdrawalAddress:   os.Getenv("WITHDRAWAL_ADDRESS"),
	}

	for name, value := range map[string]string{
		"DB_SOURCE":             cfg.DBSource,
		"STITCH_WEBHOOK_SECRET": cfg.StitchWebhookSecret,
		"VALR_WEBHOOK_SECRET":   cfg.VALRWebhookSecret,
		"BYBIT_WEBHOOK_SECRET":  cfg.BybitWebhookSecret,
		"VALR_API_KEY":          cfg.VALRAPIKey,
		"VALR_API_SECRET":       cfg.VALRAPISecret,
		"WITHDRAWAL_ADDRESS":    cfg.WithdrawalAddress,
	} {
		if value == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}

	var err error
	if cfg.ZARToleranceBps, err = envBps("ZAR_TOLERANCE_BPS", 50); err != nil {
		return nil, err
	}
	if cfg.USDTToleranceBps, err = envBps("USDT_TOLERANCE_BPS", 50); err != nil {
		return nil, err
	}

	interval := envOr("DISPATCH_INTERVAL", "5s")
	if cfg.DispatchInterval, err = time.ParseDuration(interval); err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_INTERVAL %q: %w", interval, err)
	}

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envBps(name string, fallback int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q: basis points must be a non-negative integer", name, raw)
	}
	return v, nil
}
