package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_SOURCE", "postgresql://localhost/settleops")
	t.Setenv("STITCH_WEBHOOK_SECRET", "s1")
	t.Setenv("VALR_WEBHOOK_SECRET", "s2")
	t.Setenv("BYBIT_WEBHOOK_SECRET", "s3")
	t.Setenv("VALR_API_KEY", "k")
	t.Setenv("VALR_API_SECRET", "ks")
	t.Setenv("WITHDRAWAL_ADDRESS", "TTrustedAddress")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.ZARToleranceBps != 50 || cfg.USDTToleranceBps != 50 {
		t.Errorf("tolerances = %d/%d", cfg.ZARToleranceBps, cfg.USDTToleranceBps)
	}
	if cfg.DispatchInterval != 5*time.Second {
		t.Errorf("dispatch interval = %s", cfg.DispatchInterval)
	}
}

func TestLoadMissingSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("VALR_API_SECRET", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "VALR_API_SECRET") {
		t.Fatalf("err = %v, want missing VALR_API_SECRET", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ZAR_TOLERANCE_BPS", "25")
	t.Setenv("DISPATCH_INTERVAL", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ZARToleranceBps != 25 {
		t.Errorf("zar tolerance = %d", cfg.ZARToleranceBps)
	}
	if cfg.DispatchInterval != 250*time.Millisecond {
		t.Errorf("dispatch interval = %s", cfg.DispatchInterval)
	}
}

func TestLoadRejectsNegativeTolerance(t *testing.T) {
	setRequired(t)
	t.Setenv("USDT_TOLERANCE_BPS", "-5")

	if _, err := Load(); err == nil {
		t.Fatal("negative tolerance accepted")
	}
}
