package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.MinSamplePerArm != 30 {
		t.Errorf("MinSamplePerArm = %d, want 30", cfg.MinSamplePerArm)
	}
	if cfg.TestWindowDays != 4 {
		t.Errorf("TestWindowDays = %d, want 4", cfg.TestWindowDays)
	}
	if cfg.TestExtensionDays != 2 {
		t.Errorf("TestExtensionDays = %d, want 2", cfg.TestExtensionDays)
	}
	if cfg.DefaultSplit != 20 {
		t.Errorf("DefaultSplit = %d, want 20", cfg.DefaultSplit)
	}
	if cfg.RevenuePerCall != 20.0 {
		t.Errorf("RevenuePerCall = %v, want 20.0", cfg.RevenuePerCall)
	}
	if cfg.SweepConcurrency != 4 {
		t.Errorf("SweepConcurrency = %d, want 4", cfg.SweepConcurrency)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("POKANT_DB", "/tmp/test.db")
	t.Setenv("POKANT_TEST_WINDOW_DAYS", "7")
	t.Setenv("POKANT_MONITOR_INTERVAL", "15m")
	t.Setenv("POKANT_SWEEP_CONCURRENCY", "8")
	t.Setenv("POKANT_ENCRYPTION_KEY", "key")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != "/tmp/test.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.TestWindowDays != 7 {
		t.Errorf("TestWindowDays = %d, want 7", cfg.TestWindowDays)
	}
	if cfg.MonitorInterval != 15*time.Minute {
		t.Errorf("MonitorInterval = %v, want 15m", cfg.MonitorInterval)
	}
	if cfg.EncryptionKey != "key" {
		t.Errorf("EncryptionKey = %q", cfg.EncryptionKey)
	}
	if cfg.SweepConcurrency != 8 {
		t.Errorf("SweepConcurrency = %d, want 8", cfg.SweepConcurrency)
	}
	// Unset knobs keep their defaults.
	if cfg.TestExtensionDays != 2 {
		t.Errorf("TestExtensionDays = %d, want default 2", cfg.TestExtensionDays)
	}
}

func TestFromEnv_BadInt(t *testing.T) {
	t.Setenv("POKANT_TEST_WINDOW_DAYS", "soon")

	if _, err := FromEnv(); err == nil {
		t.Error("expected error for non-numeric window days")
	}
}

func TestFromEnv_BadDuration(t *testing.T) {
	t.Setenv("POKANT_MONITOR_INTERVAL", "whenever")

	if _, err := FromEnv(); err == nil {
		t.Error("expected error for unparseable monitor interval")
	}
}
