// Package config holds the process configuration.
//
// Config is constructed once at startup (FromEnv) and passed by reference
// to every component constructor. Nothing in the codebase reads ambient
// global state after boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	// DatabasePath is the SQLite database file. ":memory:" for tests.
	DatabasePath string

	// APIAddr is the HTTP listen address, e.g. "127.0.0.1:8080".
	APIAddr string

	// EncryptionKey is the base64 key used to encrypt stored provider
	// credentials. Required for any operation that talks to the voice
	// platform on a customer's behalf.
	EncryptionKey string

	// OpenAIKey is used by the variant generator.
	OpenAIKey string

	// ClaudeKey is used by transcript analysis and edge-case simulation.
	ClaudeKey string

	// VapiBaseURL overrides the voice-platform API base URL.
	VapiBaseURL string

	// A/B test decision policy. These are product constants with sane
	// defaults; they are fields (not literals) so operators can tune them.
	MinSamplePerArm   int           // minimum calls per arm before significance is computed
	TestWindowDays    int           // initial observation window
	TestExtensionDays int           // window extension when a decision can't be made
	DefaultSplit      int           // default traffic split percentage for new tests
	MonitorInterval   time.Duration // time between monitor sweeps in daemon mode
	SweepConcurrency  int           // concurrent test evaluations per sweep

	// RevenuePerCall is the assumed revenue of one successful call,
	// used for impact projections and pattern revenue estimates.
	RevenuePerCall float64

	// UpstreamTimeout bounds every voice-platform and LLM request.
	UpstreamTimeout time.Duration
}

// Defaults returns a Config with every policy knob at its default value.
func Defaults() Config {
	return Config{
		DatabasePath:      "pokant.db",
		APIAddr:           "127.0.0.1:8080",
		MinSamplePerArm:   30,
		TestWindowDays:    4,
		TestExtensionDays: 2,
		DefaultSplit:      20,
		MonitorInterval:   time.Hour,
		SweepConcurrency:  4,
		RevenuePerCall:    20.0,
		UpstreamTimeout:   30 * time.Second,
	}
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Defaults()

	if v := os.Getenv("POKANT_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("POKANT_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	cfg.EncryptionKey = os.Getenv("POKANT_ENCRYPTION_KEY")
	cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	cfg.ClaudeKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.VapiBaseURL = os.Getenv("VAPI_BASE_URL")

	var err error
	if cfg.MinSamplePerArm, err = intEnv("POKANT_MIN_SAMPLE", cfg.MinSamplePerArm); err != nil {
		return cfg, err
	}
	if cfg.TestWindowDays, err = intEnv("POKANT_TEST_WINDOW_DAYS", cfg.TestWindowDays); err != nil {
		return cfg, err
	}
	if cfg.TestExtensionDays, err = intEnv("POKANT_TEST_EXTENSION_DAYS", cfg.TestExtensionDays); err != nil {
		return cfg, err
	}
	if cfg.DefaultSplit, err = intEnv("POKANT_DEFAULT_SPLIT", cfg.DefaultSplit); err != nil {
		return cfg, err
	}
	if cfg.SweepConcurrency, err = intEnv("POKANT_SWEEP_CONCURRENCY", cfg.SweepConcurrency); err != nil {
		return cfg, err
	}
	if v := os.Getenv("POKANT_MONITOR_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("POKANT_MONITOR_INTERVAL: %w", err)
		}
		cfg.MonitorInterval = d
	}

	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
