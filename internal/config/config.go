// Lexigate is a multi-tenant HTML translation pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the translation pipeline's environment configuration,
// validating the required secrets and applying the documented defaults for
// everything else.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full runtime configuration for lexigate, sourced
// entirely from environment variables.
type Config struct {
	HTTPAddr string // HTTP_ADDR

	DBPath string // DB_URL
	DBKey  string // DB_SERVICE_KEY (do not log value)

	TranslateAPIKey       string // TRANSLATE_API_KEY (do not log value)
	WorkerRunSecret       string // WORKER_RUN_SECRET (do not log value)
	LemonSqueezyWebhookSecret string // LEMONSQUEEZY_WEBHOOK_SECRET (do not log value)

	MockProvider       bool          // MOCK_PROVIDER
	ProviderAPIKey     string        // PROVIDER_API_KEY (do not log value)
	ProviderBaseURL    string        // PROVIDER_BASE_URL
	ProviderTimeout    time.Duration // PROVIDER_TIMEOUT_MS
	ProviderMaxRetries int           // PROVIDER_MAX_RETRIES

	FetchTimeout time.Duration // FETCH_TIMEOUT_MS
	MaxHTMLBytes int64         // MAX_HTML_BYTES

	MaxPagesPerMinute     int // TRANSLATE_MAX_PAGES_PER_MINUTE
	MaxSegments           int // TRANSLATE_MAX_SEGMENTS
	MaxSegmentTargetPairs int // TRANSLATE_MAX_SEGMENT_TARGET_PAIRS

	WorkerLeaseSeconds int // WORKER_LEASE_SECONDS
	WorkerMaxAttempts  int // WORKER_MAX_JOB_ATTEMPTS
	WorkerIdlePollMs   int // WORKER_IDLE_POLL_MS
	WorkerConcurrency  int // WORKER_CONCURRENCY
	WorkerHeartbeatMs  int // WORKER_HEARTBEAT_MS

	TokenEncKey string // TOKEN_ENC_KEY (do not log value)
}

// Default returns the documented defaults for every optional setting.
// Required secrets (TranslateAPIKey, WorkerRunSecret,
// LemonSqueezyWebhookSecret, DBPath, DBKey, ProviderAPIKey unless mocked)
// are left empty; Load fails fast if they are still empty after reading
// the environment.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",

		ProviderTimeout:    10000 * time.Millisecond,
		ProviderMaxRetries: 3,

		FetchTimeout: 5000 * time.Millisecond,
		MaxHTMLBytes: 2 * 1024 * 1024,

		MaxPagesPerMinute:     10,
		MaxSegments:           0,
		MaxSegmentTargetPairs: 0,

		WorkerLeaseSeconds: 300,
		WorkerMaxAttempts:  5,
		WorkerIdlePollMs:   2000,
		WorkerConcurrency:  1,
		WorkerHeartbeatMs:  60000,
	}
}

// Load reads Config from the process environment, applying Default()
// for anything unset, and fails fast if a required value is missing.
func Load() (Config, error) {
	def := Default()

	cfg := Config{
		HTTPAddr: getenv("HTTP_ADDR", def.HTTPAddr),

		DBPath: os.Getenv("DB_URL"),
		DBKey:  os.Getenv("DB_SERVICE_KEY"),

		TranslateAPIKey:           os.Getenv("TRANSLATE_API_KEY"),
		WorkerRunSecret:           os.Getenv("WORKER_RUN_SECRET"),
		LemonSqueezyWebhookSecret: os.Getenv("LEMONSQUEEZY_WEBHOOK_SECRET"),

		MockProvider:       getenvBool("MOCK_PROVIDER", false),
		ProviderAPIKey:     os.Getenv("PROVIDER_API_KEY"),
		ProviderBaseURL:    os.Getenv("PROVIDER_BASE_URL"),
		ProviderTimeout:    getenvMillis("PROVIDER_TIMEOUT_MS", def.ProviderTimeout),
		ProviderMaxRetries: getenvInt("PROVIDER_MAX_RETRIES", def.ProviderMaxRetries),

		FetchTimeout: getenvMillis("FETCH_TIMEOUT_MS", def.FetchTimeout),
		MaxHTMLBytes: getenvInt64("MAX_HTML_BYTES", def.MaxHTMLBytes),

		MaxPagesPerMinute:     getenvInt("TRANSLATE_MAX_PAGES_PER_MINUTE", def.MaxPagesPerMinute),
		MaxSegments:           getenvInt("TRANSLATE_MAX_SEGMENTS", def.MaxSegments),
		MaxSegmentTargetPairs: getenvInt("TRANSLATE_MAX_SEGMENT_TARGET_PAIRS", def.MaxSegmentTargetPairs),

		WorkerLeaseSeconds: getenvInt("WORKER_LEASE_SECONDS", def.WorkerLeaseSeconds),
		WorkerMaxAttempts:  getenvInt("WORKER_MAX_JOB_ATTEMPTS", def.WorkerMaxAttempts),
		WorkerIdlePollMs:   getenvInt("WORKER_IDLE_POLL_MS", def.WorkerIdlePollMs),
		WorkerConcurrency:  getenvInt("WORKER_CONCURRENCY", def.WorkerConcurrency),
		WorkerHeartbeatMs:  getenvInt("WORKER_HEARTBEAT_MS", def.WorkerHeartbeatMs),

		TokenEncKey: os.Getenv("TOKEN_ENC_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that every required value is present and that bounded
// values are sane. It does not touch the network or filesystem.
func (c *Config) Validate() error {
	if c.TranslateAPIKey == "" {
		return fmt.Errorf("TRANSLATE_API_KEY is required")
	}
	if c.WorkerRunSecret == "" {
		return fmt.Errorf("WORKER_RUN_SECRET is required")
	}
	if c.LemonSqueezyWebhookSecret == "" {
		return fmt.Errorf("LEMONSQUEEZY_WEBHOOK_SECRET is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.DBKey == "" {
		return fmt.Errorf("DB_SERVICE_KEY is required")
	}
	if !c.MockProvider && c.ProviderAPIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required unless MOCK_PROVIDER=true")
	}
	if !c.MockProvider && c.ProviderBaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL is required unless MOCK_PROVIDER=true")
	}
	if c.MaxHTMLBytes <= 0 {
		return fmt.Errorf("MAX_HTML_BYTES must be positive")
	}
	if c.WorkerLeaseSeconds <= 0 {
		return fmt.Errorf("WORKER_LEASE_SECONDS must be positive")
	}
	if c.WorkerMaxAttempts <= 0 {
		return fmt.Errorf("WORKER_MAX_JOB_ATTEMPTS must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func getenvMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// RedactedSecret returns a short, safe-to-log form of a secret value: the
// first and last two characters with the middle masked. Empty secrets
// stay empty so "not set" is distinguishable from "set" in logs.
func RedactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	mask := make([]byte, len(s)-4)
	for i := range mask {
		mask[i] = '*'
	}
	return s[:2] + string(mask) + s[len(s)-2:]
}
