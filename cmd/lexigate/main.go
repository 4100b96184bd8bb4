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

// Command lexigate runs the translation job pipeline's HTTP server and
// background worker loop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lexigate/internal/api"
	"lexigate/internal/config"
	"lexigate/internal/fetcher"
	"lexigate/internal/intake"
	"lexigate/internal/metrics"
	"lexigate/internal/middleware"
	"lexigate/internal/provider"
	"lexigate/internal/store"
	"lexigate/internal/worker"
)

// defaultWorkerRunBatch is the number of jobs POST /worker/run claims when
// the caller does not supply a ?batch= override.
const defaultWorkerRunBatch = 5

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func logConfig(cfg config.Config) {
	log.Printf("lexigate configuration:")
	log.Printf("  http_addr=%s", cfg.HTTPAddr)
	log.Printf("  db_url=%s", cfg.DBPath)
	log.Printf("  db_service_key=%s", config.RedactedSecret(cfg.DBKey))
	log.Printf("  translate_api_key=%s", config.RedactedSecret(cfg.TranslateAPIKey))
	log.Printf("  worker_run_secret=%s", config.RedactedSecret(cfg.WorkerRunSecret))
	log.Printf("  lemonsqueezy_webhook_secret=%s", config.RedactedSecret(cfg.LemonSqueezyWebhookSecret))
	log.Printf("  mock_provider=%v", cfg.MockProvider)
	log.Printf("  provider_base_url=%s", cfg.ProviderBaseURL)
	log.Printf("  provider_api_key=%s", config.RedactedSecret(cfg.ProviderAPIKey))
	log.Printf("  provider_timeout=%s", cfg.ProviderTimeout)
	log.Printf("  provider_max_retries=%d", cfg.ProviderMaxRetries)
	log.Printf("  fetch_timeout=%s", cfg.FetchTimeout)
	log.Printf("  max_html_bytes=%d", cfg.MaxHTMLBytes)
	log.Printf("  max_pages_per_minute=%d", cfg.MaxPagesPerMinute)
	log.Printf("  max_segments=%d", cfg.MaxSegments)
	log.Printf("  max_segment_target_pairs=%d", cfg.MaxSegmentTargetPairs)
	log.Printf("  worker_lease_seconds=%d", cfg.WorkerLeaseSeconds)
	log.Printf("  worker_max_attempts=%d", cfg.WorkerMaxAttempts)
	log.Printf("  worker_idle_poll_ms=%d", cfg.WorkerIdlePollMs)
	log.Printf("  worker_concurrency=%d", cfg.WorkerConcurrency)
	log.Printf("  worker_heartbeat_ms=%d", cfg.WorkerHeartbeatMs)
	log.Printf("  token_enc_key_set=%v", cfg.TokenEncKey != "")
}

// siteRateLimit wraps next, rejecting a request with 429 when the site
// exceeds TRANSLATE_MAX_PAGES_PER_MINUTE. The site is taken from the
// X-Site-Id header, or from the siteId query parameter when the header is
// absent; the request body is not read. Requests naming no site by either
// means pass through unlimited.
func siteRateLimit(rl *middleware.RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		siteID := r.Header.Get("X-Site-Id")
		if siteID == "" {
			siteID = r.URL.Query().Get("siteId")
		}
		if siteID != "" && !rl.Allow(siteID) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":   "rate_limited",
				"message": "translate_max_pages_per_minute exceeded for this site",
			})
			return
		}
		next(w, r)
	}
}

func newMux(cfg config.Config, a *api.API, webhook http.Handler, rl *middleware.RateLimiter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", healthHandler)

	inner := http.NewServeMux()
	a.Register(inner)

	mux.Handle("POST /translate", siteRateLimit(rl, api.BearerAuth(cfg.TranslateAPIKey, func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(w, r)
	})))
	mux.Handle("GET /translate/{jobId}", api.BearerAuth(cfg.TranslateAPIKey, func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(w, r)
	}))
	mux.Handle("POST /worker/run", api.WorkerSecretAuth(cfg.WorkerRunSecret, func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(w, r)
	}))

	mux.Handle("POST /webhooks/lemonsqueezy", webhook)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":   "lexigate",
			"status": "ok",
		})
	})

	return mux
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[lexigate] ")

	cfg, err := config.Load()
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(1)
	}
	logConfig(cfg)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	fet := fetcher.New(cfg.FetchTimeout, cfg.MaxHTMLBytes)

	intakeLimits := intake.Limits{
		MaxHTMLBytes:          cfg.MaxHTMLBytes,
		MaxSegments:           cfg.MaxSegments,
		MaxSegmentTargetPairs: cfg.MaxSegmentTargetPairs,
	}
	coordinator := intake.New(st, fet, intakeLimits, log.Default())

	var translator provider.Translator
	if cfg.MockProvider {
		translator = provider.NewMock()
		log.Printf("using mock translation provider (MOCK_PROVIDER=true)")
	} else {
		retry := provider.DefaultRetryConfig()
		retry.MaxRetries = cfg.ProviderMaxRetries
		translator = provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, retry, log.Default())
	}

	w := worker.New(st, translator, worker.Config{
		LeaseSeconds: cfg.WorkerLeaseSeconds,
		MaxAttempts:  cfg.WorkerMaxAttempts,
		IdlePollMs:   cfg.WorkerIdlePollMs,
		Concurrency:  cfg.WorkerConcurrency,
		HeartbeatMs:  cfg.WorkerHeartbeatMs,
	}, log.Default())

	a := api.New(coordinator, w, st, defaultWorkerRunBatch, log.Default())
	webhookHandler := api.NewWebhookHandler(st, cfg.LemonSqueezyWebhookSecret, log.Default())

	rl := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.MaxPagesPerMinute,
		BurstSize:         cfg.MaxPagesPerMinute,
		CleanupInterval:   5 * time.Minute,
		Logger:            log.Default(),
	})
	defer rl.Stop()

	secHeaders := middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())
	mux := newMux(cfg, a, webhookHandler, rl)
	handler := secHeaders(mux)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	go w.Run(workerCtx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	workerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("server stopped gracefully")
	}
}
