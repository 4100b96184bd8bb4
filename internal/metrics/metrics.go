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

// Package metrics exposes Prometheus collectors for the translation job
// pipeline: intake admission outcomes, translation memory cache hits,
// lease queue claim/release/complete activity, and provider call latency.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	intakeRequests  *prometheus.CounterVec
	cacheProbes     *prometheus.CounterVec
	queueClaims     *prometheus.CounterVec
	queueOutcomes   *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	jobOutcomes     *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Primarily used by tests
// to ensure clean state between cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus
// text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveIntake records one POST /translate admission outcome.
// outcome is one of "cached", "enqueued", "error".
func ObserveIntake(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if intakeRequests != nil {
		intakeRequests.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveCacheProbe records one translation-memory probe result: hit or
// miss. The intake coordinator does not call it.
func ObserveCacheProbe(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	mu.RLock()
	defer mu.RUnlock()
	if cacheProbes != nil {
		cacheProbes.WithLabelValues(result).Inc()
	}
}

// ObserveClaim records a lease-queue Claim attempt. found is false when
// the queue had nothing claimable.
func ObserveClaim(found bool) {
	result := "empty"
	if found {
		result = "claimed"
	}
	mu.RLock()
	defer mu.RUnlock()
	if queueClaims != nil {
		queueClaims.WithLabelValues(result).Inc()
	}
}

// ObserveQueueOutcome records the terminal disposition of a claimed job:
// "completed", "failed", or "released".
func ObserveQueueOutcome(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if queueOutcomes != nil {
		queueOutcomes.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveProviderCall records one machine-translation provider request.
// code should be the HTTP status code if known; use a negative value for
// transport-level errors (timeout, connection refused).
func ObserveProviderCall(code int, retryable bool, duration time.Duration) {
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}
	kind := "fatal"
	if retryable {
		kind = "retryable"
	}

	mu.RLock()
	defer mu.RUnlock()
	if providerCalls != nil {
		providerCalls.WithLabelValues(status, kind).Inc()
	}
	if providerLatency != nil {
		providerLatency.WithLabelValues(status).Observe(durationSeconds(duration))
	}
}

// ObserveJobOutcome records a job reaching a terminal state: "completed"
// or "failed".
func ObserveJobOutcome(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobOutcomes != nil {
		jobOutcomes.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveWebhookEvent records a billing webhook delivery: "applied" or
// "duplicate".
func ObserveWebhookEvent(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookEvents != nil {
		webhookEvents.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	intake := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexigate",
		Subsystem: "intake",
		Name:      "requests_total",
		Help:      "Total POST /translate admissions grouped by outcome.",
	}, []string{"outcome"})

	probes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexigate",
		Subsystem: "memory",
		Name:      "probe_total",
		Help:      "Total translation memory probes by hit/miss.",
	}, []string{"result"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexigate",
		Subsystem: "queue",
		Name:      "claims_total",
		Help:      "Total lease queue Claim attempts by result.",
	}, []string{"result"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexigate",
		Subsystem: "queue",
		Name:      "outcomes_total",
		Help:      "Total claimed-job dispositions (completed/failed/released).",
	}, []string{"outcome"})

	provider := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexigate",
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Total machine-translation provider requests by status code and retry class.",
	}, []string{"code", "kind"})

	providerDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lexigate",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Duration of machine-translation provider requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"code"})

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexigate",
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Total jobs reaching a terminal state by outcome.",
	}, []string{"outcome"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexigate",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Total billing webhook deliveries by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(intake, probes, claims, outcomes, provider, providerDur, jobs, webhooks)

	reg = registry
	intakeRequests = intake
	cacheProbes = probes
	queueClaims = claims
	queueOutcomes = outcomes
	providerCalls = provider
	providerLatency = providerDur
	jobOutcomes = jobs
	webhookEvents = webhooks
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
