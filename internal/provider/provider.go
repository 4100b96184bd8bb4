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

// Package provider wraps the external machine-translation service behind
// a small interface, with bounded retries and exponential backoff around
// the HTTP implementation.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lexigate/internal/apierr"
)

// Translator turns a batch of source texts into target-locale translations.
// Implementations must preserve slice order and length: Translate returns
// exactly len(texts) entries or an error.
type Translator interface {
	Translate(ctx context.Context, texts []string, targetLang string) ([]string, error)
}

// RetryConfig controls the backoff applied around a single chunked
// provider call by Client.Translate.
type RetryConfig struct {
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Factor     float64
	Jitter     float64
}

// DefaultRetryConfig matches the documented worker defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		MinDelay:   500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Factor:     2,
		Jitter:     0.2,
	}
}

// Client is the HTTP-backed Translator implementation.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	retry   RetryConfig
	logger  *log.Logger
}

// NewClient constructs a provider Client. baseURL and apiKey come from
// PROVIDER_BASE_URL / PROVIDER_API_KEY; timeout from PROVIDER_TIMEOUT_MS.
func NewClient(baseURL, apiKey string, timeout time.Duration, retry RetryConfig, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: timeout},
		retry:   retry,
		logger:  logger,
	}
}

type translateRequest struct {
	Texts      []string `json:"texts"`
	TargetLang string   `json:"target_lang"`
}

type translateResponse struct {
	Translations []string `json:"translations"`
}

// Translate calls the provider once, wrapped in retry-with-backoff. It
// classifies the failure per apierr.Kind so the worker knows whether to
// retry the overall job.
func (c *Client) Translate(ctx context.Context, texts []string, targetLang string) ([]string, error) {
	var lastErr error
	attempts := c.retry.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		translations, retryAfter, err := c.doOnce(ctx, texts, targetLang)
		if err == nil {
			if len(translations) != len(texts) {
				return nil, apierr.New(apierr.KindProviderFatal, fmt.Sprintf("provider returned %d translations for %d texts", len(translations), len(texts)))
			}
			return translations, nil
		}
		lastErr = err
		if !apierr.IsRetryable(err) || attempt == attempts {
			return nil, err
		}

		delay := backoffDelay(c.retry, attempt)
		if retryAfter > 0 && retryAfter > delay {
			delay = retryAfter
			if delay > c.retry.MaxDelay {
				delay = c.retry.MaxDelay
			}
		}
		c.logf("provider call failed (attempt %d/%d): %v; retrying in %s", attempt, attempts, err, delay)

		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.KindProviderRetryable, "context cancelled during provider retry", ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf("[provider] "+format, args...)
	}
}

// doOnce issues a single HTTP call and classifies the outcome. retryAfter
// is non-zero only when the provider supplied a Retry-After hint.
func (c *Client) doOnce(ctx context.Context, texts []string, targetLang string) ([]string, time.Duration, error) {
	payload, err := json.Marshal(translateRequest{Texts: texts, TargetLang: targetLang})
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.KindInternal, "marshal provider request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/translate", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.KindInternal, "build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.KindProviderRetryable, "provider request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out translateResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, 0, apierr.Wrap(apierr.KindProviderFatal, "decode provider response", err)
		}
		return out.Translations, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, retryAfter, apierr.New(apierr.KindProviderRetryable, fmt.Sprintf("provider rate limited: %s", truncate(string(body), 256)))

	case resp.StatusCode >= 500:
		return nil, 0, apierr.New(apierr.KindProviderRetryable, fmt.Sprintf("provider server error %d: %s", resp.StatusCode, truncate(string(body), 256)))

	case resp.StatusCode == 400, resp.StatusCode == 403, resp.StatusCode == 456:
		return nil, 0, apierr.New(apierr.KindProviderFatal, fmt.Sprintf("provider rejected request (%d): %s", resp.StatusCode, truncate(string(body), 256)))

	default:
		return nil, 0, apierr.New(apierr.KindProviderFatal, fmt.Sprintf("unexpected provider status %d: %s", resp.StatusCode, truncate(string(body), 256)))
	}
}

// backoffDelay computes d_k = clamp(min * factor^(k-1), min, max) jittered
// by a uniform factor in [1-j, 1+j].
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	min, max, factor, jitter := cfg.MinDelay, cfg.MaxDelay, cfg.Factor, cfg.Jitter
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	if factor <= 0 {
		factor = 2
	}

	d := float64(min)
	for k := 1; k < attempt; k++ {
		d *= factor
	}
	if d < float64(min) {
		d = float64(min)
	}
	if d > float64(max) {
		d = float64(max)
	}

	if jitter > 0 {
		lo := 1 - jitter
		span := 2 * jitter
		d *= lo + rand.Float64()*span
	}
	return time.Duration(d)
}

func parseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	val := strings.TrimSpace(header)
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs <= 0 {
			return 0, true
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(val); err == nil {
		if when.After(now) {
			return when.Sub(now), true
		}
		return 0, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// Mock is a Translator used when MOCK_PROVIDER=true, returning each input
// text suffixed with the target locale for deterministic local testing.
type Mock struct {
	Suffix func(targetLang string) string
}

// NewMock returns a Mock that appends " [<LANG>]" (upper-cased) to each text.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Translate(_ context.Context, texts []string, targetLang string) ([]string, error) {
	suffix := " [" + strings.ToUpper(targetLang) + "]"
	if m.Suffix != nil {
		suffix = m.Suffix(targetLang)
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = t + suffix
	}
	return out, nil
}
