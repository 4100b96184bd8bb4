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

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lexigate/internal/apierr"
)

func TestMockTranslateAppendsTargetLang(t *testing.T) {
	m := NewMock()
	out, err := m.Translate(context.Background(), []string{"Hello", "World"}, "fr")
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	want := []string{"Hello [FR]", "World [FR]"}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("entry %d: expected %q, got %q", i, want[i], out[i])
		}
	}
}

func TestMockTranslatePreservesOrderAndLength(t *testing.T) {
	m := NewMock()
	texts := []string{"a", "b", "c", "d"}
	out, err := m.Translate(context.Background(), texts, "es")
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if len(out) != len(texts) {
		t.Fatalf("expected %d translations, got %d", len(texts), len(out))
	}
}

func TestClientTranslateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req translateRequest
		json.NewDecoder(r.Body).Decode(&req)
		out := translateResponse{Translations: make([]string, len(req.Texts))}
		for i, t := range req.Texts {
			out.Translations[i] = t + "!"
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", 2*time.Second, DefaultRetryConfig(), nil)
	out, err := c.Translate(context.Background(), []string{"hi", "bye"}, "de")
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if out[0] != "hi!" || out[1] != "bye!" {
		t.Fatalf("unexpected translations: %v", out)
	}
}

func TestClientTranslateRetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req translateRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(translateResponse{Translations: req.Texts})
	}))
	defer srv.Close()

	cfg := RetryConfig{MaxRetries: 2, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2, Jitter: 0.1}
	c := NewClient(srv.URL, "test-key", 2*time.Second, cfg, nil)
	out, err := c.Translate(context.Background(), []string{"hi"}, "de")
	if err != nil {
		t.Fatalf("Translate failed after retry: %v", err)
	}
	if out[0] != "hi" {
		t.Fatalf("unexpected translation: %v", out)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", calls)
	}
}

func TestClientTranslateDoesNotRetryOn400(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	cfg := RetryConfig{MaxRetries: 3, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2, Jitter: 0}
	c := NewClient(srv.URL, "test-key", 2*time.Second, cfg, nil)
	_, err := c.Translate(context.Background(), []string{"hi"}, "de")
	if apierr.KindOf(err) != apierr.KindProviderFatal {
		t.Fatalf("expected provider_fatal, got %v (%s)", err, apierr.KindOf(err))
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call for a fatal status, got %d", calls)
	}
}

func TestClientTranslateExhaustsRetriesAndSurfacesError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := RetryConfig{MaxRetries: 2, MinDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond, Factor: 2, Jitter: 0}
	c := NewClient(srv.URL, "test-key", 2*time.Second, cfg, nil)
	_, err := c.Translate(context.Background(), []string{"hi"}, "de")
	if apierr.KindOf(err) != apierr.KindProviderRetryable {
		t.Fatalf("expected provider_retryable, got %v (%s)", err, apierr.KindOf(err))
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 1 initial attempt + 2 retries = 3 calls, got %d", calls)
	}
}

func TestClientTranslateHonorsRetryAfterSeconds(t *testing.T) {
	var calls int32
	var firstAt, secondAt time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			firstAt = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		secondAt = time.Now()
		var req translateRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(translateResponse{Translations: req.Texts})
	}))
	defer srv.Close()

	cfg := RetryConfig{MaxRetries: 1, MinDelay: time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2, Jitter: 0}
	c := NewClient(srv.URL, "test-key", 5*time.Second, cfg, nil)
	_, err := c.Translate(context.Background(), []string{"hi"}, "de")
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if secondAt.Sub(firstAt) < 900*time.Millisecond {
		t.Fatalf("expected the client to honor the 1s Retry-After hint, waited only %s", secondAt.Sub(firstAt))
	}
}

func TestClientTranslateMismatchedLengthIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(translateResponse{Translations: []string{"only-one"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", 2*time.Second, DefaultRetryConfig(), nil)
	_, err := c.Translate(context.Background(), []string{"a", "b"}, "de")
	if apierr.KindOf(err) != apierr.KindProviderFatal {
		t.Fatalf("expected provider_fatal on length mismatch, got %v (%s)", err, apierr.KindOf(err))
	}
}

func TestBackoffDelayIsClampedAndIncreasing(t *testing.T) {
	cfg := RetryConfig{MinDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2, Jitter: 0}
	d1 := backoffDelay(cfg, 1)
	d2 := backoffDelay(cfg, 2)
	d3 := backoffDelay(cfg, 3)
	if d1 != 500*time.Millisecond {
		t.Fatalf("expected first delay to equal min (no jitter), got %s", d1)
	}
	if d2 != time.Second {
		t.Fatalf("expected second delay to double, got %s", d2)
	}
	if d3 != 2*time.Second {
		t.Fatalf("expected third delay to double again, got %s", d3)
	}

	huge := backoffDelay(cfg, 20)
	if huge > cfg.MaxDelay {
		t.Fatalf("expected delay to clamp at max, got %s", huge)
	}
}

func TestBackoffDelayJitterStaysInBounds(t *testing.T) {
	cfg := RetryConfig{MinDelay: time.Second, MaxDelay: 10 * time.Second, Factor: 2, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		d := backoffDelay(cfg, 2)
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("jittered delay %s out of expected [1.6s,2.4s] range around a 2s base", d)
		}
	}
}

func TestParseRetryAfterNumericSeconds(t *testing.T) {
	d, ok := parseRetryAfter("5", time.Now())
	if !ok || d != 5*time.Second {
		t.Fatalf("expected 5s, got %s (ok=%v)", d, ok)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(10 * time.Second)
	d, ok := parseRetryAfter(future.Format(http.TimeFormat), now)
	if !ok {
		t.Fatalf("expected HTTP-date Retry-After to parse")
	}
	if d < 9*time.Second || d > 10*time.Second {
		t.Fatalf("expected roughly 10s, got %s", d)
	}
}

func TestParseRetryAfterInvalidIsIgnored(t *testing.T) {
	if _, ok := parseRetryAfter("not-a-date", time.Now()); ok {
		t.Fatalf("expected invalid Retry-After to be rejected")
	}
	if _, ok := parseRetryAfter("", time.Now()); ok {
		t.Fatalf("expected empty Retry-After to be rejected")
	}
}
