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

// Package integration exercises the translation job pipeline end to end
// against a real SQLite-backed store: intake, the lease queue, and the
// worker loop wired together the way cmd/lexigate/main.go wires them.
package integration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"lexigate/internal/api"
	"lexigate/internal/hasher"
	"lexigate/internal/intake"
	"lexigate/internal/store"
	"lexigate/internal/worker"
	"lexigate/pkg/translate"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pipeline.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type noopFetcher struct{}

func (noopFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return nil, errors.New("unexpected fetch in an html-only scenario")
}

func newCoordinator(s *store.Store) *intake.Coordinator {
	return intake.New(s, noopFetcher{}, intake.Limits{MaxHTMLBytes: 2 << 20}, nil)
}

// suffixingProvider is a deterministic Translator standing in for the
// mock provider of scenario 3: it returns `"{text} [fr]"`, appending the
// target language exactly as given (not upper-cased).
type suffixingProvider struct{}

func (suffixingProvider) Translate(_ context.Context, texts []string, targetLang string) ([]string, error) {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = t + " [" + targetLang + "]"
	}
	return out, nil
}

// fatalProvider always rejects with a non-retryable provider error, the
// poison-pill scenario's "provider always returns 400" stand-in.
type fatalProvider struct{ calls int }

func (f *fatalProvider) Translate(context.Context, []string, string) ([]string, error) {
	f.calls++
	return nil, errors.New("provider rejected request (400): malformed locale")
}

// Scenario 1: fully cached document requires no job at all.
func TestFullyCachedYieldsNoJobAndNoQueueEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	siteID := "site-fully-cached"

	if err := s.TouchSite(ctx, siteID); err != nil {
		t.Fatalf("touch site: %v", err)
	}
	seedMemory(t, s, siteID, "es", map[string]string{
		hasher.Hash("Hello world."): "Hola mundo.",
		hasher.Hash("Goodbye."):     "Adios.",
	})

	coord := newCoordinator(s)
	result, err := coord.Admit(ctx, intake.Request{
		SiteID:        siteID,
		HTML:          "<p>Hello world.</p><p>Goodbye.</p>",
		TargetLocales: []string{"es"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.JobID != nil {
		t.Fatalf("expected no job, got %q", *result.JobID)
	}
	if result.CachedCount != 2 || result.ToTranslateCount != 0 {
		t.Fatalf("unexpected counts: %+v", result)
	}

	if _, err := s.Claim(ctx, "probe-worker", 300*time.Second); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no claimable queue entry, got err=%v", err)
	}
}

// Scenario 2: partial cache hit creates exactly one job with the cache
// misses as its work units, and a claimable queue row.
func TestPartialHitCreatesJobForMisses(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	siteID := "site-partial"

	if err := s.TouchSite(ctx, siteID); err != nil {
		t.Fatalf("touch site: %v", err)
	}
	seedMemory(t, s, siteID, "es", map[string]string{
		hasher.Hash("Hello world."): "Hola mundo.",
		hasher.Hash("Goodbye."):     "Adios.",
	})

	coord := newCoordinator(s)
	result, err := coord.Admit(ctx, intake.Request{
		SiteID:        siteID,
		HTML:          "<p>Hello world.</p><p>Goodbye.</p>",
		TargetLocales: []string{"es", "fr"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.JobID == nil {
		t.Fatal("expected a job to be created")
	}
	if result.CachedCount != 2 || result.ToTranslateCount != 2 {
		t.Fatalf("unexpected counts: %+v", result)
	}

	job, err := s.GetJobByID(ctx, *result.JobID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if job.Status != translate.JobStatusPending || job.RequestedSegments != 2 {
		t.Fatalf("unexpected job state: %+v", job)
	}

	units, err := s.ListWorkUnits(ctx, *result.JobID)
	if err != nil {
		t.Fatalf("ListWorkUnits: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 work units, got %d", len(units))
	}
	for _, u := range units {
		if u.TargetLang != "fr" {
			t.Fatalf("expected only fr misses, got %q", u.TargetLang)
		}
	}

	claim, err := s.Claim(ctx, "w1", 300*time.Second)
	if err != nil {
		t.Fatalf("expected a claimable queue entry: %v", err)
	}
	if claim.JobID != *result.JobID {
		t.Fatalf("claimed wrong job: %s", claim.JobID)
	}
	if err := s.Release(ctx, claim.JobID, claim.LockToken, nil); err != nil {
		t.Fatalf("release: %v", err)
	}
}

// Scenario 3: a full claim -> translate -> complete cycle warms the
// translation memory and leaves the queue entry processed.
func TestWorkerHappyPathCompletesJobAndWarmsMemory(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	siteID := "site-happy"

	coord := newCoordinator(s)
	result, err := coord.Admit(ctx, intake.Request{
		SiteID:        siteID,
		HTML:          "<p>Hello world.</p><p>Goodbye.</p>",
		TargetLocales: []string{"fr"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.JobID == nil {
		t.Fatal("expected a job")
	}

	w := worker.New(s, suffixingProvider{}, worker.Config{LeaseSeconds: 300, MaxAttempts: 5}, nil)
	outcomes := w.RunBatch(ctx, 1)
	if len(outcomes) != 1 || outcomes[0].Status != "ok" {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}

	job, err := s.GetJobByID(ctx, *result.JobID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if job.Status != translate.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.TranslatedSegments != job.RequestedSegments {
		t.Fatalf("translated=%d requested=%d", job.TranslatedSegments, job.RequestedSegments)
	}

	units, err := s.ListWorkUnits(ctx, *result.JobID)
	if err != nil {
		t.Fatalf("ListWorkUnits: %v", err)
	}
	for _, u := range units {
		if u.TranslatedText == nil || !bytes.Contains([]byte(*u.TranslatedText), []byte("[fr]")) {
			t.Fatalf("unit not translated as expected: %+v", u)
		}
	}

	mem, err := s.ProbeMemory(ctx, siteID, "fr", []string{units[0].SegmentHash, units[1].SegmentHash})
	if err != nil {
		t.Fatalf("ProbeMemory: %v", err)
	}
	if len(mem) != 2 {
		t.Fatalf("expected memory warmed with 2 entries, got %d", len(mem))
	}

	// Queue is terminal: nothing left claimable for this job.
	if _, err := s.Claim(ctx, "w2", 300*time.Second); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no claimable jobs after completion, got %v", err)
	}

	// Cache warming law: re-admitting the same segments with the same
	// target now yields zero misses.
	result2, err := coord.Admit(ctx, intake.Request{
		SiteID:        siteID,
		HTML:          "<p>Hello world.</p><p>Goodbye.</p>",
		TargetLocales: []string{"fr"},
	})
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if result2.JobID != nil || result2.ToTranslateCount != 0 {
		t.Fatalf("expected fully cached re-admission, got %+v", result2)
	}
}

// Scenario 4: a worker that dies mid-processing leaves a lease that
// expires; the next Claim picks the job back up with attempts
// incremented, and the dead worker's own Release is rejected as stale.
func TestCrashedWorkerLeaseIsReclaimedWithBumpedAttempts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	siteID := "site-crash"

	coord := newCoordinator(s)
	result, err := coord.Admit(ctx, intake.Request{
		SiteID:        siteID,
		HTML:          "<p>Crash recovery text.</p>",
		TargetLocales: []string{"de"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	firstClaim, err := s.Claim(ctx, "worker-a", 1*time.Second)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if firstClaim.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", firstClaim.Attempts)
	}

	time.Sleep(2 * time.Second) // lease expires; worker-a never comes back

	secondClaim, err := s.Claim(ctx, "worker-b", 300*time.Second)
	if err != nil {
		t.Fatalf("second claim should reclaim expired lease: %v", err)
	}
	if secondClaim.JobID != *result.JobID {
		t.Fatalf("expected same job reclaimed, got %s", secondClaim.JobID)
	}
	if secondClaim.Attempts != 2 {
		t.Fatalf("expected attempts=2 after reclaim, got %d", secondClaim.Attempts)
	}
	if secondClaim.LockToken == firstClaim.LockToken {
		t.Fatal("expected a fresh lock token on reclaim")
	}

	// The defunct worker's own release now matches no row.
	if err := s.Release(ctx, firstClaim.JobID, firstClaim.LockToken, nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected stale release to be rejected, got %v", err)
	}
}

// Scenario 5: a job whose provider calls always fail non-retryably is
// cycled through Claim/Release up to maxAttempts, then marked failed with
// the error recorded and the queue terminal.
func TestPoisonPillJobFailsPermanentlyAfterMaxAttempts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	siteID := "site-poison"
	const maxAttempts = 3

	coord := newCoordinator(s)
	result, err := coord.Admit(ctx, intake.Request{
		SiteID:        siteID,
		HTML:          "<p>Always rejected.</p>",
		TargetLocales: []string{"zz"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	prov := &fatalProvider{}
	w := worker.New(s, prov, worker.Config{LeaseSeconds: 300, MaxAttempts: maxAttempts}, nil)

	// maxAttempts cycles of Claim->Release (attempts 1..maxAttempts, each
	// still within the cap), then a final (maxAttempts+1)th Claim whose
	// attempts strictly exceed the cap: the worker observes that at the top
	// of process, skips the provider call entirely, and completes as failed.
	var lastOutcome worker.JobOutcome
	for i := 0; i < maxAttempts; i++ {
		outs := w.RunBatch(ctx, 1)
		if len(outs) != 1 {
			t.Fatalf("cycle %d: expected exactly one claimable job, got %d", i, len(outs))
		}
		if outs[0].Status != "error" {
			t.Fatalf("cycle %d: expected a released (error) outcome, got %+v", i, outs[0])
		}
	}

	outs := w.RunBatch(ctx, 1)
	if len(outs) != 1 {
		t.Fatalf("final cycle: expected exactly one claimable job, got %d", len(outs))
	}
	lastOutcome = outs[0]

	if lastOutcome.Status != "error" {
		t.Fatalf("expected final outcome to be an error, got %+v", lastOutcome)
	}

	job, err := s.GetJobByID(ctx, *result.JobID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if job.Status != translate.JobStatusFailed {
		t.Fatalf("expected job failed, got %s", job.Status)
	}
	if job.LastError == nil || *job.LastError == "" {
		t.Fatal("expected last_error to be recorded")
	}

	if _, err := s.Claim(ctx, "w-final", 300*time.Second); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected queue terminal after failure, got %v", err)
	}
	// The final cycle's claim (attempts > maxAttempts) is rejected before
	// ever calling the provider, so the provider is only called on the
	// maxAttempts releasing cycles, matching the "attempts=4 > max" wording
	// of the seed scenario.
	if prov.calls != maxAttempts {
		t.Fatalf("expected provider called once per releasing attempt (%d), got %d", maxAttempts, prov.calls)
	}
}

// Scenario 6: a replayed, identically-signed webhook delivery is
// deduplicated by event id and produces no additional side effects.
func TestWebhookReplayIsDeduplicated(t *testing.T) {
	s := newStore(t)
	secret := "whsec_test"
	handler := api.NewWebhookHandler(s, secret, nil)

	body, err := json.Marshal(map[string]any{
		"meta": map[string]any{"event_name": "subscription_created"},
		"data": map[string]any{"id": "evt_12345"},
	})
	if err != nil {
		t.Fatalf("marshal webhook body: %v", err)
	}
	sig := signBody(secret, body)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signedWebhookRequest(body, sig, "subscription_created"))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery: expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signedWebhookRequest(body, sig, "subscription_created"))
	if second.Code != http.StatusOK {
		t.Fatalf("replayed delivery: expected 200, got %d", second.Code)
	}

	var secondBody map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &secondBody); err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if dup, _ := secondBody["duplicate"].(bool); !dup {
		t.Fatalf("expected replayed delivery to be flagged duplicate, got %v", secondBody)
	}

	inserted, err := s.InsertWebhookEventIfNew(context.Background(), "evt_12345", "subscription_created")
	if err != nil {
		t.Fatalf("InsertWebhookEventIfNew: %v", err)
	}
	if inserted {
		t.Fatal("expected exactly one persisted event row for this event id")
	}
}

func signedWebhookRequest(body []byte, signature, eventName string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/lemonsqueezy", bytes.NewReader(body))
	req.Header.Set("x-signature", signature)
	req.Header.Set("x-event-name", eventName)
	return req
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func seedMemory(t *testing.T, s *store.Store, siteID, targetLang string, textByHash map[string]string) {
	t.Helper()
	for hash, translated := range textByHash {
		err := s.UpsertMemory(context.Background(), translate.MemoryEntry{
			SiteID:         siteID,
			SegmentHash:    hash,
			TargetLang:     targetLang,
			TranslatedText: translated,
		})
		if err != nil {
			t.Fatalf("seed memory: %v", err)
		}
	}
}
