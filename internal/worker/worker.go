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

// Package worker implements the background loop that claims jobs from the
// lease queue, translates their pending work units in target-language
// groups, and completes or releases the claim depending on the outcome.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"lexigate/internal/provider"
	"lexigate/internal/store"
	"lexigate/pkg/translate"
)

// Store defines the persistence operations required by the worker.
type Store interface {
	Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*translate.ClaimResult, error)
	ClaimById(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (*translate.ClaimResult, error)
	Release(ctx context.Context, jobID, lockToken string, reason *string) error
	Complete(ctx context.Context, jobID, lockToken string, success bool, reason *string) error
	GetJobByID(ctx context.Context, id string) (*translate.Job, error)
	ListWorkUnits(ctx context.Context, jobID string) ([]translate.WorkUnit, error)
	ApplyTranslations(ctx context.Context, siteID, jobID string, results []store.TranslationResult) error
	AppendJobEvent(ctx context.Context, ev translate.JobEvent) error
}

// Config controls worker behavior and timeouts.
type Config struct {
	WorkerID     string
	LeaseSeconds int
	MaxAttempts  int
	IdlePollMs   int
	Concurrency  int
	HeartbeatMs  int
	ChunkSize    int
}

func (c *Config) setDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = defaultWorkerID()
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 300
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.IdlePollMs <= 0 {
		c.IdlePollMs = 2000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.HeartbeatMs <= 0 {
		c.HeartbeatMs = 60000
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 50
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), randomSuffix())
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000"
	}
	return hex.EncodeToString(b[:])
}

// Worker translates claimed jobs in groups per target language.
type Worker struct {
	store      Store
	translator provider.Translator
	cfg        Config
	logger     *log.Logger
	now        func() time.Time
}

// New constructs a Worker.
func New(st Store, translator provider.Translator, cfg Config, logger *log.Logger) *Worker {
	cfg.setDefaults()
	return &Worker{
		store:      st,
		translator: translator,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker %s] %s", w.cfg.WorkerID, fmt.Sprintf(format, args...))
	}
}

func (w *Worker) leaseTTL() time.Duration {
	return time.Duration(w.cfg.LeaseSeconds) * time.Second
}

// Run starts the background claim loop. It runs up to cfg.Concurrency jobs
// at once, stops claiming when ctx is canceled, and waits for in-flight
// jobs to finish before returning. A job still mid-processing when ctx is
// canceled releases its lease with reason "worker shutdown" so another
// worker can pick it up.
func (w *Worker) Run(ctx context.Context) {
	w.logf("starting worker; concurrency=%d lease=%ds idle_poll=%dms", w.cfg.Concurrency, w.cfg.LeaseSeconds, w.cfg.IdlePollMs)
	defer w.logf("worker stopped")

	var wg sync.WaitGroup
	sem := make(chan struct{}, w.cfg.Concurrency)
	heartbeat := time.NewTicker(time.Duration(w.cfg.HeartbeatMs) * time.Millisecond)
	defer heartbeat.Stop()
	idle := time.Duration(w.cfg.IdlePollMs) * time.Millisecond

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-heartbeat.C:
			w.logf("heartbeat")
		case sem <- struct{}{}:
			claim, err := w.store.Claim(ctx, w.cfg.WorkerID, w.leaseTTL())
			if err != nil {
				<-sem
				if !errors.Is(err, store.ErrNotFound) {
					w.logf("claim error: %v", err)
				}
				select {
				case <-ctx.Done():
					break loop
				case <-time.After(idle):
				}
				continue
			}
			wg.Add(1)
			go func(c *translate.ClaimResult) {
				defer wg.Done()
				defer func() { <-sem }()
				w.process(ctx, c)
			}(claim)
		}
	}

	wg.Wait()
}

// JobOutcome reports what happened to one claimed job, returned by RunBatch
// for the POST /worker/run trigger.
type JobOutcome struct {
	JobID             string
	Status            string // "ok" or "error"
	SegmentsProcessed int
	CacheHits         int
	CacheMisses       int
}

// RunBatch drains up to n claimable jobs synchronously on the calling
// goroutine, using the same per-job processing routine as Run, and returns
// one outcome per job actually claimed.
func (w *Worker) RunBatch(ctx context.Context, n int) []JobOutcome {
	outcomes := make([]JobOutcome, 0, n)
	for i := 0; i < n; i++ {
		claim, err := w.store.Claim(ctx, w.cfg.WorkerID, w.leaseTTL())
		if err != nil {
			break
		}
		outcomes = append(outcomes, w.process(ctx, claim))
	}
	return outcomes
}

// ProcessJob claims and processes one specific job by id, for callers that
// need deterministic targeting (an operator re-driving a stuck job, or a
// test asserting on a known job). Returns ErrNotFound if the job is not
// currently claimable.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) (JobOutcome, error) {
	claim, err := w.store.ClaimById(ctx, jobID, w.cfg.WorkerID, w.leaseTTL())
	if err != nil {
		return JobOutcome{}, err
	}
	return w.process(ctx, claim), nil
}

// process runs the full per-job translation algorithm: poison-pill check,
// group pending work units by target language, translate each group in
// chunks, persist each group in one ApplyTranslations call so partial
// progress survives a later group's failure,
// then Complete or Release depending on outcome.
func (w *Worker) process(ctx context.Context, claim *translate.ClaimResult) JobOutcome {
	outcome := JobOutcome{JobID: claim.JobID}

	if claim.Attempts > w.cfg.MaxAttempts {
		w.complete(ctx, claim, false, "exceeded maximum attempts")
		outcome.Status = "error"
		return outcome
	}

	job, err := w.store.GetJobByID(ctx, claim.JobID)
	if err != nil {
		w.releaseOrFail(ctx, claim, fmt.Sprintf("load job: %v", err))
		outcome.Status = "error"
		return outcome
	}

	units, err := w.store.ListWorkUnits(ctx, claim.JobID)
	if err != nil {
		w.releaseOrFail(ctx, claim, fmt.Sprintf("list work units: %v", err))
		outcome.Status = "error"
		return outcome
	}

	groups := groupPendingByTargetLang(units)
	for _, targetLang := range sortedLangs(groups) {
		if ctx.Err() != nil {
			w.release(ctx, claim, "worker shutdown")
			outcome.Status = "error"
			return outcome
		}

		pending := groups[targetLang]
		results := make([]store.TranslationResult, 0, len(pending))
		for start := 0; start < len(pending); start += w.cfg.ChunkSize {
			end := start + w.cfg.ChunkSize
			if end > len(pending) {
				end = len(pending)
			}
			chunk := pending[start:end]

			texts := make([]string, len(chunk))
			for i, u := range chunk {
				texts[i] = u.SourceText
			}

			translations, err := w.translator.Translate(ctx, texts, targetLang)
			if err != nil {
				w.releaseOrFail(ctx, claim, fmt.Sprintf("provider call failed: %v", err))
				outcome.Status = "error"
				return outcome
			}

			for i, u := range chunk {
				results = append(results, store.TranslationResult{
					UnitID:         u.ID,
					SegmentHash:    u.SegmentHash,
					TargetLang:     u.TargetLang,
					TranslatedText: translations[i],
				})
			}
		}
		if err := w.store.ApplyTranslations(ctx, job.SiteID, claim.JobID, results); err != nil {
			w.releaseOrFail(ctx, claim, fmt.Sprintf("persist translations: %v", err))
			outcome.Status = "error"
			return outcome
		}
		outcome.SegmentsProcessed += len(results)
	}

	w.complete(ctx, claim, true, "")
	outcome.Status = "ok"
	outcome.CacheMisses = outcome.SegmentsProcessed
	return outcome
}

func groupPendingByTargetLang(units []translate.WorkUnit) map[string][]translate.WorkUnit {
	groups := map[string][]translate.WorkUnit{}
	for _, u := range units {
		if u.TranslatedText != nil {
			continue
		}
		groups[u.TargetLang] = append(groups[u.TargetLang], u)
	}
	return groups
}

func sortedLangs(groups map[string][]translate.WorkUnit) []string {
	langs := make([]string, 0, len(groups))
	for l := range groups {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// releaseOrFail releases the claim for another worker to retry, unless
// attempts has already exceeded the cap, in which case the job fails. The
// strict ">" mirrors the poison-pill entry check at the top of process: a
// job is allowed exactly maxAttempts claims before it is given up on.
func (w *Worker) releaseOrFail(ctx context.Context, claim *translate.ClaimResult, reason string) {
	if claim.Attempts > w.cfg.MaxAttempts {
		w.complete(ctx, claim, false, reason)
		return
	}
	w.release(ctx, claim, reason)
}

// finalWriteTimeout bounds the fallback context substituted for an
// already-canceled ctx when a claim must still be released or completed
// (worker shutdown, or any other cancellation reached mid-processing).
const finalWriteTimeout = 10 * time.Second

// finalWriteContext returns ctx unchanged so long as it is still live. If
// ctx is already done (e.g. a shutdown signal canceled the worker's run
// context while this job was mid-flight), it substitutes a fresh
// context.Background() with a short deadline, so the final Release/Complete
// write still reaches the store instead of BeginTx failing immediately with
// context.Canceled and leaving the lease held until it expires.
func finalWriteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() != nil {
		return context.WithTimeout(context.Background(), finalWriteTimeout)
	}
	return ctx, func() {}
}

func (w *Worker) release(ctx context.Context, claim *translate.ClaimResult, reason string) {
	writeCtx, cancel := finalWriteContext(ctx)
	defer cancel()
	_ = w.appendEvent(writeCtx, claim.JobID, translate.EventLevelWarn, reason, nil)
	if err := w.store.Release(writeCtx, claim.JobID, claim.LockToken, &reason); err != nil {
		w.logf("job %s: release failed: %v", claim.JobID, err)
	}
}

func (w *Worker) complete(ctx context.Context, claim *translate.ClaimResult, success bool, reason string) {
	writeCtx, cancel := finalWriteContext(ctx)
	defer cancel()

	var reasonPtr *string
	level := translate.EventLevelInfo
	msg := "job completed"
	if !success {
		reasonPtr = &reason
		level = translate.EventLevelError
		msg = reason
	}
	_ = w.appendEvent(writeCtx, claim.JobID, level, msg, nil)
	if err := w.store.Complete(writeCtx, claim.JobID, claim.LockToken, success, reasonPtr); err != nil {
		w.logf("job %s: complete failed: %v", claim.JobID, err)
	}
}

func (w *Worker) appendEvent(ctx context.Context, jobID string, level translate.EventLevel, msg string, step *string) error {
	ev := translate.JobEvent{
		JobID:   jobID,
		Time:    w.now(),
		Level:   level,
		Message: truncate(msg, 2000),
		Step:    step,
	}
	return w.store.AppendJobEvent(ctx, ev)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
