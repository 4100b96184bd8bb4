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

// Package api implements the HTTP surface of the translation job pipeline:
// POST /translate (intake), GET /translate/:jobId (status), and
// POST /worker/run (synchronous worker drain trigger).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"lexigate/internal/apierr"
	"lexigate/internal/ctxkeys"
	"lexigate/internal/intake"
	"lexigate/internal/metrics"
	"lexigate/internal/store"
	"lexigate/internal/worker"
	"lexigate/pkg/translate"
)

// Intake is the subset of intake.Coordinator the API depends on.
type Intake interface {
	Admit(ctx context.Context, req intake.Request) (*intake.Result, error)
}

// Worker is the subset of worker.Worker the POST /worker/run trigger uses.
type Worker interface {
	RunBatch(ctx context.Context, n int) []worker.JobOutcome
}

// JobStore is the subset of internal/store.Store the status reader (C8)
// needs.
type JobStore interface {
	GetJobByID(ctx context.Context, id string) (*translate.Job, error)
	ListWorkUnits(ctx context.Context, jobID string) ([]translate.WorkUnit, error)
}

// API wires the three externally-visible HTTP operations to their
// underlying domain components.
type API struct {
	intake       Intake
	worker       Worker
	store        JobStore
	defaultBatch int
	logger       *log.Logger
}

// New constructs an API. defaultBatch is used for POST /worker/run when the
// caller omits the batch query parameter.
func New(in Intake, w Worker, st JobStore, defaultBatch int, logger *log.Logger) *API {
	if defaultBatch <= 0 {
		defaultBatch = 1
	}
	return &API{intake: in, worker: w, store: st, defaultBatch: defaultBatch, logger: logger}
}

// Register wires all routes onto mux. Callers apply auth middleware
// (BearerAuth / WorkerSecretAuth) around the handlers they pass in, or may
// wrap the whole mux externally.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /translate", a.handleTranslate)
	mux.HandleFunc("GET /translate/{jobId}", a.handleStatus)
	mux.HandleFunc("POST /worker/run", a.handleWorkerRun)
}

// translateRequestBody is the POST /translate JSON body.
type translateRequestBody struct {
	SiteID         string   `json:"siteId"`
	URL            string   `json:"url,omitempty"`
	HTML           string   `json:"html,omitempty"`
	TargetLocales  []string `json:"targetLocales"`
	IdempotencyKey string   `json:"idempotencyKey,omitempty"`
}

type translateResponseBody struct {
	JobID            *string `json:"jobId"`
	CachedCount      int     `json:"cachedCount"`
	ToTranslateCount int     `json:"toTranslateCount"`
}

func (a *API) handleTranslate(w http.ResponseWriter, r *http.Request) {
	ctx, corrID := ctxkeys.EnsureCorrelationID(r.Context())

	var body translateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		metrics.ObserveIntake("error")
		writeError(w, http.StatusBadRequest, string(apierr.KindValidation), "malformed JSON body")
		return
	}

	result, err := a.intake.Admit(ctx, intake.Request{
		SiteID:         body.SiteID,
		URL:            body.URL,
		HTML:           body.HTML,
		TargetLocales:  body.TargetLocales,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		metrics.ObserveIntake("error")
		a.logf("intake failed corr=%s: %v", corrID, err)
		writeAPIErr(w, err)
		return
	}

	outcome := "enqueued"
	if result.JobID == nil {
		outcome = "cached"
	}
	metrics.ObserveIntake(outcome)

	writeJSON(w, http.StatusOK, translateResponseBody{
		JobID:            result.JobID,
		CachedCount:      result.CachedCount,
		ToTranslateCount: result.ToTranslateCount,
	})
}

type progressBody struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type statusResponseBody struct {
	Status        string              `json:"status"`
	Progress      *progressBody       `json:"progress,omitempty"`
	CompletedHTML map[string]string   `json:"completed_html,omitempty"`
}

// handleStatus implements C8: verify tenant ownership, report status,
// progress while in flight, and a best-effort per-locale concatenation of
// translated fragments once completed.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("jobId")
	siteID := r.URL.Query().Get("siteId")

	job, err := a.store.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, string(apierr.KindNotFound), "job not found")
			return
		}
		writeAPIErr(w, apierr.Wrap(apierr.KindDBTransient, "read job", err))
		return
	}
	if siteID != "" && job.SiteID != siteID {
		writeError(w, http.StatusNotFound, string(apierr.KindNotFound), "job not found")
		return
	}

	resp := statusResponseBody{Status: job.Status.String()}

	if job.Status == translate.JobStatusProcessing || job.Status == translate.JobStatusCompleted {
		resp.Progress = &progressBody{Completed: job.TranslatedSegments, Total: job.RequestedSegments}
	}

	if job.Status == translate.JobStatusCompleted {
		units, err := a.store.ListWorkUnits(ctx, jobID)
		if err != nil {
			writeAPIErr(w, apierr.Wrap(apierr.KindDBTransient, "read work units", err))
			return
		}
		resp.CompletedHTML = assembleCompletedHTML(units)
	}

	writeJSON(w, http.StatusOK, resp)
}

// assembleCompletedHTML joins each locale's fragments in document order,
// falling back to source text for any unit that never got translated.
// Full HTML reconstruction is out of scope; this is a best-effort text join.
func assembleCompletedHTML(units []translate.WorkUnit) map[string]string {
	byLocale := map[string][]string{}
	order := []string{}
	seen := map[string]bool{}
	for _, u := range units {
		if !seen[u.TargetLang] {
			seen[u.TargetLang] = true
			order = append(order, u.TargetLang)
		}
		text := u.SourceText
		if u.TranslatedText != nil {
			text = *u.TranslatedText
		}
		byLocale[u.TargetLang] = append(byLocale[u.TargetLang], text)
	}
	out := make(map[string]string, len(order))
	for _, locale := range order {
		out[locale] = strings.Join(byLocale[locale], " ")
	}
	return out
}

type workerRunOutcomeBody struct {
	JobID             string `json:"jobId"`
	Status            string `json:"status"`
	SegmentsProcessed int    `json:"segmentsProcessed"`
	CacheHits         int    `json:"cacheHits"`
	CacheMisses       int    `json:"cacheMisses"`
}

func (a *API) handleWorkerRun(w http.ResponseWriter, r *http.Request) {
	batch := a.defaultBatch
	if raw := r.URL.Query().Get("batch"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			batch = n
		}
	}

	outcomes := a.worker.RunBatch(r.Context(), batch)
	body := make([]workerRunOutcomeBody, len(outcomes))
	for i, o := range outcomes {
		body[i] = workerRunOutcomeBody{
			JobID:             o.JobID,
			Status:            o.Status,
			SegmentsProcessed: o.SegmentsProcessed,
			CacheHits:         o.CacheHits,
			CacheMisses:       o.CacheMisses,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errors.New("empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, errors.New("not positive")
	}
	return n, nil
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, jsonError{Error: kind, Message: message})
}

func writeAPIErr(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	message := string(kind)
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		message = apiErr.ClientMessage()
	}
	writeError(w, kind.HTTPStatus(), string(kind), message)
}

func (a *API) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf("[api] "+format, args...)
	}
}
