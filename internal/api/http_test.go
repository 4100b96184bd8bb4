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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lexigate/internal/api"
	"lexigate/internal/intake"
	"lexigate/internal/store"
	"lexigate/internal/worker"
	"lexigate/pkg/translate"
)

type fakeIntake struct {
	result *intake.Result
	err    error
	got    intake.Request
}

func (f *fakeIntake) Admit(ctx context.Context, req intake.Request) (*intake.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeWorker struct {
	outcomes []worker.JobOutcome
	gotN     int
}

func (f *fakeWorker) RunBatch(ctx context.Context, n int) []worker.JobOutcome {
	f.gotN = n
	return f.outcomes
}

type fakeJobStore struct {
	jobs  map[string]*translate.Job
	units map[string][]translate.WorkUnit
}

func (f *fakeJobStore) GetJobByID(ctx context.Context, id string) (*translate.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobStore) ListWorkUnits(ctx context.Context, jobID string) ([]translate.WorkUnit, error) {
	return f.units[jobID], nil
}

func newTestMux(in api.Intake, w api.Worker, st api.JobStore) *http.ServeMux {
	a := api.New(in, w, st, 5, nil)
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

func TestHandleTranslateCachedFully(t *testing.T) {
	fi := &fakeIntake{result: &intake.Result{JobID: nil, CachedCount: 2, ToTranslateCount: 0}}
	mux := newTestMux(fi, &fakeWorker{}, &fakeJobStore{})

	body, _ := json.Marshal(map[string]any{
		"siteId":        "site-1",
		"html":          "<p>Hello world.</p>",
		"targetLocales": []string{"es"},
	})
	req := httptest.NewRequest(http.MethodPost, "/translate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["jobId"] != nil {
		t.Errorf("expected null jobId, got %v", resp["jobId"])
	}
	if resp["cachedCount"].(float64) != 2 {
		t.Errorf("unexpected cachedCount: %v", resp["cachedCount"])
	}
}

func TestHandleTranslateMalformedBody(t *testing.T) {
	mux := newTestMux(&fakeIntake{}, &fakeWorker{}, &fakeJobStore{})
	req := httptest.NewRequest(http.MethodPost, "/translate", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleStatusNotFound(t *testing.T) {
	mux := newTestMux(&fakeIntake{}, &fakeWorker{}, &fakeJobStore{jobs: map[string]*translate.Job{}})
	req := httptest.NewRequest(http.MethodGet, "/translate/missing-job", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleStatusProcessingHasProgress(t *testing.T) {
	job := &translate.Job{
		ID: "job-1", SiteID: "site-1", Status: translate.JobStatusProcessing,
		RequestedSegments: 4, TranslatedSegments: 1, CreatedAt: time.Now(),
	}
	st := &fakeJobStore{jobs: map[string]*translate.Job{"job-1": job}}
	mux := newTestMux(&fakeIntake{}, &fakeWorker{}, st)

	req := httptest.NewRequest(http.MethodGet, "/translate/job-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status   string `json:"status"`
		Progress struct {
			Completed int `json:"completed"`
			Total     int `json:"total"`
		} `json:"progress"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "processing" {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if resp.Progress.Completed != 1 || resp.Progress.Total != 4 {
		t.Errorf("unexpected progress: %+v", resp.Progress)
	}
}

func TestHandleStatusCompletedAssemblesHTML(t *testing.T) {
	translated := "[FR] Hello"
	job := &translate.Job{
		ID: "job-2", SiteID: "site-1", Status: translate.JobStatusCompleted,
		RequestedSegments: 1, TranslatedSegments: 1, CreatedAt: time.Now(),
	}
	st := &fakeJobStore{
		jobs: map[string]*translate.Job{"job-2": job},
		units: map[string][]translate.WorkUnit{
			"job-2": {{JobID: "job-2", TargetLang: "fr", SourceText: "Hello", TranslatedText: &translated, Ordinal: 0}},
		},
	}
	mux := newTestMux(&fakeIntake{}, &fakeWorker{}, st)

	req := httptest.NewRequest(http.MethodGet, "/translate/job-2", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp struct {
		CompletedHTML map[string]string `json:"completed_html"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CompletedHTML["fr"] != "[FR] Hello" {
		t.Errorf("unexpected completed_html: %+v", resp.CompletedHTML)
	}
}

func TestHandleStatusSiteMismatchIsNotFound(t *testing.T) {
	job := &translate.Job{ID: "job-3", SiteID: "site-1", Status: translate.JobStatusPending, CreatedAt: time.Now()}
	st := &fakeJobStore{jobs: map[string]*translate.Job{"job-3": job}}
	mux := newTestMux(&fakeIntake{}, &fakeWorker{}, st)

	req := httptest.NewRequest(http.MethodGet, "/translate/job-3?siteId=site-2", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-tenant access, got %d", rec.Code)
	}
}

func TestHandleWorkerRunDefaultBatch(t *testing.T) {
	fw := &fakeWorker{outcomes: []worker.JobOutcome{{JobID: "job-1", Status: "ok", SegmentsProcessed: 2}}}
	mux := newTestMux(&fakeIntake{}, fw, &fakeJobStore{})

	req := httptest.NewRequest(http.MethodPost, "/worker/run", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fw.gotN != 5 {
		t.Errorf("expected default batch of 5, got %d", fw.gotN)
	}
	var outcomes []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &outcomes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0]["jobId"] != "job-1" {
		t.Errorf("unexpected outcomes: %+v", outcomes)
	}
}

func TestHandleWorkerRunExplicitBatch(t *testing.T) {
	fw := &fakeWorker{}
	mux := newTestMux(&fakeIntake{}, fw, &fakeJobStore{})

	req := httptest.NewRequest(http.MethodPost, "/worker/run?batch=10", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if fw.gotN != 10 {
		t.Errorf("expected batch of 10, got %d", fw.gotN)
	}
}
