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

// Package intake implements transactional admission of a translation
// request: fetch, segment, probe the translation memory, then create a
// job and enqueue it for the worker loop.
package intake

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"lexigate/internal/apierr"
	"lexigate/internal/segment"
	"lexigate/internal/store"
	"lexigate/pkg/translate"
)

// Fetcher retrieves the body of a source URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Store is the subset of internal/store.Store the coordinator depends on.
type Store interface {
	TouchSite(ctx context.Context, siteID string) error
	ProbeMemory(ctx context.Context, siteID, targetLang string, hashes []string) (map[string]string, error)
	CreateJob(ctx context.Context, in store.NewJobInput) (created bool, job *translate.Job, err error)
}

// Limits bounds the work a single intake request may generate.
type Limits struct {
	MaxHTMLBytes          int64
	MaxSegments           int
	MaxSegmentTargetPairs int
}

// Coordinator implements C6: transactional admission of a translation
// request as described by the intake algorithm (resolve HTML, segment,
// probe cache, create job, enqueue).
type Coordinator struct {
	store   Store
	fetcher Fetcher
	limits  Limits
	logger  *log.Logger
}

// New constructs a Coordinator.
func New(st Store, f Fetcher, limits Limits, logger *log.Logger) *Coordinator {
	return &Coordinator{store: st, fetcher: f, limits: limits, logger: logger}
}

// Request is the decoded POST /translate body.
type Request struct {
	SiteID         string
	URL            string
	HTML           string
	TargetLocales  []string
	IdempotencyKey string
}

// Result is the POST /translate response body.
type Result struct {
	JobID            *string
	CachedCount      int
	ToTranslateCount int
}

// Admit runs the full intake algorithm. Any store error aborts the whole
// operation; no partial state is ever observable by a caller.
func (c *Coordinator) Admit(ctx context.Context, req Request) (*Result, error) {
	if req.SiteID == "" {
		return nil, apierr.New(apierr.KindValidation, "siteId is required")
	}
	if len(req.TargetLocales) == 0 {
		return nil, apierr.New(apierr.KindValidation, "targetLocales must be non-empty")
	}
	if (req.URL == "") == (req.HTML == "") {
		return nil, apierr.New(apierr.KindValidation, "exactly one of url or html must be supplied")
	}

	html := []byte(req.HTML)
	if req.URL != "" {
		body, err := c.fetcher.Fetch(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		html = body
	}
	if c.limits.MaxHTMLBytes > 0 && int64(len(html)) > c.limits.MaxHTMLBytes {
		return nil, apierr.New(apierr.KindPayloadTooLarge, "document exceeds max html bytes")
	}

	segments := segment.Extract(html)
	if len(segments) == 0 {
		return &Result{JobID: nil, CachedCount: 0, ToTranslateCount: 0}, nil
	}
	if c.limits.MaxSegments > 0 && len(segments) > c.limits.MaxSegments {
		return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("document has %d segments, exceeds TRANSLATE_MAX_SEGMENTS cap of %d", len(segments), c.limits.MaxSegments))
	}

	pairCount := len(segments) * len(req.TargetLocales)
	if c.limits.MaxSegmentTargetPairs > 0 && pairCount > c.limits.MaxSegmentTargetPairs {
		return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("%d segment/target pairs exceeds TRANSLATE_MAX_SEGMENT_TARGET_PAIRS cap of %d", pairCount, c.limits.MaxSegmentTargetPairs))
	}

	if err := c.store.TouchSite(ctx, req.SiteID); err != nil {
		return nil, apierr.Wrap(apierr.KindDBTransient, "touch site", err)
	}

	cachedCount := 0
	misses := make([]translate.WorkUnit, 0, pairCount)
	for _, targetLang := range req.TargetLocales {
		hashes := make([]string, len(segments))
		for i, s := range segments {
			hashes[i] = s.Hash
		}

		hits, err := c.store.ProbeMemory(ctx, req.SiteID, targetLang, hashes)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindDBTransient, "probe translation memory", err)
		}
		cachedCount += len(hits)

		for i, s := range segments {
			if _, ok := hits[s.Hash]; ok {
				continue
			}
			misses = append(misses, translate.WorkUnit{
				SourceLang:  "auto",
				TargetLang:  targetLang,
				SegmentHash: s.Hash,
				SourceText:  s.Text,
				Ordinal:     i,
			})
		}
	}

	if len(misses) == 0 {
		return &Result{JobID: nil, CachedCount: cachedCount, ToTranslateCount: 0}, nil
	}

	job := translate.Job{
		ID:        uuid.New().String(),
		SiteID:    req.SiteID,
		CreatedAt: time.Now().UTC(),
	}
	if req.URL != "" {
		u := req.URL
		job.SourceURL = &u
	}
	if req.IdempotencyKey != "" {
		k := req.IdempotencyKey
		job.IdempotencyKey = &k
	}

	_, resultJob, err := c.store.CreateJob(ctx, store.NewJobInput{Job: job, WorkUnits: misses})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindDBTransient, "create job", err)
	}

	jobID := resultJob.ID
	c.logf("intake admitted job %s for site %s: %d cached, %d to translate", jobID, req.SiteID, cachedCount, len(misses))
	return &Result{JobID: &jobID, CachedCount: cachedCount, ToTranslateCount: len(misses)}, nil
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf("[intake] "+format, args...)
	}
}
