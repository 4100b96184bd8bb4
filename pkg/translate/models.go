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

// Package translate contains the shared data models used by the store,
// intake, worker, and API layers.
package translate

import "time"

// JobStatus is the lifecycle state of a translation job.
// States: pending -> processing -> {completed|failed}, with processing able
// to fall back to pending on a retryable release.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// EventLevel represents the severity of a job event log entry.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// String returns the string value of the EventLevel.
func (l EventLevel) String() string { return string(l) }

// Segment is an ephemeral text fragment produced by the segmenter. The hash
// is its persistent identity; Text and Locator never survive past intake.
type Segment struct {
	Hash    string
	Text    string
	Locator string
}

// Job is a client's translation request and its lifecycle.
type Job struct {
	ID                  string     `db:"id"`
	SiteID              string     `db:"site_id"`
	SourceURL           *string    `db:"source_url"`
	Status              JobStatus  `db:"status"`
	IdempotencyKey      *string    `db:"idempotency_key"`
	CreatedAt           time.Time  `db:"created_at"`
	StartedAt           *time.Time `db:"started_at"`
	CompletedAt         *time.Time `db:"completed_at"`
	FailedAt            *time.Time `db:"failed_at"`
	RequestedSegments   int        `db:"requested_segments"`
	TranslatedSegments  int        `db:"translated_segments"`
	LastError           *string    `db:"last_error"`
}

// WorkUnit is one pending fragment x target-locale pair for a Job.
type WorkUnit struct {
	ID             int64   `db:"id"`
	JobID          string  `db:"job_id"`
	SourceLang     string  `db:"source_lang"`
	TargetLang     string  `db:"target_lang"`
	SegmentHash    string  `db:"segment_hash"`
	SourceText     string  `db:"source_text"`
	TranslatedText *string `db:"translated_text"`
	// Ordinal preserves document order for best-effort completed-HTML assembly (C8).
	Ordinal int `db:"ordinal"`
}

// MemoryEntry is a cross-job reusable translation for a site.
type MemoryEntry struct {
	SiteID         string    `db:"site_id"`
	SegmentHash    string    `db:"segment_hash"`
	TargetLang     string    `db:"target_lang"`
	TranslatedText string    `db:"translated_text"`
	CreatedAt      time.Time `db:"created_at"`
}

// QueueEntry is the leasing row backing the Lease Queue (C5) for one job.
type QueueEntry struct {
	JobID          string     `db:"job_id"`
	EnqueuedAt     time.Time  `db:"enqueued_at"`
	Processed      bool       `db:"processed"`
	ProcessedAt    *time.Time `db:"processed_at"`
	Attempts       int        `db:"attempts"`
	LockedAt       *time.Time `db:"locked_at"`
	LockedBy       *string    `db:"locked_by"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	LockToken      *string    `db:"lock_token"`
	LastError      *string    `db:"last_error"`
}

// JobEvent is an append-only diagnostic event stream for a Job. Ambient
// observability only; no client-visible correctness depends on it.
type JobEvent struct {
	ID      int64      `db:"id"`
	JobID   string     `db:"job_id"`
	Time    time.Time  `db:"time"`
	Level   EventLevel `db:"level"`
	Message string     `db:"message"`
	Step    *string    `db:"step"`
}

// ClaimResult is returned by a successful Claim/ClaimById.
type ClaimResult struct {
	JobID     string
	LockToken string
	Attempts  int
}
