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

// Package store provides a SQLite-backed persistence layer for the
// translation job pipeline: job/work-unit storage, the cross-job
// translation memory cache, and the lease queue that hands jobs to
// workers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"lexigate/pkg/translate"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates an idempotency key or lock token collision.
	ErrConflict = errors.New("conflict")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	// Verify connection
	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS schema_settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM schema_settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO schema_settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sites (
  id            TEXT PRIMARY KEY,
  first_seen_at TIMESTAMP NOT NULL,
  last_seen_at  TIMESTAMP NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS jobs (
  id                  TEXT PRIMARY KEY,
  site_id             TEXT NOT NULL REFERENCES sites(id) ON DELETE RESTRICT,
  source_url          TEXT NULL,
  status              TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed')),
  idempotency_key     TEXT NULL,
  created_at          TIMESTAMP NOT NULL,
  started_at          TIMESTAMP NULL,
  completed_at        TIMESTAMP NULL,
  failed_at           TIMESTAMP NULL,
  requested_segments  INTEGER NOT NULL DEFAULT 0,
  translated_segments INTEGER NOT NULL DEFAULT 0,
  last_error          TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_site ON jobs(site_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_site_idempotency ON jobs(site_id, idempotency_key) WHERE idempotency_key IS NOT NULL;`,

		`CREATE TABLE IF NOT EXISTS work_units (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id          TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  ordinal         INTEGER NOT NULL,
  source_lang     TEXT NOT NULL,
  target_lang     TEXT NOT NULL,
  segment_hash    TEXT NOT NULL,
  source_text     TEXT NOT NULL,
  translated_text TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_work_units_job ON work_units(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_work_units_job_pending ON work_units(job_id, translated_text);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_work_units_job_hash_lang ON work_units(job_id, segment_hash, target_lang);`,

		`CREATE TABLE IF NOT EXISTS memory (
  site_id         TEXT NOT NULL,
  segment_hash    TEXT NOT NULL,
  target_lang     TEXT NOT NULL,
  translated_text TEXT NOT NULL,
  created_at      TIMESTAMP NOT NULL,
  PRIMARY KEY (site_id, segment_hash, target_lang)
);`,

		`CREATE TABLE IF NOT EXISTS queue (
  job_id           TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
  enqueued_at      TIMESTAMP NOT NULL,
  processed        INTEGER NOT NULL DEFAULT 0,
  processed_at     TIMESTAMP NULL,
  attempts         INTEGER NOT NULL DEFAULT 0,
  locked_at        TIMESTAMP NULL,
  locked_by        TEXT NULL,
  lease_expires_at TIMESTAMP NULL,
  lock_token       TEXT NULL,
  last_error       TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_claimable ON queue(processed, lease_expires_at, enqueued_at);`,

		`CREATE TABLE IF NOT EXISTS job_events (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id   TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  time     TIMESTAMP NOT NULL,
  level    TEXT NOT NULL CHECK (level IN ('info','warn','error')),
  message  TEXT NOT NULL,
  step     TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_time ON job_events(job_id, time);`,

		`CREATE TABLE IF NOT EXISTS webhook_events (
  event_id    TEXT PRIMARY KEY,
  received_at TIMESTAMP NOT NULL,
  event_name  TEXT NOT NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in schema_settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO schema_settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM schema_settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Sites ---------------

// TouchSite records a site's first/last-seen timestamps, creating the row
// if it does not exist. Sites are never separately registered; they come
// into existence the first time a job references them.
func (s *Store) TouchSite(ctx context.Context, siteID string) error {
	now := time.Now().UTC()
	const upsert = `
INSERT INTO sites(id, first_seen_at, last_seen_at) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET last_seen_at=excluded.last_seen_at;`
	_, err := s.db.ExecContext(ctx, upsert, siteID, now, now)
	if err != nil {
		return fmt.Errorf("touch site: %w", err)
	}
	return nil
}

// --------------- Translation memory (C3) ---------------

// ProbeMemory returns the translated text for every segment hash in hashes
// that already has a cached translation for siteID/targetLang. Hashes with
// no entry are simply absent from the result map.
func (s *Store) ProbeMemory(ctx context.Context, siteID, targetLang string, hashes []string) (map[string]string, error) {
	out := make(map[string]string, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	placeholders := make([]byte, 0, len(hashes)*2)
	args := make([]any, 0, len(hashes)+2)
	args = append(args, siteID, targetLang)
	for i, h := range hashes {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, h)
	}

	q := fmt.Sprintf(`SELECT segment_hash, translated_text FROM memory
WHERE site_id=? AND target_lang=? AND segment_hash IN (%s)`, string(placeholders))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("probe memory: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash, text string
		if err := rows.Scan(&hash, &text); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out[hash] = text
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

// UpsertMemory caches a translated segment for reuse by future jobs on the
// same site.
func (s *Store) UpsertMemory(ctx context.Context, entry translate.MemoryEntry) error {
	const upsert = `
INSERT INTO memory(site_id, segment_hash, target_lang, translated_text, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(site_id, segment_hash, target_lang) DO UPDATE SET
  translated_text=excluded.translated_text;`
	_, err := s.db.ExecContext(ctx, upsert, entry.SiteID, entry.SegmentHash, entry.TargetLang, entry.TranslatedText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// --------------- Job store (C4) ---------------

// NewJobInput carries everything CreateJob needs to atomically materialize
// a job, its work units, and its queue entry.
type NewJobInput struct {
	Job       translate.Job
	WorkUnits []translate.WorkUnit
}

// CreateJob inserts a job with its work units and enqueues it, all in one
// transaction. If idempotencyKey is set and a job already exists for
// site_id+idempotency_key, the existing job is returned instead and
// created is false.
func (s *Store) CreateJob(ctx context.Context, in NewJobInput) (created bool, job *translate.Job, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if in.Job.IdempotencyKey != nil {
			existing, getErr := getJobBySiteAndKeyTx(ctx, tx, in.Job.SiteID, *in.Job.IdempotencyKey)
			if getErr == nil {
				job = existing
				created = false
				return nil
			}
			if !errors.Is(getErr, ErrNotFound) {
				return getErr
			}
		}

		var sourceURL, idemKey any
		if in.Job.SourceURL != nil {
			sourceURL = *in.Job.SourceURL
		}
		if in.Job.IdempotencyKey != nil {
			idemKey = *in.Job.IdempotencyKey
		}

		const insJob = `
INSERT INTO jobs(id, site_id, source_url, status, idempotency_key, created_at, requested_segments, translated_segments)
VALUES(?, ?, ?, ?, ?, ?, ?, 0);`
		_, err := tx.ExecContext(ctx, insJob, in.Job.ID, in.Job.SiteID, sourceURL, translate.JobStatusPending.String(), idemKey, in.Job.CreatedAt.UTC(), len(in.WorkUnits))
		if err != nil {
			if isUniqueConstraintErr(err) {
				existing, getErr := getJobBySiteAndKeyTx(ctx, tx, in.Job.SiteID, *in.Job.IdempotencyKey)
				if getErr != nil {
					return fmt.Errorf("insert job: %w", err)
				}
				job = existing
				created = false
				return nil
			}
			return fmt.Errorf("insert job: %w", err)
		}

		const insUnit = `
INSERT INTO work_units(job_id, ordinal, source_lang, target_lang, segment_hash, source_text, translated_text)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id, segment_hash, target_lang) DO NOTHING;`
		for i, u := range in.WorkUnits {
			var translated any
			if u.TranslatedText != nil {
				translated = *u.TranslatedText
			}
			if _, err := tx.ExecContext(ctx, insUnit, in.Job.ID, i, u.SourceLang, u.TargetLang, u.SegmentHash, u.SourceText, translated); err != nil {
				return fmt.Errorf("insert work unit: %w", err)
			}
		}

		const insQueue = `INSERT INTO queue(job_id, enqueued_at, attempts) VALUES(?, ?, 0);`
		if _, err := tx.ExecContext(ctx, insQueue, in.Job.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}

		created = true
		j := in.Job
		j.Status = translate.JobStatusPending
		j.RequestedSegments = len(in.WorkUnits)
		job = &j
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return created, job, nil
}

// GetJobByID retrieves a job by ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*translate.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, jobSelectCols+` FROM jobs WHERE id=?`, id))
}

// GetJobBySiteAndIdempotencyKey retrieves a job created under the given
// site and idempotency key.
func (s *Store) GetJobBySiteAndIdempotencyKey(ctx context.Context, siteID, key string) (*translate.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, jobSelectCols+` FROM jobs WHERE site_id=? AND idempotency_key=?`, siteID, key))
}

func getJobBySiteAndKeyTx(ctx context.Context, tx *sql.Tx, siteID, key string) (*translate.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, jobSelectCols+` FROM jobs WHERE site_id=? AND idempotency_key=?`, siteID, key))
}

const jobSelectCols = `SELECT id, site_id, source_url, status, idempotency_key, created_at, started_at, completed_at, failed_at, requested_segments, translated_segments, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*translate.Job, error) {
	var (
		id, siteID, status string
		sourceURL           sql.NullString
		idemKey             sql.NullString
		createdAt           time.Time
		startedAt           sql.NullTime
		completedAt         sql.NullTime
		failedAt            sql.NullTime
		requested           int
		translated          int
		lastErr             sql.NullString
	)
	err := row.Scan(&id, &siteID, &sourceURL, &status, &idemKey, &createdAt, &startedAt, &completedAt, &failedAt, &requested, &translated, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &translate.Job{
		ID:                 id,
		SiteID:             siteID,
		SourceURL:          fromNullStringPtr(sourceURL),
		Status:             translate.JobStatus(status),
		IdempotencyKey:     fromNullStringPtr(idemKey),
		CreatedAt:          createdAt.UTC(),
		StartedAt:          fromNullTimePtr(startedAt),
		CompletedAt:        fromNullTimePtr(completedAt),
		FailedAt:           fromNullTimePtr(failedAt),
		RequestedSegments:  requested,
		TranslatedSegments: translated,
		LastError:          fromNullStringPtr(lastErr),
	}, nil
}

// ListWorkUnits returns all work units for a job, ordered as the document
// was segmented.
func (s *Store) ListWorkUnits(ctx context.Context, jobID string) ([]translate.WorkUnit, error) {
	const q = `SELECT id, job_id, ordinal, source_lang, target_lang, segment_hash, source_text, translated_text
FROM work_units WHERE job_id=? ORDER BY ordinal ASC`
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list work units: %w", err)
	}
	defer rows.Close()

	var out []translate.WorkUnit
	for rows.Next() {
		var u translate.WorkUnit
		var translated sql.NullString
		if err := rows.Scan(&u.ID, &u.JobID, &u.Ordinal, &u.SourceLang, &u.TargetLang, &u.SegmentHash, &u.SourceText, &translated); err != nil {
			return nil, fmt.Errorf("scan work unit: %w", err)
		}
		u.TranslatedText = fromNullStringPtr(translated)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work units: %w", err)
	}
	return out, nil
}

// IncrementTranslatedSegments bumps a job's translated_segments counter by n.
func (s *Store) IncrementTranslatedSegments(ctx context.Context, jobID string, n int) error {
	const upd = `UPDATE jobs SET translated_segments = translated_segments + ? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, n, jobID)
	if err != nil {
		return fmt.Errorf("increment translated segments: %w", err)
	}
	return nil
}

// TranslationResult is one completed translation within a work group,
// applied atomically alongside the rest of its group by ApplyTranslations.
type TranslationResult struct {
	UnitID         int64
	SegmentHash    string
	TargetLang     string
	TranslatedText string
}

// ApplyTranslations persists a whole translated group in one transaction:
// each work unit's translated_text, the site's translation memory, and the
// job's translated_segments counter. Partial progress from earlier groups
// in the same job is never lost if a later group fails, since each group
// commits independently.
func (s *Store) ApplyTranslations(ctx context.Context, siteID, jobID string, results []TranslationResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const updUnit = `UPDATE work_units SET translated_text=? WHERE id=?`
		const upsertMem = `
INSERT INTO memory(site_id, segment_hash, target_lang, translated_text, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(site_id, segment_hash, target_lang) DO UPDATE SET
  translated_text=excluded.translated_text;`
		now := time.Now().UTC()
		for _, r := range results {
			if _, err := tx.ExecContext(ctx, updUnit, r.TranslatedText, r.UnitID); err != nil {
				return fmt.Errorf("update work unit translation: %w", err)
			}
			if _, err := tx.ExecContext(ctx, upsertMem, siteID, r.SegmentHash, r.TargetLang, r.TranslatedText, now); err != nil {
				return fmt.Errorf("upsert memory: %w", err)
			}
		}
		const bump = `UPDATE jobs SET translated_segments = translated_segments + ? WHERE id=?`
		if _, err := tx.ExecContext(ctx, bump, len(results), jobID); err != nil {
			return fmt.Errorf("increment translated segments: %w", err)
		}
		return nil
	})
}

// --------------- Lease queue (C5) ---------------
//
// Job status transitions (pending->processing, ->completed, ->failed,
// processing->pending) happen only as a side effect of Claim, Complete,
// and Release below, never directly, so the queue and job tables can
// never observe an inconsistent pairing.

// Claim atomically leases the oldest claimable job: one that is unprocessed
// and either never locked or whose lease has expired. Returns ErrNotFound
// if no job is currently claimable.
func (s *Store) Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*translate.ClaimResult, error) {
	var result *translate.ClaimResult
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		const sel = `SELECT job_id FROM queue
WHERE processed=0 AND (lease_expires_at IS NULL OR lease_expires_at < ?)
ORDER BY enqueued_at ASC LIMIT 1`
		var jobID string
		if err := tx.QueryRowContext(ctx, sel, now).Scan(&jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select claimable job: %w", err)
		}

		r, err := claimJobTx(ctx, tx, jobID, workerID, leaseTTL)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimById leases a specific job by ID, used by the synchronous
// POST /worker/run drain path. Returns ErrNotFound if the job is not
// currently claimable (already processed or locked by a live lease).
func (s *Store) ClaimById(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (*translate.ClaimResult, error) {
	var result *translate.ClaimResult
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := claimJobTx(ctx, tx, jobID, workerID, leaseTTL)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func claimJobTx(ctx context.Context, tx *sql.Tx, jobID, workerID string, leaseTTL time.Duration) (*translate.ClaimResult, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseTTL)
	token := uuid.NewString()

	const upd = `UPDATE queue
SET locked_at=?, locked_by=?, lease_expires_at=?, lock_token=?, attempts=attempts+1
WHERE job_id=? AND processed=0 AND (lease_expires_at IS NULL OR lease_expires_at < ?)`
	res, err := tx.ExecContext(ctx, upd, now, workerID, leaseUntil, token, jobID, now)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return nil, ErrNotFound
	}

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM queue WHERE job_id=?`, jobID).Scan(&attempts); err != nil {
		return nil, fmt.Errorf("read attempts: %w", err)
	}

	const markProcessing = `UPDATE jobs SET status='processing', started_at=COALESCE(started_at, ?) WHERE id=?`
	if _, err := tx.ExecContext(ctx, markProcessing, now, jobID); err != nil {
		return nil, fmt.Errorf("mark job processing: %w", err)
	}

	return &translate.ClaimResult{JobID: jobID, LockToken: token, Attempts: attempts}, nil
}

// Release returns a claimed job to the unprocessed pool so it can be
// retried, asserting the caller still holds lockToken. If reason is
// non-nil it is recorded as the job's last_error. Returns ErrConflict if
// the lock token no longer matches (lease already stolen or job already
// completed).
func (s *Store) Release(ctx context.Context, jobID, lockToken string, reason *string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var reasonArg any
		if reason != nil {
			reasonArg = *reason
		}

		const upd = `UPDATE queue
SET locked_at=NULL, locked_by=NULL, lease_expires_at=NULL, lock_token=NULL, last_error=?
WHERE job_id=? AND lock_token=? AND processed=0`
		res, err := tx.ExecContext(ctx, upd, reasonArg, jobID, lockToken)
		if err != nil {
			return fmt.Errorf("release job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrConflict
		}

		const markPending = `UPDATE jobs SET status='pending', last_error=? WHERE id=?`
		if _, err := tx.ExecContext(ctx, markPending, reasonArg, jobID); err != nil {
			return fmt.Errorf("mark job pending: %w", err)
		}
		return nil
	})
}

// Complete marks a claimed job's queue entry as processed (terminal),
// asserting the caller still holds lockToken, and advances the job to
// completed (success) or failed (!success, with reason recorded).
// Returns ErrConflict if the lock token no longer matches.
func (s *Store) Complete(ctx context.Context, jobID, lockToken string, success bool, reason *string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		const upd = `UPDATE queue
SET processed=1, processed_at=?, locked_at=NULL, lease_expires_at=NULL, lock_token=NULL
WHERE job_id=? AND lock_token=? AND processed=0`
		res, err := tx.ExecContext(ctx, upd, now, jobID, lockToken)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrConflict
		}

		if success {
			const done = `UPDATE jobs SET status='completed', completed_at=?, last_error=NULL WHERE id=?`
			if _, err := tx.ExecContext(ctx, done, now, jobID); err != nil {
				return fmt.Errorf("mark job completed: %w", err)
			}
			return nil
		}

		var reasonArg any
		if reason != nil {
			reasonArg = *reason
		}
		const failed = `UPDATE jobs SET status='failed', failed_at=?, last_error=? WHERE id=?`
		if _, err := tx.ExecContext(ctx, failed, now, reasonArg, jobID); err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		return nil
	})
}

// --------------- Job events ---------------

// AppendJobEvent inserts a new event row for a job.
func (s *Store) AppendJobEvent(ctx context.Context, ev translate.JobEvent) error {
	const ins = `INSERT INTO job_events(job_id, time, level, message, step) VALUES(?, ?, ?, ?, ?)`
	var step any
	if ev.Step != nil {
		step = *ev.Step
	}
	_, err := s.db.ExecContext(ctx, ins, ev.JobID, ev.Time.UTC(), ev.Level.String(), ev.Message, step)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListJobEvents fetches events for a job ordered by time ascending.
// If limit <= 0, returns all.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]translate.JobEvent, error) {
	q := `SELECT id, job_id, time, level, message, step FROM job_events WHERE job_id=? ORDER BY time ASC`
	if limit > 0 {
		q = q + fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []translate.JobEvent
	for rows.Next() {
		var (
			id       int64
			rowJobID string
			t        time.Time
			level    string
			msg      string
			step     sql.NullString
		)
		if err := rows.Scan(&id, &rowJobID, &t, &level, &msg, &step); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, translate.JobEvent{
			ID:      id,
			JobID:   rowJobID,
			Time:    t.UTC(),
			Level:   translate.EventLevel(level),
			Message: msg,
			Step:    fromNullStringPtr(step),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}

// --------------- Webhook events ---------------

// InsertWebhookEventIfNew records a webhook delivery's event ID, returning
// inserted=false without error if the ID was already seen (at-least-once
// delivery dedup).
func (s *Store) InsertWebhookEventIfNew(ctx context.Context, eventID, eventName string) (inserted bool, err error) {
	const ins = `INSERT INTO webhook_events(event_id, received_at, event_name) VALUES(?, ?, ?)
ON CONFLICT(event_id) DO NOTHING;`
	res, err := s.db.ExecContext(ctx, ins, eventID, time.Now().UTC(), eventName)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
