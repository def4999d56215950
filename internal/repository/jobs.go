package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/common"
)

// ErrActiveJobExists is returned by Create when another non-terminal job
// already holds the (document hash, pipeline version) slot. Callers join
// that job instead of creating a duplicate.
var ErrActiveJobExists = errors.New("active job exists for document")

// Job is one pipeline run for a document. At most one non-terminal job
// may exist per (document hash, pipeline version); the orchestrator
// checks FindActive before Create, and the partial unique index
// uniq_jobs_active closes the window between the two.
type Job struct {
	ID               uuid.UUID
	DocumentHash     string
	PipelineVersion  string
	TemplateID       string
	State            constants.JobState
	Attempts         int
	LastStage        string
	ErrorCode        string
	ErrorSummary     string
	CancelRequested  bool
	NextRetryAt      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	RenderedChecksum string
}

// StateUpdate carries optional fields written together with a transition.
type StateUpdate struct {
	LastStage        string
	ErrorCode        string
	ErrorSummary     string
	RenderedChecksum string
	IncrementAttempt bool
	NextRetryAt      time.Time
}

type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	// FindActive returns the non-terminal job for the document, if any.
	FindActive(ctx context.Context, docHash, pipelineVersion string) (*Job, error)
	// FindSucceeded returns the most recent SUCCEEDED job for the document
	// and template, if any. This is the cached-result hit on resubmission.
	FindSucceeded(ctx context.Context, docHash, pipelineVersion, templateID string) (*Job, error)
	// Transition performs a compare-and-set state change and returns false
	// when the job was not in the expected state.
	Transition(ctx context.Context, id uuid.UUID, from, to constants.JobState, upd StateUpdate) (bool, error)
	// RequestCancel marks cancellation. QUEUED jobs flip to CANCELED
	// immediately; CLASSIFYING jobs get the flag for the worker to honor at
	// its next suspension point. Anything else is a no-op returning false.
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	// DueRetries returns RETRY_SCHEDULED jobs whose backoff has elapsed.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// Stale returns non-terminal jobs untouched since the cutoff.
	Stale(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
	// TerminalOlderThan returns terminal jobs last touched before the cutoff.
	TerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
	// HasNonTerminal reports whether any job for the document is still running.
	HasNonTerminal(ctx context.Context, docHash string) (bool, error)
	// ListWindow returns jobs created inside [from, to] for reporting.
	ListWindow(ctx context.Context, from, to time.Time) ([]*Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type jobRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewJobRepository(db *sql.DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

const jobColumns = `id, document_hash, pipeline_version, template_id, state, attempts,
	last_stage, error_code, error_summary, cancel_requested, next_retry_at_ms,
	created_at_ms, updated_at_ms, rendered_checksum`

func (r *jobRepo) Create(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.State == "" {
		job.State = constants.JobStateQueued
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		job.ID.String(), job.DocumentHash, job.PipelineVersion, job.TemplateID,
		string(job.State), job.Attempts, job.LastStage, job.ErrorCode, job.ErrorSummary,
		boolToInt(job.CancelRequested), nowMS(job.NextRetryAt), nowMS(job.CreatedAt),
		nowMS(job.UpdatedAt), job.RenderedChecksum)
	if err != nil {
		if isUniqueViolation(err) {
			r.log.Info("job create lost uniqueness race", "job_id", job.ID, "doc_hash", job.DocumentHash)
			return ErrActiveJobExists
		}
		r.log.Error("job create failed", "job_id", job.ID, "error", err)
		return common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	r.log.Info("job created", "job_id", job.ID, "doc_hash", job.DocumentHash, "template_id", job.TemplateID)
	return nil
}

// isUniqueViolation matches the duplicate-key errors of both shipped
// drivers: SQLSTATE 23505 from pgx, the constraint message from sqlite.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id.String())
	return scanJob(row)
}

func (r *jobRepo) FindActive(ctx context.Context, docHash, pipelineVersion string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE document_hash = $1 AND pipeline_version = $2
		  AND state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELED')
		ORDER BY created_at_ms DESC LIMIT 1`,
		docHash, pipelineVersion)
	return scanJob(row)
}

func (r *jobRepo) FindSucceeded(ctx context.Context, docHash, pipelineVersion, templateID string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE document_hash = $1 AND pipeline_version = $2 AND template_id = $3
		  AND state = 'SUCCEEDED'
		ORDER BY created_at_ms DESC LIMIT 1`,
		docHash, pipelineVersion, templateID)
	return scanJob(row)
}

func (r *jobRepo) Transition(ctx context.Context, id uuid.UUID, from, to constants.JobState, upd StateUpdate) (bool, error) {
	if !constants.CanTransition(from, to) {
		return false, common.NewAppError("ILLEGAL_TRANSITION",
			string(from)+" -> "+string(to), common.ErrInvalidInput)
	}

	attemptDelta := 0
	if upd.IncrementAttempt {
		attemptDelta = 1
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs SET
			state = $1,
			attempts = attempts + $2,
			last_stage = CASE WHEN $3 = '' THEN last_stage ELSE $3 END,
			error_code = $4,
			error_summary = $5,
			rendered_checksum = CASE WHEN $6 = '' THEN rendered_checksum ELSE $6 END,
			next_retry_at_ms = $7,
			updated_at_ms = $8
		WHERE id = $9 AND state = $10`,
		string(to), attemptDelta, upd.LastStage, upd.ErrorCode, upd.ErrorSummary,
		upd.RenderedChecksum, nowMS(upd.NextRetryAt), nowMS(time.Now().UTC()),
		id.String(), string(from))
	if err != nil {
		r.log.Error("job transition failed", "job_id", id, "from", from, "to", to, "error", err)
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		r.log.Debug("job transition lost cas", "job_id", id, "from", from, "to", to)
		return false, nil
	}
	r.log.Info("job transition", "job_id", id, "from", from, "to", to)
	return true, nil
}

func (r *jobRepo) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	nowVal := nowMS(time.Now().UTC())

	// QUEUED flips straight to CANCELED: no worker owns it yet.
	res, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET state = 'CANCELED', cancel_requested = 1, updated_at_ms = $1
		WHERE id = $2 AND state = 'QUEUED'`, nowVal, id.String())
	if err != nil {
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.log.Info("job canceled while queued", "job_id", id)
		return true, nil
	}

	// CLASSIFYING: flag only; the owning worker honors it cooperatively.
	res, err = r.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET cancel_requested = 1, updated_at_ms = $1
		WHERE id = $2 AND state = 'CLASSIFYING'`, nowVal, id.String())
	if err != nil {
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info("job cancellation requested", "job_id", id)
	}
	return n > 0, nil
}

func (r *jobRepo) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag int
	err := r.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM processing_jobs WHERE id = $1`, id.String()).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, common.ErrNotFound
		}
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	return flag != 0, nil
}

func (r *jobRepo) DueRetries(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE state = 'RETRY_SCHEDULED' AND next_retry_at_ms <= $1
		ORDER BY next_retry_at_ms ASC LIMIT $2`, nowMS(now), limit)
}

func (r *jobRepo) Stale(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELED')
		  AND updated_at_ms < $1
		ORDER BY updated_at_ms ASC LIMIT $2`, nowMS(cutoff), limit)
}

func (r *jobRepo) TerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE state IN ('SUCCEEDED', 'FAILED', 'CANCELED')
		  AND updated_at_ms < $1
		ORDER BY updated_at_ms ASC LIMIT $2`, nowMS(cutoff), limit)
}

func (r *jobRepo) HasNonTerminal(ctx context.Context, docHash string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM processing_jobs
		WHERE document_hash = $1
		  AND state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELED')`, docHash).Scan(&n)
	if err != nil {
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	return n > 0, nil
}

func (r *jobRepo) ListWindow(ctx context.Context, from, to time.Time) ([]*Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE created_at_ms >= $1 AND created_at_ms <= $2
		ORDER BY created_at_ms ASC LIMIT 100000`, nowMS(from), nowMS(to))
}

func (r *jobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM processing_jobs WHERE id = $1`, id.String()); err != nil {
		return common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	return nil
}

func (r *jobRepo) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var id, state string
	var cancelFlag int
	var nextRetryMS, createdMS, updatedMS int64
	err := row.Scan(&id, &j.DocumentHash, &j.PipelineVersion, &j.TemplateID, &state,
		&j.Attempts, &j.LastStage, &j.ErrorCode, &j.ErrorSummary, &cancelFlag,
		&nextRetryMS, &createdMS, &updatedMS, &j.RenderedChecksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	j.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, common.WrapError(common.ErrStorageUnavailable, "corrupt job id: "+err.Error())
	}
	j.State = constants.JobState(state)
	j.CancelRequested = cancelFlag != 0
	j.NextRetryAt = time.UnixMilli(nextRetryMS).UTC()
	j.CreatedAt = time.UnixMilli(createdMS).UTC()
	j.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return &j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
