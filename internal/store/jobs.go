package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"story-pipeline/internal/models"
)

// eligibleJobsWhere selects jobs a worker may claim: queued jobs, and failed or
// abandoned running jobs under the attempt cap, none holding a fresh lock.
// $1 is the attempt cap, $2 the stale-lock cutoff.
const eligibleJobsWhere = `
	(j.status = 'queued'
	 OR (j.status IN ('failed', 'running') AND j.attempt_count < $1))
	AND (j.locked_at IS NULL OR j.locked_at < $2)`

const eligibleJobsOrder = `ORDER BY CASE WHEN j.status = 'queued' THEN 0 ELSE 1 END, j.created_at, j.id`

const jobColumns = `j.id, j.scenario_id, j.status, j.attempt_count, j.locked_at, j.locked_by,
	j.last_error, j.last_attempt_at, j.created_at, j.updated_at`

// CreateMissingJobs queues a job for every scenario that has neither a story nor a job.
// It returns the number of jobs inserted; running it twice in a row inserts nothing the second time.
func (s *Store) CreateMissingJobs(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO story_generation_jobs (id, scenario_id, status, attempt_count, created_at, updated_at)
		SELECT gen_random_uuid()::text, missing.id, 'queued', 0, clock_timestamp(), clock_timestamp()
		FROM (
			SELECT sc.id
			FROM scenarios sc
			LEFT JOIN stories st ON st.scenario_id = sc.id
			LEFT JOIN story_generation_jobs j ON j.scenario_id = sc.id
			WHERE st.id IS NULL AND j.id IS NULL
			ORDER BY sc.created_at, sc.id
		) AS missing
		ON CONFLICT (scenario_id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("create missing jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimNextJob atomically moves the oldest eligible job to running under lockID and
// returns it with its scenario. The boolean is false when nothing is eligible.
// Concurrent callers never receive the same job.
func (s *Store) ClaimNextJob(ctx context.Context, lockID string) (models.ClaimedJob, bool, error) {
	now := s.now()
	staleBefore := now.Add(-s.lockTimeout)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ClaimedJob{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var jobID, scenarioID string
	err = tx.QueryRow(ctx, `
		SELECT j.id, j.scenario_id
		FROM story_generation_jobs j
		WHERE `+eligibleJobsWhere+`
		`+eligibleJobsOrder+`
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, s.maxAttempts, staleBefore).Scan(&jobID, &scenarioID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ClaimedJob{}, false, nil
	}
	if err != nil {
		return models.ClaimedJob{}, false, fmt.Errorf("select claimable job: %w", err)
	}

	var attempts int
	err = tx.QueryRow(ctx, `
		UPDATE story_generation_jobs
		SET status = $2, locked_at = $3, locked_by = $4, last_attempt_at = $3,
		    attempt_count = attempt_count + 1, updated_at = $3
		WHERE id = $1
		RETURNING attempt_count
	`, jobID, models.StatusRunning, now, lockID).Scan(&attempts)
	if err != nil {
		return models.ClaimedJob{}, false, fmt.Errorf("lock job %s: %w", jobID, err)
	}

	var sc models.Scenario
	err = tx.QueryRow(ctx, `
		SELECT sc.id, sc.slug, sc.title, sc.seed_text, p.name, c.name
		FROM scenarios sc
		JOIN places p ON p.id = sc.place_id
		JOIN categories c ON c.id = sc.category_id
		WHERE sc.id = $1
	`, scenarioID).Scan(&sc.ID, &sc.Slug, &sc.Title, &sc.SeedText, &sc.PlaceName, &sc.CategoryName)
	if err != nil {
		return models.ClaimedJob{}, false, fmt.Errorf("load scenario %s: %w", scenarioID, err)
	}

	if err := appendAudit(ctx, tx, jobID, "claimed", fmt.Sprintf("lock=%s attempt=%d", lockID, attempts)); err != nil {
		return models.ClaimedJob{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ClaimedJob{}, false, fmt.Errorf("commit claim: %w", err)
	}

	return models.ClaimedJob{
		JobID:        jobID,
		LockID:       lockID,
		AttemptCount: attempts,
		Scenario:     sc,
	}, true, nil
}

// FailAbandonedJobs marks stale running jobs that already used their last attempt as failed.
// Such jobs are no longer claimable.
func (s *Store) FailAbandonedJobs(ctx context.Context) (int, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE story_generation_jobs
		SET status = $2, locked_at = NULL, locked_by = NULL, last_error = $3, updated_at = $4
		WHERE status = 'running' AND attempt_count >= $1 AND locked_at < $5
	`, s.maxAttempts, models.StatusFailed, "lock expired after final attempt", now, now.Add(-s.lockTimeout))
	if err != nil {
		return 0, fmt.Errorf("fail abandoned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkJobSucceeded releases the lock held by lockID and records success.
func (s *Store) MarkJobSucceeded(ctx context.Context, jobID, lockID string) error {
	return s.finishJob(ctx, jobID, lockID, models.StatusSucceeded, nil)
}

// MarkJobFailed releases the lock held by lockID and records the error message.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, lockID, message string) error {
	return s.finishJob(ctx, jobID, lockID, models.StatusFailed, &message)
}

func (s *Store) finishJob(ctx context.Context, jobID, lockID, status string, lastError *string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE story_generation_jobs
		SET status = $3, locked_at = NULL, locked_by = NULL, last_error = $4, updated_at = $5
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, jobID, lockID, status, lastError, s.now())
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", jobID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job %s %s: %w", jobID, status, ErrLockLost)
	}

	detail := "lock=" + lockID
	if lastError != nil {
		detail += " error=" + *lastError
	}
	if err := appendAudit(ctx, tx, jobID, status, detail); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PeekNextScenarioSlug returns the scenario slug the next claim would pick, without locking anything.
func (s *Store) PeekNextScenarioSlug(ctx context.Context) (string, bool, error) {
	var slug string
	err := s.pool.QueryRow(ctx, `
		SELECT sc.slug
		FROM story_generation_jobs j
		JOIN scenarios sc ON sc.id = j.scenario_id
		WHERE `+eligibleJobsWhere+`
		`+eligibleJobsOrder+`
		LIMIT 1
	`, s.maxAttempts, s.now().Add(-s.lockTimeout)).Scan(&slug)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("peek next job: %w", err)
	}
	return slug, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.GenerationJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM story_generation_jobs j WHERE j.id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return job, err
}

// GetJobByScenario fetches the job for a scenario.
func (s *Store) GetJobByScenario(ctx context.Context, scenarioID string) (models.GenerationJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM story_generation_jobs j WHERE j.scenario_id = $1`, scenarioID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, fmt.Errorf("job for scenario %s: %w", scenarioID, ErrJobNotFound)
	}
	return job, err
}

// ListJobs pages through jobs, most recently updated first. Limit is clamped to 1..200.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]models.JobRow, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`, sc.slug, sc.title
		FROM story_generation_jobs j
		JOIN scenarios sc ON sc.id = j.scenario_id
		ORDER BY j.updated_at DESC, j.id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.JobRow, 0, limit)
	for rows.Next() {
		var r models.JobRow
		var lockedAt, lastAttempt pgtype.Timestamptz
		var lockedBy, lastErr pgtype.Text
		if err := rows.Scan(&r.ID, &r.ScenarioID, &r.Status, &r.AttemptCount, &lockedAt, &lockedBy,
			&lastErr, &lastAttempt, &r.CreatedAt, &r.UpdatedAt, &r.ScenarioSlug, &r.ScenarioTitle); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		r.LockedAt = timePtr(lockedAt)
		r.LockedBy = textPtr(lockedBy)
		r.LastError = textPtr(lastErr)
		r.LastAttemptAt = timePtr(lastAttempt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// CountJobs returns the total number of jobs.
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM story_generation_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// JobStatusCounts returns the number of jobs per status. Every status is present.
func (s *Store) JobStatusCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(models.JobStatuses))
	for _, st := range models.JobStatuses {
		counts[st] = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM story_generation_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// ResetJob puts a job back in the queue with a fresh attempt budget.
func (s *Store) ResetJob(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE story_generation_jobs
		SET status = $2, attempt_count = 0, locked_at = NULL, locked_by = NULL, updated_at = $3
		WHERE id = $1
	`, id, models.StatusQueued, s.now())
	if err != nil {
		return fmt.Errorf("reset job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reset job %s: %w", id, ErrJobNotFound)
	}
	if err := appendAudit(ctx, tx, id, "reset", ""); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AuditTrail returns a job's audit events in order.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_audit_logs WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.GenerationJob, error) {
	var job models.GenerationJob
	var lockedAt, lastAttempt pgtype.Timestamptz
	var lockedBy, lastErr pgtype.Text
	if err := row.Scan(&job.ID, &job.ScenarioID, &job.Status, &job.AttemptCount, &lockedAt, &lockedBy,
		&lastErr, &lastAttempt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.GenerationJob{}, err
		}
		return models.GenerationJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.LockedAt = timePtr(lockedAt)
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(lastErr)
	job.LastAttemptAt = timePtr(lastAttempt)
	return job, nil
}
