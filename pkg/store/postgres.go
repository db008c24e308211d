package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/style"
)

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lock_records (
		project_id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		steps INTEGER NOT NULL,
		cfg_scale DOUBLE PRECISION NOT NULL,
		seed_base BIGINT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		style_prompt_suffix TEXT,
		validation_samples JSONB,
		consistency_score DOUBLE PRECISION DEFAULT 0,
		approved BOOLEAN NOT NULL DEFAULT FALSE,
		locked_date TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		locked_config_ref TEXT NOT NULL,
		job_ids JSONB,
		per_asset_threshold DOUBLE PRECISION NOT NULL,
		batch_threshold DOUBLE PRECISION NOT NULL,
		aggregate_score DOUBLE PRECISION DEFAULT 0,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		category TEXT NOT NULL,
		prompt TEXT NOT NULL,
		locked_config_ref TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		scores JSONB,
		state_transitions JSONB
	);

	CREATE TABLE IF NOT EXISTS results (
		job_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		artifact_ref TEXT,
		raw_service_status TEXT,
		duration_ns BIGINT NOT NULL,
		error TEXT,
		completed_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
	CREATE INDEX IF NOT EXISTS idx_results_job ON results(job_id, attempt);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Lock record operations

// SaveLockRecord stores or replaces the lock record for a project
func (s *PostgresStore) SaveLockRecord(rec *style.Record) error {
	samples, err := json.Marshal(rec.ValidationSamples)
	if err != nil {
		return fmt.Errorf("failed to marshal validation_samples: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO lock_records
		(project_id, model_id, steps, cfg_scale, seed_base, width, height,
		 style_prompt_suffix, validation_samples, consistency_score, approved, locked_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (project_id) DO UPDATE SET
			model_id = EXCLUDED.model_id,
			steps = EXCLUDED.steps,
			cfg_scale = EXCLUDED.cfg_scale,
			seed_base = EXCLUDED.seed_base,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			style_prompt_suffix = EXCLUDED.style_prompt_suffix,
			validation_samples = EXCLUDED.validation_samples,
			consistency_score = EXCLUDED.consistency_score,
			approved = EXCLUDED.approved,
			locked_date = EXCLUDED.locked_date
	`, rec.ProjectID, rec.ModelID, rec.Steps, rec.CFGScale, rec.SeedBase, rec.Width,
		rec.Height, rec.StylePromptSuffix, string(samples), rec.ConsistencyScore,
		rec.Approved, rec.LockedDate)
	return err
}

// GetLockRecord retrieves the lock record for a project
func (s *PostgresStore) GetLockRecord(projectID string) (*style.Record, error) {
	var rec style.Record
	var samples []byte
	err := s.db.QueryRow(`
		SELECT project_id, model_id, steps, cfg_scale, seed_base, width, height,
		       style_prompt_suffix, validation_samples, consistency_score, approved, locked_date
		FROM lock_records WHERE project_id = $1
	`, projectID).Scan(&rec.ProjectID, &rec.ModelID, &rec.Steps, &rec.CFGScale,
		&rec.SeedBase, &rec.Width, &rec.Height, &rec.StylePromptSuffix, &samples,
		&rec.ConsistencyScore, &rec.Approved, &rec.LockedDate)
	if err == sql.ErrNoRows {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock record: %w", err)
	}

	if len(samples) > 0 {
		if err := json.Unmarshal(samples, &rec.ValidationSamples); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation_samples: %w", err)
		}
	}
	return &rec, nil
}

// DeleteLockRecord removes a project's lock record
func (s *PostgresStore) DeleteLockRecord(projectID string) error {
	res, err := s.db.Exec(`DELETE FROM lock_records WHERE project_id = $1`, projectID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLockNotFound
	}
	return nil
}

// Batch operations

// CreateBatch adds a new batch run
func (s *PostgresStore) CreateBatch(b *models.BatchRun) error {
	jobIDs, err := json.Marshal(b.JobIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal job_ids: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO batches
		(id, project_id, locked_config_ref, job_ids, per_asset_threshold,
		 batch_threshold, aggregate_score, status, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, b.ID, b.ProjectID, b.LockedConfigRef, string(jobIDs), b.Thresholds.PerAsset,
		b.Thresholds.Batch, b.AggregateScore, b.Status, b.StartedAt, b.CompletedAt)
	return err
}

// GetBatch retrieves a batch run by ID
func (s *PostgresStore) GetBatch(id string) (*models.BatchRun, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, locked_config_ref, job_ids, per_asset_threshold,
		       batch_threshold, aggregate_score, status, started_at, completed_at
		FROM batches WHERE id = $1
	`, id)

	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

// ListBatches returns all batch runs, newest first
func (s *PostgresStore) ListBatches() ([]*models.BatchRun, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, locked_config_ref, job_ids, per_asset_threshold,
		       batch_threshold, aggregate_score, status, started_at, completed_at
		FROM batches ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.BatchRun
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateBatch replaces the stored batch run
func (s *PostgresStore) UpdateBatch(b *models.BatchRun) error {
	jobIDs, err := json.Marshal(b.JobIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal job_ids: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE batches SET job_ids = $1, aggregate_score = $2, status = $3, completed_at = $4
		WHERE id = $5
	`, string(jobIDs), b.AggregateScore, b.Status, b.CompletedAt, b.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// Job operations

// CreateJob adds a new generation job
func (s *PostgresStore) CreateJob(j *models.GenerationJob) error {
	scores, transitions, err := marshalJobBlobs(j)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs
		(id, batch_id, category, prompt, locked_config_ref, attempt_count,
		 max_attempts, status, error, created_at, started_at, completed_at,
		 scores, state_transitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, j.ID, j.BatchID, j.Category, j.Prompt, j.LockedConfigRef, j.AttemptCount,
		j.MaxAttempts, j.Status, j.Error, j.CreatedAt, j.StartedAt, j.CompletedAt,
		scores, transitions)
	return err
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(id string) (*models.GenerationJob, error) {
	row := s.db.QueryRow(`
		SELECT id, batch_id, category, prompt, locked_config_ref, attempt_count,
		       max_attempts, status, error, created_at, started_at, completed_at,
		       scores, state_transitions
		FROM jobs WHERE id = $1
	`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// GetBatchJobs returns all jobs belonging to a batch
func (s *PostgresStore) GetBatchJobs(batchID string) ([]*models.GenerationJob, error) {
	rows, err := s.db.Query(`
		SELECT id, batch_id, category, prompt, locked_config_ref, attempt_count,
		       max_attempts, status, error, created_at, started_at, completed_at,
		       scores, state_transitions
		FROM jobs WHERE batch_id = $1 ORDER BY created_at
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.GenerationJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// BeginAttempt moves a pending job to in_flight and consumes one attempt.
// The row is locked for the duration of the transaction so two workers can
// never start the same attempt.
func (s *PostgresStore) BeginAttempt(id string) (*models.GenerationJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, batch_id, category, prompt, locked_config_ref, attempt_count,
		       max_attempts, status, error, created_at, started_at, completed_at,
		       scores, state_transitions
		FROM jobs WHERE id = $1 FOR UPDATE
	`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if err := models.ValidateTransition(j.Status, models.JobStatusInFlight); err != nil {
		return nil, err
	}

	now := time.Now()
	j.StateTransitions = append(j.StateTransitions, models.StateTransition{
		From:      j.Status,
		To:        models.JobStatusInFlight,
		Timestamp: now,
		Reason:    fmt.Sprintf("attempt %d", j.AttemptCount+1),
	})
	j.Status = models.JobStatusInFlight
	j.AttemptCount++
	if j.StartedAt == nil {
		j.StartedAt = &now
	}

	if err := updateJobTx(tx, j); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// TransitionJob applies an FSM-validated state change to a job
func (s *PostgresStore) TransitionJob(id string, to models.JobStatus, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, batch_id, category, prompt, locked_config_ref, attempt_count,
		       max_attempts, status, error, created_at, started_at, completed_at,
		       scores, state_transitions
		FROM jobs WHERE id = $1 FOR UPDATE
	`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	if err := models.ValidateTransition(j.Status, to); err != nil {
		return err
	}

	now := time.Now()
	j.StateTransitions = append(j.StateTransitions, models.StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.Status = to

	switch to {
	case models.JobStatusFailedTransient, models.JobStatusFailedConsistency, models.JobStatusFailedPermanent:
		j.Error = reason
	case models.JobStatusPending:
		j.Error = ""
	}

	if models.JobTerminal(j) {
		j.CompletedAt = &now
	}

	if err := updateJobTx(tx, j); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendScore records a consistency score for a job
func (s *PostgresStore) AppendScore(id string, score models.ConsistencyScore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, batch_id, category, prompt, locked_config_ref, attempt_count,
		       max_attempts, status, error, created_at, started_at, completed_at,
		       scores, state_transitions
		FROM jobs WHERE id = $1 FOR UPDATE
	`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	j.Scores = append(j.Scores, score)
	if err := updateJobTx(tx, j); err != nil {
		return err
	}
	return tx.Commit()
}

func updateJobTx(tx *sql.Tx, j *models.GenerationJob) error {
	scores, transitions, err := marshalJobBlobs(j)
	if err != nil {
		return err
	}

	res, err := tx.Exec(`
		UPDATE jobs SET attempt_count = $1, status = $2, error = $3, started_at = $4,
		       completed_at = $5, scores = $6, state_transitions = $7
		WHERE id = $8
	`, j.AttemptCount, j.Status, j.Error, j.StartedAt, j.CompletedAt,
		scores, transitions, j.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Attempt results

// RecordResult stores one attempt outcome
func (s *PostgresStore) RecordResult(res *models.GenerationResult) error {
	_, err := s.db.Exec(`
		INSERT INTO results
		(job_id, attempt, artifact_ref, raw_service_status, duration_ns, error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.JobID, res.Attempt, res.ArtifactRef, res.RawServiceStatus,
		int64(res.Duration), res.Error, res.CompletedAt)
	return err
}

// GetJobResults returns all attempt outcomes for a job, oldest first
func (s *PostgresStore) GetJobResults(jobID string) ([]*models.GenerationResult, error) {
	rows, err := s.db.Query(`
		SELECT job_id, attempt, artifact_ref, raw_service_status, duration_ns, error, completed_at
		FROM results WHERE job_id = $1 ORDER BY attempt
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*models.GenerationResult
	for rows.Next() {
		var r models.GenerationResult
		var artifact, rawStatus, errMsg sql.NullString
		var durationNS int64
		if err := rows.Scan(&r.JobID, &r.Attempt, &artifact, &rawStatus,
			&durationNS, &errMsg, &r.CompletedAt); err != nil {
			return nil, err
		}
		r.ArtifactRef = artifact.String
		r.RawServiceStatus = rawStatus.String
		r.Error = errMsg.String
		r.Duration = time.Duration(durationNS)
		results = append(results, &r)
	}
	return results, rows.Err()
}

// Metrics operations

// GetBatchMetrics returns aggregated counts across all batches and jobs
func (s *PostgresStore) GetBatchMetrics() (*BatchMetrics, error) {
	m := &BatchMetrics{
		JobsByStatus:    make(map[models.JobStatus]int),
		BatchesByStatus: make(map[models.BatchStatus]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM batches GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status models.BatchStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		m.BatchesByStatus[status] = n
		m.TotalBatches += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`SELECT status, COUNT(*), COALESCE(SUM(attempt_count), 0) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var n, attempts int
		if err := rows.Scan(&status, &n, &attempts); err != nil {
			return nil, err
		}
		m.JobsByStatus[status] = n
		m.TotalJobs += n
		m.TotalAttempts += attempts
		if status == models.JobStatusPending || status == models.JobStatusInFlight {
			m.ActiveJobs += n
		}
	}
	return m, rows.Err()
}

// HealthCheck verifies the database connection
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
