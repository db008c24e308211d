package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/style"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL plus a long busy timeout keeps concurrent scheduler workers from
	// tripping over SQLITE_BUSY; a single writer connection serializes writes.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lock_records (
		project_id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		steps INTEGER NOT NULL,
		cfg_scale REAL NOT NULL,
		seed_base INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		style_prompt_suffix TEXT,
		validation_samples TEXT,
		consistency_score REAL DEFAULT 0,
		approved BOOLEAN NOT NULL DEFAULT 0,
		locked_date DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		locked_config_ref TEXT NOT NULL,
		job_ids TEXT,
		per_asset_threshold REAL NOT NULL,
		batch_threshold REAL NOT NULL,
		aggregate_score REAL DEFAULT 0,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME
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
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		scores TEXT,
		state_transitions TEXT
	);

	CREATE TABLE IF NOT EXISTS results (
		job_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		artifact_ref TEXT,
		raw_service_status TEXT,
		duration_ns INTEGER NOT NULL,
		error TEXT,
		completed_at DATETIME NOT NULL
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
func (s *SQLiteStore) SaveLockRecord(rec *style.Record) error {
	samples, err := json.Marshal(rec.ValidationSamples)
	if err != nil {
		return fmt.Errorf("failed to marshal validation_samples: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO lock_records
		(project_id, model_id, steps, cfg_scale, seed_base, width, height,
		 style_prompt_suffix, validation_samples, consistency_score, approved, locked_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ProjectID, rec.ModelID, rec.Steps, rec.CFGScale, rec.SeedBase, rec.Width,
		rec.Height, rec.StylePromptSuffix, string(samples), rec.ConsistencyScore,
		rec.Approved, rec.LockedDate)
	return err
}

// GetLockRecord retrieves the lock record for a project
func (s *SQLiteStore) GetLockRecord(projectID string) (*style.Record, error) {
	var rec style.Record
	var samples string
	err := s.db.QueryRow(`
		SELECT project_id, model_id, steps, cfg_scale, seed_base, width, height,
		       style_prompt_suffix, validation_samples, consistency_score, approved, locked_date
		FROM lock_records WHERE project_id = ?
	`, projectID).Scan(&rec.ProjectID, &rec.ModelID, &rec.Steps, &rec.CFGScale,
		&rec.SeedBase, &rec.Width, &rec.Height, &rec.StylePromptSuffix, &samples,
		&rec.ConsistencyScore, &rec.Approved, &rec.LockedDate)
	if err == sql.ErrNoRows {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock record: %w", err)
	}

	if samples != "" {
		if err := json.Unmarshal([]byte(samples), &rec.ValidationSamples); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation_samples: %w", err)
		}
	}
	return &rec, nil
}

// DeleteLockRecord removes a project's lock record
func (s *SQLiteStore) DeleteLockRecord(projectID string) error {
	res, err := s.db.Exec(`DELETE FROM lock_records WHERE project_id = ?`, projectID)
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
func (s *SQLiteStore) CreateBatch(b *models.BatchRun) error {
	jobIDs, err := json.Marshal(b.JobIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal job_ids: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO batches
		(id, project_id, locked_config_ref, job_ids, per_asset_threshold,
		 batch_threshold, aggregate_score, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.ProjectID, b.LockedConfigRef, string(jobIDs), b.Thresholds.PerAsset,
		b.Thresholds.Batch, b.AggregateScore, b.Status, b.StartedAt, b.CompletedAt)
	return err
}

// GetBatch retrieves a batch run by ID
func (s *SQLiteStore) GetBatch(id string) (*models.BatchRun, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, locked_config_ref, job_ids, per_asset_threshold,
		       batch_threshold, aggregate_score, status, started_at, completed_at
		FROM batches WHERE id = ?
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
func (s *SQLiteStore) ListBatches() ([]*models.BatchRun, error) {
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
func (s *SQLiteStore) UpdateBatch(b *models.BatchRun) error {
	jobIDs, err := json.Marshal(b.JobIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal job_ids: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE batches SET job_ids = ?, aggregate_score = ?, status = ?, completed_at = ?
		WHERE id = ?
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*models.BatchRun, error) {
	var b models.BatchRun
	var jobIDs sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&b.ID, &b.ProjectID, &b.LockedConfigRef, &jobIDs,
		&b.Thresholds.PerAsset, &b.Thresholds.Batch, &b.AggregateScore,
		&b.Status, &b.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if jobIDs.Valid && jobIDs.String != "" {
		if err := json.Unmarshal([]byte(jobIDs.String), &b.JobIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job_ids: %w", err)
		}
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return &b, nil
}

// Job operations

// CreateJob adds a new generation job
func (s *SQLiteStore) CreateJob(j *models.GenerationJob) error {
	scores, transitions, err := marshalJobBlobs(j)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs
		(id, batch_id, category, prompt, locked_config_ref, attempt_count,
		 max_attempts, status, error, created_at, started_at, completed_at,
		 scores, state_transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.BatchID, j.Category, j.Prompt, j.LockedConfigRef, j.AttemptCount,
		j.MaxAttempts, j.Status, j.Error, j.CreatedAt, j.StartedAt, j.CompletedAt,
		scores, transitions)
	return err
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.GenerationJob, error) {
	row := s.db.QueryRow(`
		SELECT id, batch_id, category, prompt, locked_config_ref, attempt_count,
		       max_attempts, status, error, created_at, started_at, completed_at,
		       scores, state_transitions
		FROM jobs WHERE id = ?
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
func (s *SQLiteStore) GetBatchJobs(batchID string) ([]*models.GenerationJob, error) {
	rows, err := s.db.Query(`
		SELECT id, batch_id, category, prompt, locked_config_ref, attempt_count,
		       max_attempts, status, error, created_at, started_at, completed_at,
		       scores, state_transitions
		FROM jobs WHERE batch_id = ? ORDER BY created_at
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

// BeginAttempt moves a pending job to in_flight and consumes one attempt
func (s *SQLiteStore) BeginAttempt(id string) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.GetJob(id)
	if err != nil {
		return nil, err
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

	if err := s.updateJob(j); err != nil {
		return nil, err
	}
	return j, nil
}

// TransitionJob applies an FSM-validated state change to a job
func (s *SQLiteStore) TransitionJob(id string, to models.JobStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.GetJob(id)
	if err != nil {
		return err
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

	return s.updateJob(j)
}

// AppendScore records a consistency score for a job
func (s *SQLiteStore) AppendScore(id string, score models.ConsistencyScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.GetJob(id)
	if err != nil {
		return err
	}
	j.Scores = append(j.Scores, score)
	return s.updateJob(j)
}

func (s *SQLiteStore) updateJob(j *models.GenerationJob) error {
	scores, transitions, err := marshalJobBlobs(j)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET attempt_count = ?, status = ?, error = ?, started_at = ?,
		       completed_at = ?, scores = ?, state_transitions = ?
		WHERE id = ?
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

func marshalJobBlobs(j *models.GenerationJob) (string, string, error) {
	scores, err := json.Marshal(j.Scores)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal scores: %w", err)
	}
	transitions, err := json.Marshal(j.StateTransitions)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal state_transitions: %w", err)
	}
	return string(scores), string(transitions), nil
}

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	var j models.GenerationJob
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	var scores, transitions sql.NullString

	err := row.Scan(&j.ID, &j.BatchID, &j.Category, &j.Prompt, &j.LockedConfigRef,
		&j.AttemptCount, &j.MaxAttempts, &j.Status, &errMsg, &j.CreatedAt,
		&startedAt, &completedAt, &scores, &transitions)
	if err != nil {
		return nil, err
	}

	if errMsg.Valid {
		j.Error = errMsg.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if scores.Valid && scores.String != "" && scores.String != "null" {
		if err := json.Unmarshal([]byte(scores.String), &j.Scores); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scores: %w", err)
		}
	}
	if transitions.Valid && transitions.String != "" && transitions.String != "null" {
		if err := json.Unmarshal([]byte(transitions.String), &j.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}
	return &j, nil
}

// Attempt results

// RecordResult stores one attempt outcome
func (s *SQLiteStore) RecordResult(res *models.GenerationResult) error {
	_, err := s.db.Exec(`
		INSERT INTO results
		(job_id, attempt, artifact_ref, raw_service_status, duration_ns, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, res.JobID, res.Attempt, res.ArtifactRef, res.RawServiceStatus,
		int64(res.Duration), res.Error, res.CompletedAt)
	return err
}

// GetJobResults returns all attempt outcomes for a job, oldest first
func (s *SQLiteStore) GetJobResults(jobID string) ([]*models.GenerationResult, error) {
	rows, err := s.db.Query(`
		SELECT job_id, attempt, artifact_ref, raw_service_status, duration_ns, error, completed_at
		FROM results WHERE job_id = ? ORDER BY attempt
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
func (s *SQLiteStore) GetBatchMetrics() (*BatchMetrics, error) {
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
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
