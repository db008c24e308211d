// Package scheduler drives batches of generation jobs to completion under a
// bounded worker pool. Each job runs at most one attempt at a time; retries
// reuse the identical locked config and go back through the queue after the
// retry controller's backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmoren/styleforge/pkg/batch"
	"github.com/dmoren/styleforge/pkg/genclient"
	"github.com/dmoren/styleforge/pkg/logging"
	"github.com/dmoren/styleforge/pkg/metrics"
	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/retrypolicy"
	"github.com/dmoren/styleforge/pkg/scorer"
	"github.com/dmoren/styleforge/pkg/store"
	"github.com/dmoren/styleforge/pkg/style"
)

var (
	ErrBatchNotRunning = errors.New("batch is not running")
	ErrEmptyBatch      = errors.New("batch contains no jobs")
)

// Config holds scheduler tuning knobs
type Config struct {
	Concurrency     int           // Worker slots, bounds concurrent attempts
	AttemptTimeout  time.Duration // Deadline for one submit+poll+fetch cycle
	PollInterval    time.Duration // Delay between status polls
	ScoreRetryDelay time.Duration // Delay between scoring retries
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Concurrency:     5,
		AttemptTimeout:  2 * time.Minute,
		PollInterval:    2 * time.Second,
		ScoreRetryDelay: time.Second,
	}
}

// Scheduler owns the worker pool and the lifecycle of batch runs
type Scheduler struct {
	store   store.Store
	client  genclient.Client
	scorer  scorer.Scorer
	retry   *retrypolicy.Controller
	cfg     Config
	log     *logging.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	running map[string]*batchRun
}

// batchRun is the in-flight state of one batch
type batchRun struct {
	batch      *models.BatchRun
	styleCfg   *style.Config
	baseline   string
	thresholds models.Thresholds
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a scheduler. The metrics collector may be nil.
func New(st store.Store, client genclient.Client, sc scorer.Scorer, retry *retrypolicy.Controller, cfg Config, log *logging.Logger, collector *metrics.Collector) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ScoreRetryDelay <= 0 {
		cfg.ScoreRetryDelay = DefaultConfig().ScoreRetryDelay
	}
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Scheduler{
		store:   st,
		client:  client,
		scorer:  sc,
		retry:   retry,
		cfg:     cfg,
		log:     log,
		metrics: collector,
		running: make(map[string]*batchRun),
	}
}

// SubmitBatch validates the request against the project's lock record,
// persists the batch and its jobs, and starts driving them. The lock check
// happens before any job is created: a missing or unapproved lock fails the
// whole submission.
func (s *Scheduler) SubmitBatch(ctx context.Context, req models.BatchRequest) (*models.BatchRun, error) {
	if req.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	if len(req.Jobs) == 0 {
		return nil, ErrEmptyBatch
	}
	for i, jr := range req.Jobs {
		if !models.KnownCategory(jr.Category) {
			return nil, fmt.Errorf("job %d: unknown category %q", i, jr.Category)
		}
		if jr.Prompt == "" {
			return nil, fmt.Errorf("job %d: prompt is required", i)
		}
	}

	thresholds := models.DefaultThresholds()
	if req.Thresholds != nil {
		if !req.Thresholds.Valid() {
			return nil, fmt.Errorf("thresholds must be within the 0-10 score range")
		}
		thresholds = *req.Thresholds
	}

	rec, err := s.store.GetLockRecord(req.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrLockNotFound) {
			return nil, &style.MissingLockError{ProjectID: req.ProjectID, Reason: "no lock record"}
		}
		return nil, fmt.Errorf("failed to load lock record: %w", err)
	}
	styleCfg, err := rec.Config()
	if err != nil {
		return nil, err
	}

	b := &models.BatchRun{
		ID:              uuid.New().String(),
		ProjectID:       req.ProjectID,
		LockedConfigRef: styleCfg.Fingerprint(),
		Thresholds:      thresholds,
		Status:          models.BatchStatusRunning,
		StartedAt:       time.Now(),
	}

	maxAttempts := s.retry.Config().MaxAttempts
	jobs := make([]*models.GenerationJob, 0, len(req.Jobs))
	for _, jr := range req.Jobs {
		j := &models.GenerationJob{
			ID:              uuid.New().String(),
			BatchID:         b.ID,
			Category:        jr.Category,
			Prompt:          jr.Prompt,
			LockedConfigRef: styleCfg.Fingerprint(),
			MaxAttempts:     maxAttempts,
			Status:          models.JobStatusPending,
			CreatedAt:       time.Now(),
		}
		jobs = append(jobs, j)
		b.JobIDs = append(b.JobIDs, j.ID)
	}

	if err := s.store.CreateBatch(b); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	for _, j := range jobs {
		if err := s.store.CreateJob(j); err != nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &batchRun{
		batch:      b,
		styleCfg:   styleCfg,
		baseline:   rec.Baseline(),
		thresholds: thresholds,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.running[b.ID] = run
	s.mu.Unlock()

	s.log.Info("batch submitted", map[string]interface{}{
		"batch_id":   b.ID,
		"project_id": b.ProjectID,
		"jobs":       len(jobs),
		"config_ref": b.LockedConfigRef,
	})

	go s.run(runCtx, run, jobs)
	return b, nil
}

// ActiveBatches returns the number of batches currently being driven
func (s *Scheduler) ActiveBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Cancel stops scheduling new attempts for the batch. Attempts already in
// flight are abandoned through context cancellation.
func (s *Scheduler) Cancel(batchID string) error {
	s.mu.Lock()
	run, ok := s.running[batchID]
	s.mu.Unlock()
	if !ok {
		return ErrBatchNotRunning
	}
	run.cancel()
	return nil
}

// AwaitCompletion blocks until the batch reaches a terminal status or ctx
// is done, then returns the final batch record.
func (s *Scheduler) AwaitCompletion(ctx context.Context, batchID string) (*models.BatchRun, error) {
	s.mu.Lock()
	run, ok := s.running[batchID]
	s.mu.Unlock()

	if ok {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.store.GetBatch(batchID)
}

// run drives the batch's jobs through the bounded worker pool until every
// job is terminal or the run context is canceled.
func (s *Scheduler) run(ctx context.Context, run *batchRun, jobs []*models.GenerationJob) {
	defer close(run.done)
	defer func() {
		s.mu.Lock()
		delete(s.running, run.batch.ID)
		s.mu.Unlock()
	}()

	maxAttempts := s.retry.Config().MaxAttempts
	// Every job passes through the queue at most MaxAttempts times, so the
	// buffer guarantees requeues never block a worker.
	queue := make(chan string, len(jobs)*maxAttempts)
	for _, j := range jobs {
		queue <- j.ID
	}
	remaining := int32(len(jobs))
	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(queue))
	}

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID, ok := <-queue:
					if !ok {
						return
					}
					if s.metrics != nil {
						s.metrics.SetQueueDepth(len(queue))
					}
					if s.processJob(ctx, run, jobID, queue, &wg) {
						if atomic.AddInt32(&remaining, -1) == 0 {
							close(queue)
						}
					}
				}
			}
		}()
	}
	wg.Wait()

	s.finalize(ctx, run)
}

// processJob runs one attempt for the job and applies the retry decision.
// It returns true when the job reached a terminal outcome.
func (s *Scheduler) processJob(ctx context.Context, run *batchRun, jobID string, queue chan<- string, wg *sync.WaitGroup) bool {
	job, err := s.store.BeginAttempt(jobID)
	if err != nil {
		s.log.Error("failed to begin attempt", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return true
	}

	if s.metrics != nil {
		s.metrics.JobStarted()
		defer s.metrics.JobFinished()
	}

	started := time.Now()
	score, attemptErr := s.attempt(ctx, run, job)
	if s.metrics != nil {
		s.metrics.AttemptDuration(job.Category, time.Since(started).Seconds())
	}

	decision := s.retry.Decide(job, attemptErr, score)
	if err := s.store.TransitionJob(jobID, decision.Next, decision.Reason); err != nil {
		s.log.Error("failed to record attempt outcome", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return true
	}
	if s.metrics != nil {
		s.metrics.AttemptCompleted(decision.Next)
	}

	s.log.Info("attempt finished", map[string]interface{}{
		"job_id":  jobID,
		"attempt": job.AttemptCount,
		"status":  string(decision.Next),
		"reason":  decision.Reason,
	})

	if !decision.Requeue {
		return true
	}

	// Requeue after backoff without holding the worker slot. The requeue
	// goroutine completes before the queue can close because the job's
	// terminal decrement has not happened yet.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(decision.Backoff):
		}
		if err := s.store.TransitionJob(jobID, models.JobStatusPending, "requeued for retry"); err != nil {
			s.log.Error("failed to requeue job", map[string]interface{}{"job_id": jobID, "error": err.Error()})
			return
		}
		select {
		case <-ctx.Done():
		case queue <- jobID:
		}
	}()
	return false
}

// attempt performs one submit/poll/fetch/score cycle. A completed cycle
// yields exactly one of score and error.
func (s *Scheduler) attempt(ctx context.Context, run *batchRun, job *models.GenerationJob) (*models.ConsistencyScore, error) {
	if job.LockedConfigRef != run.styleCfg.Fingerprint() {
		return nil, genclient.Permanent(fmt.Errorf("job references config %s, batch holds %s", job.LockedConfigRef, run.styleCfg.Fingerprint()))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	handle, err := s.client.Submit(attemptCtx, job, run.styleCfg)
	if err != nil {
		return nil, err
	}

	result, err := s.pollAndFetch(attemptCtx, handle)
	if err != nil {
		return nil, err
	}
	result.JobID = job.ID
	result.Attempt = job.AttemptCount
	if err := s.store.RecordResult(result); err != nil {
		s.log.Error("failed to record result", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	}

	value, err := s.scoreWithRetry(attemptCtx, result.ArtifactRef, run.baseline)
	if err != nil {
		return nil, err
	}

	score := &models.ConsistencyScore{
		JobID:         job.ID,
		Attempt:       job.AttemptCount,
		Score:         value,
		BaselineRef:   run.baseline,
		ThresholdUsed: run.thresholds.PerAsset,
		Passed:        value >= run.thresholds.PerAsset,
		ScoredAt:      time.Now(),
	}
	if err := s.store.AppendScore(job.ID, *score); err != nil {
		s.log.Error("failed to record score", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	}
	if s.metrics != nil {
		s.metrics.ScoreObserved(job.Category, value)
	}
	return score, nil
}

// pollAndFetch waits for the remote request to finish and downloads the
// artifact reference
func (s *Scheduler) pollAndFetch(ctx context.Context, h genclient.Handle) (*models.GenerationResult, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := s.client.Poll(ctx, h)
		if err != nil {
			return nil, err
		}

		switch status.State {
		case genclient.PollStateSucceeded:
			return s.client.Fetch(ctx, h)
		case genclient.PollStateFailed:
			return nil, genclient.Transient(genclient.ErrServiceUnavailable)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// scoreWithRetry retries scoring against its own budget, separate from the
// generation attempt budget. Exhausting it is a permanent failure: the
// artifact exists but cannot be validated.
func (s *Scheduler) scoreWithRetry(ctx context.Context, artifactRef, baselineRef string) (float64, error) {
	budget := s.retry.Config().ScoreRetries
	if budget <= 0 {
		budget = 1
	}

	var lastErr error
	for i := 0; i < budget; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(s.cfg.ScoreRetryDelay):
			}
		}

		value, err := s.scorer.Score(ctx, artifactRef, baselineRef)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !errors.Is(err, scorer.ErrScoringUnavailable) {
			break
		}
	}
	return 0, genclient.Permanent(fmt.Errorf("scoring failed after %d tries: %w", budget, lastErr))
}

// finalize folds the job outcomes into the batch verdict and persists it
func (s *Scheduler) finalize(ctx context.Context, run *batchRun) {
	jobs, err := s.store.GetBatchJobs(run.batch.ID)
	if err != nil {
		s.log.Error("failed to load jobs for finalization", map[string]interface{}{"batch_id": run.batch.ID, "error": err.Error()})
		return
	}

	b, err := s.store.GetBatch(run.batch.ID)
	if err != nil {
		s.log.Error("failed to load batch for finalization", map[string]interface{}{"batch_id": run.batch.ID, "error": err.Error()})
		return
	}

	summary := batch.Aggregate(jobs, run.thresholds)
	now := time.Now()

	if ctx.Err() != nil {
		b.Status = models.BatchStatusCanceled
	} else {
		b.Status = summary.Verdict
	}
	b.AggregateScore = summary.MeanScore
	b.CompletedAt = &now

	if err := s.store.UpdateBatch(b); err != nil {
		s.log.Error("failed to persist batch verdict", map[string]interface{}{"batch_id": b.ID, "error": err.Error()})
		return
	}
	if s.metrics != nil {
		s.metrics.BatchFinished(b.Status)
	}

	s.log.Info("batch finished", map[string]interface{}{
		"batch_id":        b.ID,
		"status":          string(b.Status),
		"aggregate_score": b.AggregateScore,
		"jobs":            summary.TotalJobs,
	})
}
