package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/style"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteLockRecordRoundTrip(t *testing.T) {
	s := newSQLiteTestStore(t)

	rec := &style.Record{
		ProjectID:         "proj-1",
		ModelID:           "sd-xl-1.0",
		Steps:             30,
		CFGScale:          7.5,
		SeedBase:          42,
		Width:             1024,
		Height:            1024,
		StylePromptSuffix: "painterly, cel shaded",
		ValidationSamples: []string{"s3://samples/a.png", "s3://samples/b.png"},
		ConsistencyScore:  9.1,
		Approved:          true,
		LockedDate:        time.Now().UTC(),
	}
	if err := s.SaveLockRecord(rec); err != nil {
		t.Fatalf("SaveLockRecord: %v", err)
	}

	got, err := s.GetLockRecord("proj-1")
	if err != nil {
		t.Fatalf("GetLockRecord: %v", err)
	}
	if got.ModelID != rec.ModelID || got.Steps != rec.Steps || got.CFGScale != rec.CFGScale {
		t.Errorf("record mismatch: %+v", got)
	}
	if len(got.ValidationSamples) != 2 || got.Baseline() != "s3://samples/a.png" {
		t.Errorf("validation samples mismatch: %+v", got.ValidationSamples)
	}

	if _, err := s.GetLockRecord("missing"); !errors.Is(err, ErrLockNotFound) {
		t.Errorf("expected ErrLockNotFound, got %v", err)
	}
}

func TestSQLiteJobLifecycle(t *testing.T) {
	s := newSQLiteTestStore(t)

	b := &models.BatchRun{
		ID:              "batch-1",
		ProjectID:       "proj-1",
		LockedConfigRef: "cfg-abc",
		JobIDs:          []string{"job-1"},
		Thresholds:      models.DefaultThresholds(),
		Status:          models.BatchStatusRunning,
		StartedAt:       time.Now().UTC(),
	}
	if err := s.CreateBatch(b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := s.CreateJob(newTestJob("job-1", "batch-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j, err := s.BeginAttempt("job-1")
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if j.Status != models.JobStatusInFlight || j.AttemptCount != 1 {
		t.Errorf("unexpected job after BeginAttempt: %+v", j)
	}

	score := models.ConsistencyScore{JobID: "job-1", Attempt: 1, Score: 9.3, ThresholdUsed: 8.5, Passed: true, ScoredAt: time.Now().UTC()}
	if err := s.AppendScore("job-1", score); err != nil {
		t.Fatalf("AppendScore: %v", err)
	}
	if err := s.TransitionJob("job-1", models.JobStatusSucceeded, "score passed"); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobStatusSucceeded {
		t.Errorf("expected succeeded, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at on terminal job")
	}
	if sc := got.LatestScore(); sc == nil || sc.Score != 9.3 {
		t.Errorf("score not persisted: %+v", sc)
	}
	if len(got.StateTransitions) != 2 {
		t.Errorf("expected 2 persisted transitions, got %d", len(got.StateTransitions))
	}

	jobs, err := s.GetBatchJobs("batch-1")
	if err != nil || len(jobs) != 1 {
		t.Errorf("GetBatchJobs = %d jobs, err %v", len(jobs), err)
	}

	b.Status = models.BatchStatusSucceeded
	b.AggregateScore = 9.3
	if err := s.UpdateBatch(b); err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	gotBatch, err := s.GetBatch("batch-1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if gotBatch.Status != models.BatchStatusSucceeded || len(gotBatch.JobIDs) != 1 {
		t.Errorf("unexpected batch: %+v", gotBatch)
	}
}

func TestSQLiteInvalidTransitionRejected(t *testing.T) {
	s := newSQLiteTestStore(t)
	if err := s.CreateJob(newTestJob("job-1", "batch-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.TransitionJob("job-1", models.JobStatusSucceeded, ""); err == nil {
		t.Error("expected invalid transition pending -> succeeded")
	}
	if err := s.TransitionJob("missing", models.JobStatusInFlight, ""); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSQLiteResults(t *testing.T) {
	s := newSQLiteTestStore(t)
	if err := s.CreateJob(newTestJob("job-1", "batch-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		res := &models.GenerationResult{
			JobID:       "job-1",
			Attempt:     attempt,
			ArtifactRef: "art",
			Duration:    3 * time.Second,
			CompletedAt: time.Now().UTC(),
		}
		if err := s.RecordResult(res); err != nil {
			t.Fatalf("RecordResult: %v", err)
		}
	}

	results, err := s.GetJobResults("job-1")
	if err != nil {
		t.Fatalf("GetJobResults: %v", err)
	}
	if len(results) != 2 || results[0].Attempt != 1 || results[1].Attempt != 2 {
		t.Errorf("unexpected results: %+v", results)
	}
	if results[0].Duration != 3*time.Second {
		t.Errorf("duration not persisted: %v", results[0].Duration)
	}
}
