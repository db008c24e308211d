package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmoren/styleforge/pkg/genclient"
	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/retrypolicy"
	"github.com/dmoren/styleforge/pkg/scorer"
	"github.com/dmoren/styleforge/pkg/store"
	"github.com/dmoren/styleforge/pkg/style"
)

// fakeClient simulates the generation service. Every submitted attempt
// records the config fingerprint it was given and succeeds unless submitErr
// says otherwise.
type fakeClient struct {
	mu           sync.Mutex
	fingerprints map[string][]string // job ID -> fingerprint per attempt
	submitErr    func(job *models.GenerationJob) error
	pollDelay    time.Duration
	neverFinish  bool

	inFlight    int32
	maxInFlight int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{fingerprints: make(map[string][]string), pollDelay: 5 * time.Millisecond}
}

func (c *fakeClient) Submit(ctx context.Context, job *models.GenerationJob, cfg *style.Config) (genclient.Handle, error) {
	cur := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&c.maxInFlight, max, cur) {
			break
		}
	}

	c.mu.Lock()
	c.fingerprints[job.ID] = append(c.fingerprints[job.ID], cfg.Fingerprint())
	c.mu.Unlock()

	if c.submitErr != nil {
		if err := c.submitErr(job); err != nil {
			atomic.AddInt32(&c.inFlight, -1)
			return genclient.Handle{}, err
		}
	}
	return genclient.Handle{ID: "req-" + job.ID, JobID: job.ID}, nil
}

func (c *fakeClient) Poll(ctx context.Context, h genclient.Handle) (genclient.PollStatus, error) {
	if c.neverFinish {
		return genclient.PollStatus{State: genclient.PollStateRunning, Progress: 50}, nil
	}
	select {
	case <-ctx.Done():
		return genclient.PollStatus{}, ctx.Err()
	case <-time.After(c.pollDelay):
	}
	return genclient.PollStatus{State: genclient.PollStateSucceeded, Progress: 100}, nil
}

func (c *fakeClient) Fetch(ctx context.Context, h genclient.Handle) (*models.GenerationResult, error) {
	atomic.AddInt32(&c.inFlight, -1)
	return &models.GenerationResult{
		ArtifactRef:      "art-" + h.JobID,
		RawServiceStatus: "succeeded",
		CompletedAt:      time.Now(),
	}, nil
}

// fakeScorer returns the configured score sequence per artifact, repeating
// the last entry once the sequence is exhausted
type fakeScorer struct {
	mu    sync.Mutex
	seqs  map[string][]float64
	calls map[string]int
	err   error
}

func newFakeScorer(defaultSeq ...float64) *fakeScorer {
	return &fakeScorer{
		seqs:  map[string][]float64{"": defaultSeq},
		calls: make(map[string]int),
	}
}

func (f *fakeScorer) Score(ctx context.Context, artifactRef, baselineRef string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.calls[artifactRef]
	f.calls[artifactRef] = n + 1

	if f.err != nil {
		return 0, f.err
	}

	seq, ok := f.seqs[artifactRef]
	if !ok {
		seq = f.seqs[""]
	}
	if len(seq) == 0 {
		return 0, scorer.ErrScoringUnavailable
	}
	if n >= len(seq) {
		n = len(seq) - 1
	}
	return seq[n], nil
}

func approvedRecord(projectID string) *style.Record {
	return &style.Record{
		ProjectID:         projectID,
		ModelID:           "sd-xl-1.0",
		Steps:             30,
		CFGScale:          7.5,
		SeedBase:          42,
		Width:             1024,
		Height:            1024,
		StylePromptSuffix: "painterly, cel shaded",
		ValidationSamples: []string{"s3://baselines/proj.png"},
		Approved:          true,
		LockedDate:        time.Now(),
	}
}

func testScheduler(t *testing.T, st store.Store, client genclient.Client, sc scorer.Scorer, retryCfg retrypolicy.Config) *Scheduler {
	t.Helper()
	cfg := Config{
		Concurrency:     2,
		AttemptTimeout:  5 * time.Second,
		PollInterval:    time.Millisecond,
		ScoreRetryDelay: time.Millisecond,
	}
	return New(st, client, sc, retrypolicy.New(retryCfg), cfg, nil, nil)
}

func fastRetryConfig() retrypolicy.Config {
	return retrypolicy.Config{
		MaxAttempts:    3,
		ScoreRetries:   2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func submitRequest(n int) models.BatchRequest {
	req := models.BatchRequest{ProjectID: "proj-1"}
	cats := []models.Category{models.CategoryCharacter, models.CategoryEnvironment, models.CategoryUI, models.CategoryProp}
	for i := 0; i < n; i++ {
		req.Jobs = append(req.Jobs, models.JobRequest{Category: cats[i%len(cats)], Prompt: "asset prompt"})
	}
	return req
}

func TestSubmitBatchAllJobsSucceed(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	sc := newFakeScorer(9.0)
	s := testScheduler(t, st, client, sc, fastRetryConfig())

	b, err := s.SubmitBatch(context.Background(), submitRequest(4))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	final, err := s.AwaitCompletion(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if final.Status != models.BatchStatusSucceeded {
		t.Errorf("expected succeeded, got %s", final.Status)
	}
	if final.AggregateScore != 9.0 {
		t.Errorf("expected aggregate 9.0, got %.2f", final.AggregateScore)
	}

	jobs, _ := st.GetBatchJobs(b.ID)
	for _, j := range jobs {
		if j.Status != models.JobStatusSucceeded {
			t.Errorf("job %s: expected succeeded, got %s", j.ID, j.Status)
		}
		if j.AttemptCount != 1 {
			t.Errorf("job %s: expected 1 attempt, got %d", j.ID, j.AttemptCount)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	client.pollDelay = 20 * time.Millisecond
	sc := newFakeScorer(9.5)
	s := testScheduler(t, st, client, sc, fastRetryConfig())

	b, err := s.SubmitBatch(context.Background(), submitRequest(6))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if _, err := s.AwaitCompletion(context.Background(), b.ID); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	if max := atomic.LoadInt32(&client.maxInFlight); max > 2 {
		t.Errorf("concurrency bound violated: observed %d concurrent attempts with limit 2", max)
	}
}

func TestConsistencyRetryRecoversWithIdenticalConfig(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	// First attempt misses the gate, second clears it
	sc := newFakeScorer(7.0, 9.2)
	s := testScheduler(t, st, client, sc, fastRetryConfig())

	b, err := s.SubmitBatch(context.Background(), submitRequest(1))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	final, err := s.AwaitCompletion(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	if final.Status != models.BatchStatusSucceeded {
		t.Errorf("expected succeeded, got %s", final.Status)
	}
	if final.AggregateScore != 9.2 {
		t.Errorf("expected aggregate 9.2 from retry score, got %.2f", final.AggregateScore)
	}

	jobs, _ := st.GetBatchJobs(b.ID)
	j := jobs[0]
	if j.AttemptCount != 2 {
		t.Errorf("expected 2 attempts, got %d", j.AttemptCount)
	}
	if j.Status != models.JobStatusSucceeded {
		t.Errorf("expected succeeded, got %s", j.Status)
	}

	// Every attempt must have used the identical locked config
	fps := client.fingerprints[j.ID]
	if len(fps) != 2 {
		t.Fatalf("expected 2 submitted attempts, got %d", len(fps))
	}
	if fps[0] != fps[1] {
		t.Errorf("config fingerprint changed between attempts: %s vs %s", fps[0], fps[1])
	}
	if fps[0] != b.LockedConfigRef {
		t.Errorf("attempt used config %s, batch locked %s", fps[0], b.LockedConfigRef)
	}
}

func TestConsistencyBudgetExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	sc := newFakeScorer(7.0) // never clears the gate
	s := testScheduler(t, st, client, sc, fastRetryConfig())

	b, err := s.SubmitBatch(context.Background(), submitRequest(1))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	final, err := s.AwaitCompletion(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	if final.Status == models.BatchStatusSucceeded {
		t.Error("batch with consistency failure must not succeed")
	}

	jobs, _ := st.GetBatchJobs(b.ID)
	j := jobs[0]
	if j.Status != models.JobStatusFailedConsistency {
		t.Errorf("expected failed_consistency as final verdict, got %s", j.Status)
	}
	if j.AttemptCount != 3 {
		t.Errorf("expected 3 attempts, got %d", j.AttemptCount)
	}
	if len(client.fingerprints[j.ID]) != 3 {
		t.Errorf("expected 3 submitted attempts, got %d", len(client.fingerprints[j.ID]))
	}
}

func TestPermanentRejectionFailsFast(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	client.submitErr = func(job *models.GenerationJob) error {
		return genclient.Permanent(genclient.ErrInvalidRequest)
	}
	sc := newFakeScorer(9.0)
	s := testScheduler(t, st, client, sc, fastRetryConfig())

	b, err := s.SubmitBatch(context.Background(), submitRequest(1))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	final, err := s.AwaitCompletion(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	if final.Status != models.BatchStatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	jobs, _ := st.GetBatchJobs(b.ID)
	if jobs[0].Status != models.JobStatusFailedPermanent {
		t.Errorf("expected failed_permanent, got %s", jobs[0].Status)
	}
	if jobs[0].AttemptCount != 1 {
		t.Errorf("permanent rejection must not be retried, got %d attempts", jobs[0].AttemptCount)
	}
}

func TestTransientErrorRetriesWithinBudget(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	var fails int32
	client.submitErr = func(job *models.GenerationJob) error {
		if atomic.AddInt32(&fails, 1) <= 1 {
			return genclient.Transient(genclient.ErrServiceUnavailable)
		}
		return nil
	}
	sc := newFakeScorer(9.4)
	s := testScheduler(t, st, client, sc, fastRetryConfig())

	b, err := s.SubmitBatch(context.Background(), submitRequest(1))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	final, err := s.AwaitCompletion(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	if final.Status != models.BatchStatusSucceeded {
		t.Errorf("expected succeeded after transient recovery, got %s", final.Status)
	}
	jobs, _ := st.GetBatchJobs(b.ID)
	if jobs[0].AttemptCount != 2 {
		t.Errorf("expected 2 attempts, got %d", jobs[0].AttemptCount)
	}
}

func TestScoringOutageBecomesPermanent(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	sc := newFakeScorer()
	sc.err = scorer.ErrScoringUnavailable
	s := testScheduler(t, st, client, sc, fastRetryConfig())

	b, err := s.SubmitBatch(context.Background(), submitRequest(1))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	final, err := s.AwaitCompletion(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	if final.Status != models.BatchStatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	jobs, _ := st.GetBatchJobs(b.ID)
	if jobs[0].Status != models.JobStatusFailedPermanent {
		t.Errorf("expected failed_permanent after scoring budget exhausted, got %s", jobs[0].Status)
	}
}

func TestSubmitBatchMissingLock(t *testing.T) {
	st := store.NewMemoryStore()
	s := testScheduler(t, st, newFakeClient(), newFakeScorer(9.0), fastRetryConfig())

	_, err := s.SubmitBatch(context.Background(), submitRequest(2))
	var missing *style.MissingLockError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingLockError, got %v", err)
	}

	// Fail-fast: no batch, no jobs
	batches, _ := st.ListBatches()
	if len(batches) != 0 {
		t.Errorf("expected no batches created, got %d", len(batches))
	}
}

func TestSubmitBatchUnapprovedLock(t *testing.T) {
	st := store.NewMemoryStore()
	rec := approvedRecord("proj-1")
	rec.Approved = false
	if err := st.SaveLockRecord(rec); err != nil {
		t.Fatal(err)
	}
	s := testScheduler(t, st, newFakeClient(), newFakeScorer(9.0), fastRetryConfig())

	_, err := s.SubmitBatch(context.Background(), submitRequest(1))
	var missing *style.MissingLockError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingLockError for unapproved lock, got %v", err)
	}
}

func TestSubmitBatchValidation(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	s := testScheduler(t, st, newFakeClient(), newFakeScorer(9.0), fastRetryConfig())

	tests := []struct {
		name string
		req  models.BatchRequest
	}{
		{"empty jobs", models.BatchRequest{ProjectID: "proj-1"}},
		{"missing project", submitRequestWithProject("", 1)},
		{"unknown category", models.BatchRequest{ProjectID: "proj-1", Jobs: []models.JobRequest{{Category: "weapon", Prompt: "axe"}}}},
		{"empty prompt", models.BatchRequest{ProjectID: "proj-1", Jobs: []models.JobRequest{{Category: models.CategoryProp}}}},
		{"bad thresholds", func() models.BatchRequest {
			r := submitRequest(1)
			r.Thresholds = &models.Thresholds{PerAsset: 12, Batch: 9}
			return r
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.SubmitBatch(context.Background(), tt.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func submitRequestWithProject(project string, n int) models.BatchRequest {
	r := submitRequest(n)
	r.ProjectID = project
	return r
}

func TestCancelBatch(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	client.neverFinish = true
	s := testScheduler(t, st, client, newFakeScorer(9.0), fastRetryConfig())

	b, err := s.SubmitBatch(context.Background(), submitRequest(3))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	// Give workers a moment to pick up jobs, then cancel
	time.Sleep(20 * time.Millisecond)
	if err := s.Cancel(b.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final, err := s.AwaitCompletion(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if final.Status != models.BatchStatusCanceled {
		t.Errorf("expected canceled, got %s", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("canceled batch should carry completed_at")
	}

	if err := s.Cancel(b.ID); !errors.Is(err, ErrBatchNotRunning) {
		t.Errorf("expected ErrBatchNotRunning on second cancel, got %v", err)
	}
}

func TestAttemptCountNeverExceedsBudget(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveLockRecord(approvedRecord("proj-1")); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	client.submitErr = func(job *models.GenerationJob) error {
		return genclient.Transient(genclient.ErrServiceUnavailable)
	}
	s := testScheduler(t, st, client, newFakeScorer(9.0), fastRetryConfig())

	b, err := s.SubmitBatch(context.Background(), submitRequest(2))
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if _, err := s.AwaitCompletion(context.Background(), b.ID); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	jobs, _ := st.GetBatchJobs(b.ID)
	for _, j := range jobs {
		if j.AttemptCount > j.MaxAttempts {
			t.Errorf("job %s exceeded budget: %d > %d", j.ID, j.AttemptCount, j.MaxAttempts)
		}
		if j.Status != models.JobStatusFailedPermanent {
			t.Errorf("job %s: expected failed_permanent, got %s", j.ID, j.Status)
		}
	}
}
