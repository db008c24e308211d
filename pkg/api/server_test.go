package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/dmoren/styleforge/pkg/genclient"
	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/retrypolicy"
	"github.com/dmoren/styleforge/pkg/scheduler"
	"github.com/dmoren/styleforge/pkg/store"
	"github.com/dmoren/styleforge/pkg/style"
)

// stubClient always succeeds immediately
type stubClient struct{}

func (stubClient) Submit(ctx context.Context, job *models.GenerationJob, cfg *style.Config) (genclient.Handle, error) {
	return genclient.Handle{ID: "req-" + job.ID, JobID: job.ID}, nil
}

func (stubClient) Poll(ctx context.Context, h genclient.Handle) (genclient.PollStatus, error) {
	return genclient.PollStatus{State: genclient.PollStateSucceeded, Progress: 100}, nil
}

func (stubClient) Fetch(ctx context.Context, h genclient.Handle) (*models.GenerationResult, error) {
	return &models.GenerationResult{ArtifactRef: "art-" + h.JobID, CompletedAt: time.Now()}, nil
}

// stubScorer returns a fixed score
type stubScorer struct{ score float64 }

func (s stubScorer) Score(ctx context.Context, artifactRef, baselineRef string) (float64, error) {
	return s.score, nil
}

func newTestServer(t *testing.T) (*mux.Router, store.Store, *scheduler.Scheduler) {
	t.Helper()
	st := store.NewMemoryStore()
	sched := scheduler.New(st, stubClient{}, stubScorer{score: 9.3}, retrypolicy.New(retrypolicy.Config{
		MaxAttempts:    3,
		ScoreRetries:   2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2.0,
	}), scheduler.Config{
		Concurrency:     2,
		AttemptTimeout:  5 * time.Second,
		PollInterval:    time.Millisecond,
		ScoreRetryDelay: time.Millisecond,
	}, nil, nil)

	router := mux.NewRouter()
	NewHandler(st, sched, nil).RegisterRoutes(router)
	return router, st, sched
}

func lockBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"model_id":            "sd-xl-1.0",
		"steps":               30,
		"cfg_scale":           7.5,
		"seed_base":           42,
		"width":               1024,
		"height":              1024,
		"style_prompt_suffix": "painterly, cel shaded",
		"validation_samples":  []string{"s3://baselines/proj.png"},
		"approved":            true,
	})
	return body
}

func doRequest(router *mux.Router, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCreateLockAndGet(t *testing.T) {
	router, _, _ := newTestServer(t)

	rr := doRequest(router, "POST", "/projects/proj-1/lock", lockBody())
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(router, "GET", "/projects/proj-1/lock", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var rec style.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ModelID != "sd-xl-1.0" || !rec.Approved {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestCreateLockTwiceConflicts(t *testing.T) {
	router, _, _ := newTestServer(t)

	if rr := doRequest(router, "POST", "/projects/proj-1/lock", lockBody()); rr.Code != http.StatusCreated {
		t.Fatalf("first lock: %d", rr.Code)
	}
	// Identical parameters still conflict; replacement requires relock
	if rr := doRequest(router, "POST", "/projects/proj-1/lock", lockBody()); rr.Code != http.StatusConflict {
		t.Errorf("expected 409 on second lock, got %d", rr.Code)
	}
}

func TestCreateLockInvalidParams(t *testing.T) {
	router, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"model_id":            "sd-xl-1.0",
		"steps":               500,
		"cfg_scale":           7.5,
		"width":               1024,
		"height":              1024,
		"style_prompt_suffix": "painterly",
	})
	rr := doRequest(router, "POST", "/projects/proj-1/lock", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp struct {
		Field string `json:"field"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Field != "steps" {
		t.Errorf("expected steps field in error, got %q", resp.Field)
	}
}

func TestRelockRequiresExistingLock(t *testing.T) {
	router, _, _ := newTestServer(t)

	if rr := doRequest(router, "POST", "/projects/proj-1/relock", lockBody()); rr.Code != http.StatusPreconditionFailed {
		t.Errorf("expected 412 relocking unlocked project, got %d", rr.Code)
	}

	doRequest(router, "POST", "/projects/proj-1/lock", lockBody())
	rr := doRequest(router, "POST", "/projects/proj-1/relock", lockBody())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Previous *style.Record `json:"previous"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Previous == nil || resp.Previous.ProjectID != "proj-1" {
		t.Error("relock should return the replaced record")
	}
}

func TestDeleteLock(t *testing.T) {
	router, _, _ := newTestServer(t)

	if rr := doRequest(router, "DELETE", "/projects/proj-1/lock", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 deleting absent lock, got %d", rr.Code)
	}

	doRequest(router, "POST", "/projects/proj-1/lock", lockBody())
	if rr := doRequest(router, "DELETE", "/projects/proj-1/lock", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := doRequest(router, "GET", "/projects/proj-1/lock", nil); rr.Code != http.StatusNotFound {
		t.Errorf("lock should be gone, got %d", rr.Code)
	}
	// Project can be locked again after deletion
	if rr := doRequest(router, "POST", "/projects/proj-1/lock", lockBody()); rr.Code != http.StatusCreated {
		t.Errorf("expected 201 relocking deleted project, got %d", rr.Code)
	}
}

func TestGetLockNotFound(t *testing.T) {
	router, _, _ := newTestServer(t)
	if rr := doRequest(router, "GET", "/projects/ghost/lock", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestSubmitBatchWithoutLock(t *testing.T) {
	router, _, _ := newTestServer(t)

	body, _ := json.Marshal(models.BatchRequest{
		ProjectID: "proj-1",
		Jobs:      []models.JobRequest{{Category: models.CategoryCharacter, Prompt: "knight"}},
	})
	rr := doRequest(router, "POST", "/batches", body)
	if rr.Code != http.StatusPreconditionFailed {
		t.Errorf("expected 412 without lock, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSubmitBatchAndStatus(t *testing.T) {
	router, _, sched := newTestServer(t)
	doRequest(router, "POST", "/projects/proj-1/lock", lockBody())

	body, _ := json.Marshal(models.BatchRequest{
		ProjectID: "proj-1",
		Jobs: []models.JobRequest{
			{Category: models.CategoryCharacter, Prompt: "knight idle"},
			{Category: models.CategoryProp, Prompt: "iron sword"},
		},
	})
	rr := doRequest(router, "POST", "/batches", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var b models.BatchRun
	if err := json.Unmarshal(rr.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(b.JobIDs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(b.JobIDs))
	}

	if _, err := sched.AwaitCompletion(context.Background(), b.ID); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	rr = doRequest(router, "GET", "/batches/"+b.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var status struct {
		Batch   models.BatchRun `json:"batch"`
		Summary struct {
			Verdict   models.BatchStatus `json:"verdict"`
			MeanScore float64            `json:"mean_score"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Batch.Status != models.BatchStatusSucceeded {
		t.Errorf("expected succeeded, got %s", status.Batch.Status)
	}
	if status.Summary.MeanScore != 9.3 {
		t.Errorf("expected mean 9.3, got %.2f", status.Summary.MeanScore)
	}

	rr = doRequest(router, "GET", "/batches/"+b.ID+"/jobs", nil)
	var jobs []*models.GenerationJob
	json.Unmarshal(rr.Body.Bytes(), &jobs)
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}

	rr = doRequest(router, "GET", "/jobs/"+jobs[0].ID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 for job, got %d", rr.Code)
	}

	rr = doRequest(router, "GET", "/jobs/"+jobs[0].ID+"/results", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for job results, got %d", rr.Code)
	}
	var results []*models.GenerationResult
	json.Unmarshal(rr.Body.Bytes(), &results)
	if len(results) != 1 || results[0].ArtifactRef != "art-"+jobs[0].ID {
		t.Errorf("unexpected results: %+v", results)
	}

	rr = doRequest(router, "GET", "/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for stats, got %d", rr.Code)
	}
	var stats store.BatchMetrics
	json.Unmarshal(rr.Body.Bytes(), &stats)
	if stats.TotalBatches != 1 || stats.TotalJobs != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	router, _, _ := newTestServer(t)
	if rr := doRequest(router, "GET", "/batches/ghost", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestCancelNotRunning(t *testing.T) {
	router, _, _ := newTestServer(t)
	if rr := doRequest(router, "POST", "/batches/ghost/cancel", nil); rr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	router, _, _ := newTestServer(t)

	rr := doRequest(router, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Status != "healthy" {
		t.Errorf("expected healthy, got %s", resp.Status)
	}
}

func TestAuthMiddleware(t *testing.T) {
	router, _, _ := newTestServer(t)
	wrapped := mux.NewRouter()
	wrapped.Use(AuthMiddleware("secret-key", false))
	wrapped.PathPrefix("/").Handler(router)

	// Health skips auth
	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("health should skip auth, got %d", rr.Code)
	}

	// Missing header
	rr = httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest("GET", "/batches", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rr.Code)
	}

	// Wrong key
	req := httptest.NewRequest("GET", "/batches", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", rr.Code)
	}

	// Correct key
	req = httptest.NewRequest("GET", "/batches", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rr = httptest.NewRecorder()
	wrapped.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with correct key, got %d", rr.Code)
	}
}
