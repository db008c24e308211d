// Package api exposes the orchestrator over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dmoren/styleforge/pkg/auth"
	"github.com/dmoren/styleforge/pkg/batch"
	"github.com/dmoren/styleforge/pkg/logging"
	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/scheduler"
	"github.com/dmoren/styleforge/pkg/store"
	"github.com/dmoren/styleforge/pkg/style"
)

// Handler handles orchestrator API requests
type Handler struct {
	store store.Store
	sched *scheduler.Scheduler
	log   *logging.Logger
}

// NewHandler creates a new API handler
func NewHandler(st store.Store, sched *scheduler.Scheduler, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Handler{store: st, sched: sched, log: log}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Batch routes
	r.HandleFunc("/batches", h.SubmitBatch).Methods("POST")
	r.HandleFunc("/batches", h.ListBatches).Methods("GET")
	r.HandleFunc("/batches/{id}", h.GetBatch).Methods("GET")
	r.HandleFunc("/batches/{id}/cancel", h.CancelBatch).Methods("POST")
	r.HandleFunc("/batches/{id}/jobs", h.GetBatchJobs).Methods("GET")

	// Job routes
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/results", h.GetJobResults).Methods("GET")

	// Lock routes
	r.HandleFunc("/projects/{id}/lock", h.CreateLock).Methods("POST")
	r.HandleFunc("/projects/{id}/lock", h.GetLock).Methods("GET")
	r.HandleFunc("/projects/{id}/lock", h.DeleteLock).Methods("DELETE")
	r.HandleFunc("/projects/{id}/relock", h.Relock).Methods("POST")

	// Other routes
	r.HandleFunc("/stats", h.Stats).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// AuthMiddleware enforces bearer API key auth on everything except /health.
// The configured key may be plaintext or a bcrypt hash of the key.
func AuthMiddleware(apiKey string, hashed bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}

			var ok bool
			if hashed {
				const prefix = "Bearer "
				ok = len(authHeader) > len(prefix) && auth.VerifyAPIKeyHash(apiKey, authHeader[len(prefix):])
			} else {
				ok = auth.SecureCompare(authHeader, "Bearer "+apiKey)
			}
			if !ok {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// errorResponse is the JSON error payload
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	var invalid *style.InvalidParameterError
	var locked *style.AlreadyLockedError
	var missing *style.MissingLockError

	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: invalid.Error(), Field: invalid.Field})
	case errors.As(err, &locked):
		writeJSON(w, http.StatusConflict, errorResponse{Error: locked.Error()})
	case errors.As(err, &missing):
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: missing.Error()})
	case errors.Is(err, store.ErrBatchNotFound),
		errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrLockNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, scheduler.ErrBatchNotRunning):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

// SubmitBatch handles batch submission
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	b, err := h.sched.SubmitBatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// batchStatusResponse bundles the batch record with its live summary
type batchStatusResponse struct {
	Batch   *models.BatchRun `json:"batch"`
	Summary batch.Summary    `json:"summary"`
}

// GetBatch returns a batch with its aggregated status
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	b, err := h.store.GetBatch(id)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := h.store.GetBatchJobs(id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, batchStatusResponse{
		Batch:   b,
		Summary: batch.Aggregate(jobs, b.Thresholds),
	})
}

// ListBatches returns all batches
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.store.ListBatches()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

// CancelBatch stops a running batch
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.sched.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

// GetBatchJobs returns all jobs of a batch
func (h *Handler) GetBatchJobs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.store.GetBatch(id); err != nil {
		writeError(w, err)
		return
	}
	jobs, err := h.store.GetBatchJobs(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob returns a single job with its attempt history
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.store.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobResults returns the per-attempt service outcomes of a job
func (h *Handler) GetJobResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.store.GetJob(id); err != nil {
		writeError(w, err)
		return
	}
	results, err := h.store.GetJobResults(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// Stats returns aggregated orchestrator counts across all batches
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetBatchMetrics()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// lockRequest is the payload for lock creation and relocking
type lockRequest struct {
	ModelID           string   `json:"model_id"`
	Steps             int      `json:"steps"`
	CFGScale          float64  `json:"cfg_scale"`
	SeedBase          int64    `json:"seed_base"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	StylePromptSuffix string   `json:"style_prompt_suffix"`
	ValidationSamples []string `json:"validation_samples"`
	Approved          bool     `json:"approved"`
}

func (req *lockRequest) record(projectID string) (*style.Record, error) {
	cfg, err := style.New(style.Params{
		ModelID:      req.ModelID,
		Steps:        req.Steps,
		CFGScale:     req.CFGScale,
		SeedBase:     req.SeedBase,
		Width:        req.Width,
		Height:       req.Height,
		PromptSuffix: req.StylePromptSuffix,
	})
	if err != nil {
		return nil, err
	}

	rec := style.RecordFromConfig(projectID, cfg)
	rec.ValidationSamples = req.ValidationSamples
	rec.Approved = req.Approved
	rec.LockedDate = time.Now()
	return rec, nil
}

// CreateLock installs the project's lock record. Locking an already locked
// project is rejected even with identical parameters; use relock.
func (h *Handler) CreateLock(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if _, err := h.store.GetLockRecord(projectID); err == nil {
		writeError(w, &style.AlreadyLockedError{ProjectID: projectID})
		return
	} else if !errors.Is(err, store.ErrLockNotFound) {
		writeError(w, err)
		return
	}

	rec, err := req.record(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.SaveLockRecord(rec); err != nil {
		writeError(w, err)
		return
	}

	h.log.Info("project locked", map[string]interface{}{"project_id": projectID, "model_id": rec.ModelID})
	writeJSON(w, http.StatusCreated, rec)
}

// relockResponse returns the new record plus the replaced one
type relockResponse struct {
	Record   *style.Record `json:"record"`
	Previous *style.Record `json:"previous"`
}

// Relock replaces an existing lock record. Relocking an unlocked project is
// an error: there is nothing to replace.
func (h *Handler) Relock(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	previous, err := h.store.GetLockRecord(projectID)
	if err != nil {
		if errors.Is(err, store.ErrLockNotFound) {
			writeError(w, &style.MissingLockError{ProjectID: projectID, Reason: "cannot relock an unlocked project"})
			return
		}
		writeError(w, err)
		return
	}

	rec, err := req.record(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.SaveLockRecord(rec); err != nil {
		writeError(w, err)
		return
	}

	h.log.Info("project relocked", map[string]interface{}{"project_id": projectID, "model_id": rec.ModelID})
	writeJSON(w, http.StatusOK, relockResponse{Record: rec, Previous: previous})
}

// GetLock returns the project's lock record
func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	rec, err := h.store.GetLockRecord(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteLock removes the project's lock record. Batches already running
// keep the config they captured at submit time.
func (h *Handler) DeleteLock(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	if _, err := h.store.GetLockRecord(projectID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.DeleteLockRecord(projectID); err != nil {
		writeError(w, err)
		return
	}

	h.log.Info("project unlocked", map[string]interface{}{"project_id": projectID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

// healthResponse reports daemon and host health
type healthResponse struct {
	Status        string  `json:"status"`
	Store         string  `json:"store"`
	ActiveBatches int     `json:"active_batches"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Health reports liveness plus host resource usage
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Store: "ok"}

	if err := h.store.HealthCheck(); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
	}
	if h.sched != nil {
		resp.ActiveBatches = h.sched.ActiveBatches()
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPercent = vm.UsedPercent
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
