package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/style"
)

// HTTPClient talks to a remote generation API over HTTP:
//
//	POST /generations            -> 202 {id}
//	GET  /generations/{id}       -> 200 {state, progress}
//	GET  /generations/{id}/asset -> 200 {artifact_ref} | 409 not ready
//
// A client-side rate limiter keeps submissions under the service's
// published request budget; the service's own 429 responses are still
// surfaced as throttle errors for the scheduler's backoff.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// HTTPClientConfig configures the remote generation client
type HTTPClientConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	SubmitRPS      float64
	SubmitBurst    int
}

// NewHTTPClient creates a generation service client
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.SubmitRPS
	if rps == 0 {
		rps = 2
	}
	burst := cfg.SubmitBurst
	if burst == 0 {
		burst = 2
	}

	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type submitRequest struct {
	JobID        string  `json:"job_id"`
	Category     string  `json:"category"`
	Prompt       string  `json:"prompt"`
	ModelID      string  `json:"model_id"`
	Steps        int     `json:"steps"`
	CFGScale     float64 `json:"cfg_scale"`
	Seed         int64   `json:"seed"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	PromptSuffix string  `json:"prompt_suffix"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type fetchResponse struct {
	ArtifactRef string `json:"artifact_ref"`
	State       string `json:"state"`
}

// Submit sends a generation request built from the job's prompt and the
// locked config. The parameters come from the config verbatim; the seed is
// seed_base offset by the attempt index so the service's own randomization
// stays reproducible without ever touching the locked values.
func (c *HTTPClient) Submit(ctx context.Context, job *models.GenerationJob, cfg *style.Config) (Handle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Handle{}, Transient(fmt.Errorf("rate limiter wait: %w", err))
	}

	payload := submitRequest{
		JobID:        job.ID,
		Category:     string(job.Category),
		Prompt:       job.Prompt,
		ModelID:      cfg.ModelID(),
		Steps:        cfg.Steps(),
		CFGScale:     cfg.CFGScale(),
		Seed:         cfg.SeedBase() + int64(job.AttemptCount),
		Width:        cfg.Width(),
		Height:       cfg.Height(),
		PromptSuffix: cfg.PromptSuffix(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/generations", bytes.NewBuffer(data))
	if err != nil {
		return Handle{}, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Handle{}, Transient(fmt.Errorf("submit failed: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return Handle{}, err
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Handle{}, Transient(fmt.Errorf("failed to decode submit response: %w", err))
	}

	return Handle{ID: sr.ID, JobID: job.ID}, nil
}

// Poll reports the remote state of a submitted request
func (c *HTTPClient) Poll(ctx context.Context, h Handle) (PollStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/generations/%s", c.baseURL, h.ID), nil)
	if err != nil {
		return PollStatus{}, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PollStatus{}, Transient(fmt.Errorf("poll failed: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return PollStatus{}, err
	}

	var ps PollStatus
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return PollStatus{}, Transient(fmt.Errorf("failed to decode poll response: %w", err))
	}
	return ps, nil
}

// Fetch downloads the artifact reference for a completed request
func (c *HTTPClient) Fetch(ctx context.Context, h Handle) (*models.GenerationResult, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/generations/%s/asset", c.baseURL, h.ID), nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("%w: %v", ErrDownloadFailed, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, Transient(ErrArtifactNotReady)
	}
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var fr fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, Transient(fmt.Errorf("%w: decode: %v", ErrDownloadFailed, err))
	}

	return &models.GenerationResult{
		JobID:            h.JobID,
		ArtifactRef:      fr.ArtifactRef,
		RawServiceStatus: fr.State,
		Duration:         time.Since(start),
		CompletedAt:      time.Now().UTC(),
	}, nil
}

func (c *HTTPClient) addAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// classifyStatus maps HTTP status codes onto the retry taxonomy
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return Throttled(fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode))
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Permanent(fmt.Errorf("%w: status %d: %s", ErrInvalidRequest, resp.StatusCode, string(body)))
	}
}
