package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPScorer calls a remote scoring service:
//
//	POST /score {artifact_ref, baseline_ref} -> 200 {score}
//
// A 404 means the baseline is missing; 5xx means the scorer is down. Both
// map to ErrScoringUnavailable so the scheduler's scoring retry budget
// covers them uniformly.
type HTTPScorer struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPScorer creates a scoring service client
func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScorer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	ArtifactRef string `json:"artifact_ref"`
	BaselineRef string `json:"baseline_ref"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Score requests a consistency score for one artifact
func (s *HTTPScorer) Score(ctx context.Context, artifactRef, baselineRef string) (float64, error) {
	if baselineRef == "" {
		return 0, fmt.Errorf("%w: no baseline configured", ErrScoringUnavailable)
	}

	data, err := json.Marshal(scoreRequest{ArtifactRef: artifactRef, BaselineRef: baselineRef})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/score", bytes.NewBuffer(data))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: baseline %s not found", ErrScoringUnavailable, baselineRef)
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("%w: status %d", ErrScoringUnavailable, resp.StatusCode)
	default:
		return 0, fmt.Errorf("scoring request rejected with status %d", resp.StatusCode)
	}

	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, fmt.Errorf("%w: decode: %v", ErrScoringUnavailable, err)
	}

	if sr.Score < 0 || sr.Score > 10 {
		return 0, fmt.Errorf("scorer returned out-of-range score %.2f", sr.Score)
	}
	return sr.Score, nil
}
