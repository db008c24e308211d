package models

import (
	"time"
)

// BatchStatus represents the lifecycle status of a batch run
type BatchStatus string

const (
	BatchStatusRunning        BatchStatus = "running"
	BatchStatusSucceeded      BatchStatus = "succeeded"
	BatchStatusPartialFailure BatchStatus = "partial_failure"
	BatchStatusFailed         BatchStatus = "failed"
	BatchStatusCanceled       BatchStatus = "canceled"
)

// Thresholds carries the consistency gates for one batch. The per-asset
// gate applies to individual artifacts; the batch gate applies to the mean
// score across succeeded jobs and is the stricter of the two.
type Thresholds struct {
	PerAsset float64 `json:"per_asset"`
	Batch    float64 `json:"batch"`
}

// DefaultThresholds returns the configuration defaults for the quality gates
func DefaultThresholds() Thresholds {
	return Thresholds{PerAsset: 8.5, Batch: 9.0}
}

// Valid reports whether both gates are inside the 0-10 score range
func (t Thresholds) Valid() bool {
	return t.PerAsset >= 0 && t.PerAsset <= 10 && t.Batch >= 0 && t.Batch <= 10
}

// BatchRun is one orchestration instance: a set of generation jobs driven
// to completion under a single locked style config. The run exclusively
// owns its jobs; jobs are never shared across runs.
type BatchRun struct {
	ID              string      `json:"id"`
	ProjectID       string      `json:"project_id"`
	LockedConfigRef string      `json:"locked_config_ref"`
	JobIDs          []string    `json:"job_ids"`
	Thresholds      Thresholds  `json:"thresholds"`
	AggregateScore  float64     `json:"aggregate_score"`
	Status          BatchStatus `json:"status"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// Terminal reports whether the batch has reached a final status
func (b *BatchRun) Terminal() bool {
	return b.Status != BatchStatusRunning
}

// BatchRequest is the submission payload for a new batch
type BatchRequest struct {
	ProjectID  string       `json:"project_id"`
	Jobs       []JobRequest `json:"jobs"`
	Thresholds *Thresholds  `json:"thresholds,omitempty"`
}
