package models

import (
	"time"
)

// JobStatus represents the status of a generation job
type JobStatus string

const (
	JobStatusPending           JobStatus = "pending"
	JobStatusInFlight          JobStatus = "in_flight"
	JobStatusSucceeded         JobStatus = "succeeded"
	JobStatusFailedTransient   JobStatus = "failed_transient"
	JobStatusFailedConsistency JobStatus = "failed_consistency"
	JobStatusFailedPermanent   JobStatus = "failed_permanent"
)

// Category tags a job with the kind of asset it produces
type Category string

const (
	CategoryCharacter   Category = "character"
	CategoryEnvironment Category = "environment"
	CategoryUI          Category = "ui"
	CategoryProp        Category = "prop"
)

// KnownCategory reports whether c is one of the supported asset categories
func KnownCategory(c Category) bool {
	switch c {
	case CategoryCharacter, CategoryEnvironment, CategoryUI, CategoryProp:
		return true
	}
	return false
}

// GenerationJob represents one asset generation request inside a batch.
// A job is owned by exactly one BatchRun and is mutated only through the
// store by the scheduler and the retry controller.
type GenerationJob struct {
	ID               string             `json:"id"`
	BatchID          string             `json:"batch_id"`
	Category         Category           `json:"category"`
	Prompt           string             `json:"prompt"`
	LockedConfigRef  string             `json:"locked_config_ref"`
	AttemptCount     int                `json:"attempt_count"`
	MaxAttempts      int                `json:"max_attempts"`
	Status           JobStatus          `json:"status"`
	Error            string             `json:"error,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	Scores           []ConsistencyScore `json:"scores,omitempty"`
	StateTransitions []StateTransition  `json:"state_transitions,omitempty"`
}

// LatestScore returns the most recent consistency score recorded for the
// job, or nil if no attempt has been scored yet.
func (j *GenerationJob) LatestScore() *ConsistencyScore {
	if len(j.Scores) == 0 {
		return nil
	}
	return &j.Scores[len(j.Scores)-1]
}

// AttemptsRemaining reports whether the job still has generation budget
func (j *GenerationJob) AttemptsRemaining() bool {
	return j.AttemptCount < j.MaxAttempts
}

// GenerationResult records the outcome of a single adapter attempt.
// Immutable once created.
type GenerationResult struct {
	JobID            string        `json:"job_id"`
	Attempt          int           `json:"attempt"`
	ArtifactRef      string        `json:"artifact_ref,omitempty"`
	RawServiceStatus string        `json:"raw_service_status,omitempty"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
	CompletedAt      time.Time     `json:"completed_at"`
}

// ConsistencyScore is the quality gate result for one scored artifact.
// A job accumulates one per scored attempt.
type ConsistencyScore struct {
	JobID         string    `json:"job_id"`
	Attempt       int       `json:"attempt"`
	Score         float64   `json:"score"`
	BaselineRef   string    `json:"baseline_ref"`
	ThresholdUsed float64   `json:"threshold_used"`
	Passed        bool      `json:"passed"`
	ScoredAt      time.Time `json:"scored_at"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// JobRequest is one entry of a batch submission
type JobRequest struct {
	Category Category `json:"category"`
	Prompt   string   `json:"prompt"`
}
