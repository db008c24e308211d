// Package genclient is the boundary to the external generation service.
// The orchestrator treats the service as a black box with highly variable
// latency; the adapter's only extra duty is classifying failures into
// transient vs permanent so the retry controller can act on the class.
package genclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/style"
)

// Sentinel errors for the adapter boundary
var (
	ErrServiceUnavailable = errors.New("generation service unavailable")
	ErrRateLimited        = errors.New("generation service rate limited")
	ErrInvalidRequest     = errors.New("generation request rejected")
	ErrArtifactNotReady   = errors.New("artifact not ready")
	ErrDownloadFailed     = errors.New("artifact download failed")
)

// Class is the failure classification consumed by the retry controller
type Class int

const (
	// ClassNone means no error
	ClassNone Class = iota
	// ClassTransient failures are expected to succeed on retry with
	// identical inputs (timeouts, 5xx, not-ready, download errors)
	ClassTransient
	// ClassThrottle is transient but additionally signals the scheduler
	// to back off before the next call
	ClassThrottle
	// ClassPermanent failures are deterministic for the same inputs and
	// must never be retried
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassThrottle:
		return "throttle"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an adapter error with its retry class
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Err.Error(), e.Class)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure
func Transient(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Throttled wraps err as a rate-limit signal
func Throttled(err error) error {
	return &ClassifiedError{Class: ClassThrottle, Err: err}
}

// Permanent wraps err as a permanent failure
func Permanent(err error) error {
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

// Classify returns the retry class of err. Unclassified errors default to
// transient: an unknown failure mode must not burn the job permanently.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return ClassPermanent
	case errors.Is(err, ErrRateLimited):
		return ClassThrottle
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, ErrArtifactNotReady),
		errors.Is(err, ErrDownloadFailed),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassTransient
}

// Handle identifies a submitted generation request on the remote service
type Handle struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
}

// PollState is the remote lifecycle state reported by Poll
type PollState string

const (
	PollStateQueued    PollState = "queued"
	PollStateRunning   PollState = "running"
	PollStateSucceeded PollState = "succeeded"
	PollStateFailed    PollState = "failed"
)

// PollStatus is one poll observation
type PollStatus struct {
	State    PollState `json:"state"`
	Progress int       `json:"progress"` // 0-100%
}

// Client is the adapter interface to the generation service. Submit, Poll
// and Fetch together cover one attempt; latency ranges from seconds to
// tens of seconds and callers bound each attempt with a context deadline.
type Client interface {
	Submit(ctx context.Context, job *models.GenerationJob, cfg *style.Config) (Handle, error)
	Poll(ctx context.Context, h Handle) (PollStatus, error)
	Fetch(ctx context.Context, h Handle) (*models.GenerationResult, error)
}
