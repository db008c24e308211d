// Package retrypolicy decides, for every completed generation attempt,
// whether the job is done, requeued, or permanently failed. The controller
// never perturbs prompts or parameters: a retried attempt reuses the
// identical locked config, and only the service's internal randomization
// may differ between attempts.
package retrypolicy

import (
	"fmt"
	"time"

	"github.com/dmoren/styleforge/pkg/genclient"
	"github.com/dmoren/styleforge/pkg/models"
)

// Config holds the retry budget and backoff shape
type Config struct {
	MaxAttempts    int           // Generation attempts per job
	ScoreRetries   int           // Scoring retries per attempt, separate budget
	InitialBackoff time.Duration // First requeue delay
	MaxBackoff     time.Duration // Backoff cap
	Multiplier     float64       // Exponential growth factor
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		ScoreRetries:   3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
	}
}

// Decision is the disposition of one completed attempt
type Decision struct {
	Next    models.JobStatus // Status to transition the job to
	Requeue bool             // Whether the job goes back to Pending after Next
	Backoff time.Duration    // Delay before the requeued attempt starts
	Reason  string
}

// Controller applies the retry policy
type Controller struct {
	cfg Config
}

// New creates a retry controller
func New(cfg Config) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	return &Controller{cfg: cfg}
}

// Config returns the active policy configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// Decide inspects the outcome of the job's latest attempt. attemptErr is
// the service-level failure (nil on a fetched artifact); score is the
// consistency gate result when an artifact was produced and scored. The
// job's AttemptCount already includes the attempt being judged.
func (c *Controller) Decide(job *models.GenerationJob, attemptErr error, score *models.ConsistencyScore) Decision {
	if attemptErr != nil {
		switch genclient.Classify(attemptErr) {
		case genclient.ClassPermanent:
			return Decision{
				Next:   models.JobStatusFailedPermanent,
				Reason: fmt.Sprintf("permanent service error: %v", attemptErr),
			}
		default:
			if job.AttemptsRemaining() {
				return Decision{
					Next:    models.JobStatusFailedTransient,
					Requeue: true,
					Backoff: c.Backoff(job.AttemptCount),
					Reason:  fmt.Sprintf("transient service error, attempt %d/%d: %v", job.AttemptCount, job.MaxAttempts, attemptErr),
				}
			}
			return Decision{
				Next:   models.JobStatusFailedPermanent,
				Reason: fmt.Sprintf("attempt budget exhausted (%d/%d): %v", job.AttemptCount, job.MaxAttempts, attemptErr),
			}
		}
	}

	if score == nil {
		// An attempt without an error must carry a score; treat the gap
		// as permanent rather than looping on a broken pipeline.
		return Decision{
			Next:   models.JobStatusFailedPermanent,
			Reason: "attempt produced neither error nor score",
		}
	}

	if score.Passed {
		return Decision{
			Next:   models.JobStatusSucceeded,
			Reason: fmt.Sprintf("score %.2f >= threshold %.2f", score.Score, score.ThresholdUsed),
		}
	}

	if job.AttemptsRemaining() {
		return Decision{
			Next:    models.JobStatusFailedConsistency,
			Requeue: true,
			Backoff: c.Backoff(job.AttemptCount),
			Reason:  fmt.Sprintf("score %.2f below threshold %.2f, regenerating with identical parameters", score.Score, score.ThresholdUsed),
		}
	}
	return Decision{
		Next:   models.JobStatusFailedConsistency,
		Reason: fmt.Sprintf("score %.2f below threshold %.2f, attempt budget exhausted (%d/%d)", score.Score, score.ThresholdUsed, job.AttemptCount, job.MaxAttempts),
	}
}

// Backoff calculates the exponential requeue delay after the given attempt
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return c.cfg.InitialBackoff
	}

	backoff := float64(c.cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= c.cfg.Multiplier
	}

	d := time.Duration(backoff)
	if d > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return d
}
