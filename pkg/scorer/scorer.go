// Package scorer is the boundary to the consistency scoring capability.
// The similarity algorithm itself lives behind the interface; the
// orchestrator only consumes the numeric score and gates on thresholds.
package scorer

import (
	"context"
	"errors"
)

// ErrScoringUnavailable indicates the scorer cannot produce a score right
// now (missing baseline, scorer outage). The orchestrator treats this as
// transient and retries scoring with its own small budget, separate from
// the job's generation attempts.
var ErrScoringUnavailable = errors.New("consistency scoring unavailable")

// Scorer produces a 0-10 similarity score between a generated artifact and
// the project's approved baseline. Must be deterministic for identical
// inputs.
type Scorer interface {
	Score(ctx context.Context, artifactRef, baselineRef string) (float64, error)
}
