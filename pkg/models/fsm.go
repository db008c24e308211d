package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states.
//
// FailedTransient and FailedConsistency are retry states: they loop back to
// Pending while the attempt budget allows, or escalate to a terminal status
// when it is exhausted. Succeeded and FailedPermanent never transition
// again, and FailedConsistency is terminal once the budget is gone.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusInFlight: true, // worker slot picked up the job
	},
	JobStatusInFlight: {
		JobStatusSucceeded:         true, // artifact fetched and score passed
		JobStatusFailedTransient:   true, // service-level transient failure
		JobStatusFailedConsistency: true, // score below per-asset threshold
		JobStatusFailedPermanent:   true, // rejected request or budget exhausted
	},
	JobStatusFailedTransient: {
		JobStatusPending:         true, // requeue for another attempt
		JobStatusFailedPermanent: true, // attempt budget exhausted
	},
	JobStatusFailedConsistency: {
		JobStatusPending: true, // regenerate with identical parameters
	},
	// Terminal states
	JobStatusSucceeded:       {},
	JobStatusFailedPermanent: {},
}

// ValidateTransition checks if a job state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if no further transitions are possible from
// the state. FailedConsistency is terminal only when the retry budget is
// exhausted; callers holding the job should use JobTerminal instead.
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusSucceeded || state == JobStatusFailedPermanent
}

// JobTerminal reports whether the job has reached its final outcome
func JobTerminal(j *GenerationJob) bool {
	if IsTerminalState(j.Status) {
		return true
	}
	// Retry states terminalize once the budget is gone. A consistency
	// failure keeps its own status as the final verdict.
	if j.Status == JobStatusFailedConsistency && !j.AttemptsRemaining() {
		return true
	}
	return false
}

// CanRetry returns true if a job in this state is eligible for requeueing
func CanRetry(state JobStatus) bool {
	return state == JobStatusFailedTransient || state == JobStatusFailedConsistency
}
