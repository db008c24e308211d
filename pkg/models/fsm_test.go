package models

import (
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{"pending to in_flight", JobStatusPending, JobStatusInFlight, false},
		{"in_flight to succeeded", JobStatusInFlight, JobStatusSucceeded, false},
		{"in_flight to failed_transient", JobStatusInFlight, JobStatusFailedTransient, false},
		{"in_flight to failed_consistency", JobStatusInFlight, JobStatusFailedConsistency, false},
		{"in_flight to failed_permanent", JobStatusInFlight, JobStatusFailedPermanent, false},
		{"failed_transient requeue", JobStatusFailedTransient, JobStatusPending, false},
		{"failed_transient escalation", JobStatusFailedTransient, JobStatusFailedPermanent, false},
		{"failed_consistency requeue", JobStatusFailedConsistency, JobStatusPending, false},
		{"pending cannot succeed directly", JobStatusPending, JobStatusSucceeded, true},
		{"succeeded is terminal", JobStatusSucceeded, JobStatusPending, true},
		{"failed_permanent is terminal", JobStatusFailedPermanent, JobStatusPending, true},
		{"failed_consistency cannot escalate to permanent", JobStatusFailedConsistency, JobStatusFailedPermanent, true},
		{"unknown source state", JobStatus("bogus"), JobStatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestJobTerminal(t *testing.T) {
	succeeded := &GenerationJob{Status: JobStatusSucceeded, AttemptCount: 1, MaxAttempts: 3}
	if !JobTerminal(succeeded) {
		t.Error("succeeded job should be terminal")
	}

	permanent := &GenerationJob{Status: JobStatusFailedPermanent, AttemptCount: 2, MaxAttempts: 3}
	if !JobTerminal(permanent) {
		t.Error("permanently failed job should be terminal")
	}

	// Consistency failure with budget left is a retry state
	retryable := &GenerationJob{Status: JobStatusFailedConsistency, AttemptCount: 1, MaxAttempts: 3}
	if JobTerminal(retryable) {
		t.Error("consistency failure with attempts remaining should not be terminal")
	}

	// Exhausted budget makes the consistency verdict final
	exhausted := &GenerationJob{Status: JobStatusFailedConsistency, AttemptCount: 3, MaxAttempts: 3}
	if !JobTerminal(exhausted) {
		t.Error("consistency failure with exhausted budget should be terminal")
	}

	inflight := &GenerationJob{Status: JobStatusInFlight, AttemptCount: 3, MaxAttempts: 3}
	if JobTerminal(inflight) {
		t.Error("in-flight job should never be terminal")
	}
}

func TestLatestScore(t *testing.T) {
	job := &GenerationJob{}
	if job.LatestScore() != nil {
		t.Error("expected nil score for unscored job")
	}

	job.Scores = append(job.Scores, ConsistencyScore{Attempt: 1, Score: 7.0})
	job.Scores = append(job.Scores, ConsistencyScore{Attempt: 2, Score: 9.2})

	latest := job.LatestScore()
	if latest == nil || latest.Score != 9.2 {
		t.Errorf("expected latest score 9.2, got %+v", latest)
	}
}
