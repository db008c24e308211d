// Package batch folds per-job outcomes into batch-level statistics and the
// final verdict. Aggregation is a pure function of the job list: it never
// mutates jobs, and recomputing it over the same jobs yields the same
// report.
package batch

import (
	"math"

	"github.com/dmoren/styleforge/pkg/models"
)

// CategoryStats is the per-category consistency breakdown
type CategoryStats struct {
	Total     int     `json:"total"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	MeanScore float64 `json:"mean_score"`
}

// Summary is the aggregate view over a batch's jobs
type Summary struct {
	TotalJobs      int                              `json:"total_jobs"`
	CountsByStatus map[models.JobStatus]int         `json:"counts_by_status"`
	MeanScore      float64                          `json:"mean_score"`
	MinScore       float64                          `json:"min_score"`
	PerCategory    map[models.Category]CategoryStats `json:"per_category"`
	Verdict        models.BatchStatus               `json:"verdict"`
}

// Aggregate computes the summary for a set of jobs under the batch
// thresholds. Mean and min are taken over the latest accepted score of
// Succeeded jobs only; failed attempts' scores do not dilute the verdict.
func Aggregate(jobs []*models.GenerationJob, th models.Thresholds) Summary {
	s := Summary{
		TotalJobs:      len(jobs),
		CountsByStatus: make(map[models.JobStatus]int),
		PerCategory:    make(map[models.Category]CategoryStats),
	}

	var scoreSum float64
	var scored int
	s.MinScore = math.Inf(1)

	catSums := make(map[models.Category]float64)
	catScored := make(map[models.Category]int)

	for _, job := range jobs {
		s.CountsByStatus[job.Status]++

		cat := s.PerCategory[job.Category]
		cat.Total++

		switch job.Status {
		case models.JobStatusSucceeded:
			cat.Succeeded++
			if sc := job.LatestScore(); sc != nil {
				scoreSum += sc.Score
				scored++
				if sc.Score < s.MinScore {
					s.MinScore = sc.Score
				}
				catSums[job.Category] += sc.Score
				catScored[job.Category]++
			}
		case models.JobStatusFailedPermanent, models.JobStatusFailedConsistency:
			cat.Failed++
		}

		s.PerCategory[job.Category] = cat
	}

	if scored > 0 {
		s.MeanScore = scoreSum / float64(scored)
	} else {
		s.MinScore = 0
	}

	for c, n := range catScored {
		stats := s.PerCategory[c]
		stats.MeanScore = catSums[c] / float64(n)
		s.PerCategory[c] = stats
	}

	s.Verdict = verdict(s, th)
	return s
}

// verdict derives the batch outcome from the folded counts. A batch
// succeeds only when every job succeeded and the mean score clears the
// batch gate; any permanently failed job rules success out.
func verdict(s Summary, th models.Thresholds) models.BatchStatus {
	for status, n := range s.CountsByStatus {
		if n > 0 && !models.IsTerminalState(status) && status != models.JobStatusFailedConsistency {
			return models.BatchStatusRunning
		}
	}

	succeeded := s.CountsByStatus[models.JobStatusSucceeded]
	failed := s.CountsByStatus[models.JobStatusFailedPermanent] + s.CountsByStatus[models.JobStatusFailedConsistency]

	switch {
	case failed == 0 && succeeded == s.TotalJobs && s.MeanScore >= th.Batch:
		return models.BatchStatusSucceeded
	case failed > 0 && succeeded > 0:
		return models.BatchStatusPartialFailure
	default:
		return models.BatchStatusFailed
	}
}
