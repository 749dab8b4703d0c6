package workflow

import (
	"enrichment-pipeline/internal/models"
)

// Summarize computes per-stage status counts for a workflow's jobs. Every
// known stage appears in the result, including stages with no jobs yet.
// Pending counts rows that are in none of the terminal-or-running states.
func Summarize(stages []string, jobs []models.Job) map[string]models.StageCounts {
	out := make(map[string]models.StageCounts, len(stages))
	for _, s := range stages {
		out[s] = models.StageCounts{}
	}
	for _, j := range jobs {
		c := out[j.Queue]
		c.Total++
		switch j.Status {
		case models.StatusRunning:
			c.Running++
		case models.StatusCompleted:
			c.Completed++
		case models.StatusFailed:
			c.Failed++
		default:
			c.Pending++
		}
		out[j.Queue] = c
	}
	return out
}

// GroupByStage buckets workflow jobs by their queue.
func GroupByStage(jobs []models.Job) map[string][]models.Job {
	out := make(map[string][]models.Job)
	for _, j := range jobs {
		out[j.Queue] = append(out[j.Queue], j)
	}
	return out
}
