package workflow

import (
	"math/rand"
	"testing"

	"enrichment-pipeline/internal/models"
)

func TestSummarizeCounts(t *testing.T) {
	stages := []string{"company-discovery", "site-verification", "person-lookup"}
	jobs := []models.Job{
		{JobID: "co:1", Queue: "company-discovery", Status: models.StatusCompleted},
		{JobID: "site:1:a", Queue: "site-verification", Status: models.StatusRunning},
		{JobID: "site:1:b", Queue: "site-verification", Status: models.StatusFailed},
		{JobID: "site:1:c", Queue: "site-verification", Status: models.StatusCompleted},
	}

	counts := Summarize(stages, jobs)
	if got := counts["company-discovery"]; got.Total != 1 || got.Completed != 1 {
		t.Fatalf("company-discovery counts: %+v", got)
	}
	if got := counts["site-verification"]; got.Total != 3 || got.Running != 1 || got.Failed != 1 || got.Completed != 1 {
		t.Fatalf("site-verification counts: %+v", got)
	}
	// A registered stage with no jobs still appears, all zeros.
	if got, ok := counts["person-lookup"]; !ok || got.Total != 0 {
		t.Fatalf("person-lookup counts: %+v ok=%v", got, ok)
	}
}

func TestSummarizeTotalsMatchFixtures(t *testing.T) {
	stages := []string{"a", "b", "c"}
	statuses := []string{models.StatusRunning, models.StatusCompleted, models.StatusFailed}
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		var jobs []models.Job
		perStage := map[string]int{}
		for i := 0; i < rng.Intn(30); i++ {
			stage := stages[rng.Intn(len(stages))]
			jobs = append(jobs, models.Job{
				Queue:  stage,
				Status: statuses[rng.Intn(len(statuses))],
			})
			perStage[stage]++
		}
		counts := Summarize(stages, jobs)
		for _, s := range stages {
			c := counts[s]
			if c.Total != perStage[s] {
				t.Fatalf("trial %d stage %s: total %d, want %d", trial, s, c.Total, perStage[s])
			}
			if c.Running+c.Completed+c.Failed+c.Pending != c.Total {
				t.Fatalf("trial %d stage %s: counts do not add up: %+v", trial, s, c)
			}
		}
	}
}

func TestGroupByStage(t *testing.T) {
	jobs := []models.Job{
		{JobID: "co:1", Queue: "company-discovery"},
		{JobID: "site:1:a", Queue: "site-verification"},
		{JobID: "site:1:b", Queue: "site-verification"},
	}
	groups := GroupByStage(jobs)
	if len(groups["site-verification"]) != 2 || len(groups["company-discovery"]) != 1 {
		t.Fatalf("unexpected grouping: %v", groups)
	}
}
