package workflow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"enrichment-pipeline/internal/models"
	"enrichment-pipeline/internal/telemetry"
)

// Archiver snapshots a workflow's footprint before it is purged.
type Archiver interface {
	Snapshot(ctx context.Context, rootJobID string, jobs []models.Job, events []models.Event) (string, error)
}

// TxBeginner starts cleanup transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Cleaner removes a workflow's entire footprint: business records, event
// rows, then job rows, inside one transaction. Deleting an unknown or
// already-deleted root succeeds as a no-op.
type Cleaner struct {
	db       TxBeginner
	source   JobSource
	archiver Archiver // nil disables pre-deletion snapshots
	log      *zap.Logger
}

func NewCleaner(db TxBeginner, source JobSource, archiver Archiver, log *zap.Logger) *Cleaner {
	return &Cleaner{db: db, source: source, archiver: archiver, log: log}
}

// Delete purges the workflow anchored at rootJobID. Partial failure rolls
// the transaction back and returns an error; success is never claimed
// unless every delete committed.
func (c *Cleaner) Delete(ctx context.Context, rootJobID string) error {
	if c.archiver != nil {
		if err := c.snapshot(ctx, rootJobID); err != nil {
			return fmt.Errorf("archive workflow %s before delete: %w", rootJobID, err)
		}
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cleanup tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// Leaves first, then owning rows, then events, then the jobs themselves.
	statements := []string{
		`DELETE FROM ownership_records WHERE property_id IN (SELECT id FROM property_records WHERE root_job_id = $1)`,
		`DELETE FROM officer_appointments WHERE officer_id IN (SELECT id FROM company_officers WHERE root_job_id = $1)`,
		`DELETE FROM site_candidates WHERE root_job_id = $1`,
		`DELETE FROM company_officers WHERE root_job_id = $1`,
		`DELETE FROM property_records WHERE root_job_id = $1`,
		`DELETE FROM job_events WHERE job_id IN (SELECT job_id FROM job_progress WHERE job_id = $1 OR root_job_id = $1)`,
		`DELETE FROM job_progress WHERE job_id = $1 OR root_job_id = $1`,
	}
	var jobRows int64
	for i, stmt := range statements {
		tag, err := tx.Exec(ctx, stmt, rootJobID)
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", rootJobID, err)
		}
		if i == len(statements)-1 {
			jobRows = tag.RowsAffected()
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cleanup %s: %w", rootJobID, err)
	}

	if jobRows > 0 {
		telemetry.WorkflowsDeleted.Inc()
		c.log.Info("workflow deleted",
			zap.String("root_job_id", rootJobID),
			zap.Int64("jobs", jobRows))
	}
	return nil
}

func (c *Cleaner) snapshot(ctx context.Context, rootJobID string) error {
	jobs, err := c.source.WorkflowJobs(ctx, rootJobID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	events, err := c.source.WorkflowEvents(ctx, rootJobID)
	if err != nil {
		return err
	}
	loc, err := c.archiver.Snapshot(ctx, rootJobID, jobs, events)
	if err != nil {
		return err
	}
	c.log.Info("workflow archived", zap.String("root_job_id", rootJobID), zap.String("location", loc))
	return nil
}
