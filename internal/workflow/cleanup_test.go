package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"enrichment-pipeline/internal/models"
)

// fakeTx records the delete statements Cleaner.Delete issues. Unused pgx.Tx
// methods panic if reached.
type fakeTx struct {
	pgx.Tx
	stmts      []string
	rows       map[int]int64 // statement index -> rows affected
	failAt     int           // -1 never fails
	failErr    error
	committed  bool
	rolledBack bool
}

func newFakeTx() *fakeTx {
	return &fakeTx{rows: map[int]int64{}, failAt: -1}
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	idx := len(t.stmts)
	t.stmts = append(t.stmts, sql)
	if t.failAt == idx {
		return pgconn.CommandTag{}, t.failErr
	}
	return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", t.rows[idx])), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.committed {
		// Mirror pgx: rollback after commit is a no-op (ErrTxClosed).
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	tx *fakeTx
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) { return d.tx, nil }

type failingArchiver struct {
	err error
}

func (a failingArchiver) Snapshot(context.Context, string, []models.Job, []models.Event) (string, error) {
	return "", a.err
}

func TestDeleteUnknownRootIsNoOp(t *testing.T) {
	tx := newFakeTx()
	cleaner := NewCleaner(&fakeDB{tx: tx}, nil, nil, zap.NewNop())

	if err := cleaner.Delete(context.Background(), "co:404"); err != nil {
		t.Fatalf("delete unknown root: %v", err)
	}
	// Every delete still runs; zero rows match and the tx commits.
	if len(tx.stmts) != 7 {
		t.Fatalf("expected 7 delete statements, got %d", len(tx.stmts))
	}
	if !tx.committed || tx.rolledBack {
		t.Fatalf("expected commit, got committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}

	// A second call after the first succeeds and changes nothing further.
	if err := cleaner.Delete(context.Background(), "co:404"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if len(tx.stmts) != 14 {
		t.Fatalf("expected repeat to run the same statements, got %d total", len(tx.stmts))
	}
}

func TestDeleteRunsInDependencyOrder(t *testing.T) {
	tx := newFakeTx()
	tx.rows[6] = 4 // job_progress rows for the workflow
	cleaner := NewCleaner(&fakeDB{tx: tx}, nil, nil, zap.NewNop())

	if err := cleaner.Delete(context.Background(), "co:123"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(tx.stmts[0], "ownership_records") {
		t.Fatalf("first statement must clear leaf rows: %s", tx.stmts[0])
	}
	if !strings.Contains(tx.stmts[len(tx.stmts)-1], "job_progress") {
		t.Fatalf("last statement must clear job rows: %s", tx.stmts[len(tx.stmts)-1])
	}
	if !tx.committed {
		t.Fatalf("expected commit")
	}
}

func TestDeleteStatementErrorRollsBack(t *testing.T) {
	tx := newFakeTx()
	tx.failAt = 3
	tx.failErr = errors.New("deadlock detected")
	cleaner := NewCleaner(&fakeDB{tx: tx}, nil, nil, zap.NewNop())

	err := cleaner.Delete(context.Background(), "co:123")
	if err == nil || !strings.Contains(err.Error(), "deadlock") {
		t.Fatalf("expected the statement error to propagate, got %v", err)
	}
	if tx.committed {
		t.Fatalf("partial failure must never commit")
	}
	if !tx.rolledBack {
		t.Fatalf("expected rollback")
	}
}

func TestDeleteAbortsWhenArchiveFails(t *testing.T) {
	tx := newFakeTx()
	cleaner := NewCleaner(&fakeDB{tx: tx}, workflowFixture(), failingArchiver{err: errors.New("bucket gone")}, zap.NewNop())

	err := cleaner.Delete(context.Background(), "co:123")
	if err == nil || !strings.Contains(err.Error(), "bucket gone") {
		t.Fatalf("expected archive error, got %v", err)
	}
	if len(tx.stmts) != 0 {
		t.Fatalf("nothing may be deleted when the snapshot fails: %v", tx.stmts)
	}
}
