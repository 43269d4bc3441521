package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stravalytics/stravasync/internal/models"
)

type RunRepo struct {
	DB DBTX
}

const createRun = `-- name: CreateRun
INSERT INTO pipeline_runs (id, started_at, state, table_name, conflict_policy)
VALUES ($1, $2, $3, $4, $5)
`

func (r *RunRepo) Create(ctx context.Context, run models.Run) error {
	_, err := r.DB.Exec(ctx, createRun, run.ID, run.StartedAt, run.State, run.TableName, run.Policy)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

const finishRun = `-- name: FinishRun
UPDATE pipeline_runs
SET finished_at = $2,
	state = $3,
	step_failed = $4,
	error_kind = $5,
	error_text = $6,
	rows_extracted = $7,
	rows_normalized = $8,
	rows_skipped = $9,
	rows_written = $10
WHERE id = $1
`

func (r *RunRepo) Finish(ctx context.Context, run models.Run) error {
	tag, err := r.DB.Exec(ctx, finishRun,
		run.ID, run.FinishedAt, run.State, run.StepFailed, run.ErrorKind, run.ErrorText,
		run.RowsExtracted, run.RowsNormalized, run.RowsSkipped, run.RowsWritten,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}

	return nil
}

const getRun = `-- name: GetRun
SELECT id, started_at, finished_at, state, step_failed, error_kind, error_text,
	rows_extracted, rows_normalized, rows_skipped, rows_written, table_name, conflict_policy
FROM pipeline_runs
WHERE id = $1
`

func (r *RunRepo) Get(ctx context.Context, id uuid.UUID) (models.Run, error) {
	rows, _ := r.DB.Query(ctx, getRun, id)
	run, err := pgx.CollectOneRow(rows, rowToRun)

	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return run, fmt.Errorf("run %s not found", id)
	}

	return run, err
}

func rowToRun(row pgx.CollectableRow) (models.Run, error) {
	var r models.Run
	err := row.Scan(
		&r.ID, &r.StartedAt, &r.FinishedAt, &r.State, &r.StepFailed, &r.ErrorKind, &r.ErrorText,
		&r.RowsExtracted, &r.RowsNormalized, &r.RowsSkipped, &r.RowsWritten, &r.TableName, &r.Policy,
	)
	return r, err
}
