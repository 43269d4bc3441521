package repository

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/stravalytics/stravasync/internal/models"
)

// Destination table names come from run parameters, so they end up inside
// SQL identifiers. Keep them boring on purpose.
var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func ValidateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q: must match %s", name, tableNameRe)
	}
	return nil
}

// Activity repository interface
type ActivityRepo interface {
	// EnsureTable creates the destination table (and its index) when it
	// does not exist yet. Schema management stays out of the insert path
	EnsureTable(ctx context.Context, table string) error

	// DropTable removes the destination table entirely. Used by the
	// "replace" conflict policy only
	DropTable(ctx context.Context, table string) error

	// InsertBatch bulk-inserts rows and returns how many were written
	InsertBatch(ctx context.Context, table string, rows []models.Activity) (int, error)

	// ExistingIDs returns which of the given natural keys are already
	// present in the table
	ExistingIDs(ctx context.Context, table string, ids []int64) (map[int64]struct{}, error)

	// CountInRange counts rows whose local start date falls inside [from, to]
	CountInRange(ctx context.Context, table string, from, to time.Time) (int, error)

	// Count returns the total row count of the table
	Count(ctx context.Context, table string) (int, error)
}

// Run history repository interface
type RunRepo interface {
	// Create stores the run record in its initial state
	Create(ctx context.Context, run models.Run) error

	// Finish updates the terminal state and counters of the run
	Finish(ctx context.Context, run models.Run) error

	// Get returns a run by id
	Get(ctx context.Context, id uuid.UUID) (models.Run, error)
}

// Storage aggregates the repositories and owns transaction scope
type Storage interface {
	Activities() ActivityRepo
	Runs() RunRepo

	// InTx runs fn inside one transaction: commit when fn returns nil,
	// rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}
