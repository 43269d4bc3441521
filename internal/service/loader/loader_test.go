package loader

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stravalytics/stravasync/internal/apperrors"
	"github.com/stravalytics/stravasync/internal/logger"
	"github.com/stravalytics/stravasync/internal/models"
	"github.com/stravalytics/stravasync/internal/repository/postgres"
	"github.com/stravalytics/stravasync/internal/testutil"
)

func makeActivity(id int64, start time.Time) models.Activity {
	return models.Activity{
		ActivityID:     id,
		Name:           fmt.Sprintf("Activity %d", id),
		DistanceKm:     10.0,
		MovingTimeHr:   1.0,
		SportType:      "Run",
		StartDateLocal: start,
		Hour:           start.Hour(),
		Weekday:        5,
		Year:           start.Year(),
		Month:          int(start.Month()),
	}
}

func TestLoader_Load(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	storage := postgres.NewStorage(pg.Pool)
	ldr := New(storage, logger.NewNoOpLogger())

	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	// Every subtest writes into its own table, commits are fine because the
	// container is dropped at test end
	batch := func(table, policy string, dedup bool, rows ...models.Activity) models.LoadBatch {
		return models.LoadBatch{Rows: rows, Table: table, Policy: policy, Dedup: dedup}
	}

	t.Run("append is idempotent with dedup", func(t *testing.T) {
		rows := []models.Activity{makeActivity(1, start), makeActivity(2, start.Add(time.Hour))}

		first, err := ldr.Load(t.Context(), batch("idem_activities", models.PolicyAppend, true, rows...))
		require.NoError(t, err)
		require.Equal(t, 2, first.RowsWritten)

		second, err := ldr.Load(t.Context(), batch("idem_activities", models.PolicyAppend, true, rows...))
		require.NoError(t, err)
		require.Zero(t, second.RowsWritten, "reloading the same batch must write nothing")
		require.Equal(t, 2, second.RowsDeduped)

		count, err := storage.Activities().Count(t.Context(), "idem_activities")
		require.NoError(t, err)
		require.Equal(t, 2, count, "row count unchanged after the second load")
	})

	t.Run("in-batch duplicates collapse with dedup", func(t *testing.T) {
		rows := []models.Activity{makeActivity(1, start), makeActivity(1, start), makeActivity(2, start)}

		res, err := ldr.Load(t.Context(), batch("inbatch_activities", models.PolicyAppend, true, rows...))

		require.NoError(t, err)
		require.Equal(t, 2, res.RowsWritten)
		require.Equal(t, 1, res.RowsDeduped)
	})

	t.Run("append without dedup trips the key backstop atomically", func(t *testing.T) {
		seeded, err := ldr.Load(t.Context(), batch("nodedup_activities", models.PolicyAppend, false, makeActivity(1, start)))
		require.NoError(t, err)
		require.Equal(t, 1, seeded.RowsWritten)

		_, err = ldr.Load(t.Context(), batch("nodedup_activities", models.PolicyAppend, false,
			makeActivity(3, start), makeActivity(1, start)))

		require.Error(t, err)

		count, err := storage.Activities().Count(t.Context(), "nodedup_activities")
		require.NoError(t, err)
		require.Equal(t, 1, count, "the failed batch must roll back entirely")
	})

	t.Run("replace rebuilds the table", func(t *testing.T) {
		_, err := ldr.Load(t.Context(), batch("replace_activities", models.PolicyAppend, false,
			makeActivity(1, start), makeActivity(2, start), makeActivity(3, start)))
		require.NoError(t, err)

		res, err := ldr.Load(t.Context(), batch("replace_activities", models.PolicyReplace, false,
			makeActivity(10, start), makeActivity(11, start)))

		require.NoError(t, err)
		require.Equal(t, 2, res.RowsWritten)

		count, err := storage.Activities().Count(t.Context(), "replace_activities")
		require.NoError(t, err)
		require.Equal(t, 2, count)
	})

	t.Run("fail policy refuses overlapping range", func(t *testing.T) {
		_, err := ldr.Load(t.Context(), batch("guard_activities", models.PolicyAppend, false,
			makeActivity(1, start.Add(24*time.Hour))))
		require.NoError(t, err)

		_, err = ldr.Load(t.Context(), batch("guard_activities", models.PolicyFail, false,
			makeActivity(2, start), makeActivity(3, start.Add(48*time.Hour))))

		require.ErrorIs(t, err, apperrors.ErrLoadConflict)

		count, err := storage.Activities().Count(t.Context(), "guard_activities")
		require.NoError(t, err)
		require.Equal(t, 1, count, "zero rows written on conflict")
	})

	t.Run("fail policy loads into untouched range", func(t *testing.T) {
		_, err := ldr.Load(t.Context(), batch("guard2_activities", models.PolicyAppend, false,
			makeActivity(1, start)))
		require.NoError(t, err)

		res, err := ldr.Load(t.Context(), batch("guard2_activities", models.PolicyFail, false,
			makeActivity(2, start.Add(30*24*time.Hour))))

		require.NoError(t, err)
		require.Equal(t, 1, res.RowsWritten)
	})

	t.Run("empty batch", func(t *testing.T) {
		res, err := ldr.Load(t.Context(), batch("empty_activities", models.PolicyAppend, true))

		require.NoError(t, err)
		require.Zero(t, res.RowsWritten)
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := ldr.Load(t.Context(), batch("whatever", "merge", false, makeActivity(1, start)))

		require.Error(t, err)
	})
}
