package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stravalytics/stravasync/internal/models"
	"github.com/stravalytics/stravasync/internal/repository"
)

type ActivityRepo struct {
	DB DBTX
}

// The table name is a run parameter, so the statements are templates over a
// sanitized identifier. Validation happens upstream (repository.ValidateTableName),
// sanitization here is the second line of defense.
//
// Must stay in sync with the migration that creates the default "activities"
// table. The primary key on activity_id backs up the loader's pre-load
// dedup check.
const createActivityTable = `-- name: CreateActivityTable
CREATE TABLE IF NOT EXISTS %s (
	activity_id       BIGINT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	distance_km       DOUBLE PRECISION NOT NULL,
	moving_time_hr    DOUBLE PRECISION NOT NULL,
	sport_type        TEXT NOT NULL,
	start_date_local  TIMESTAMP NOT NULL,
	activity_hour     SMALLINT NOT NULL,
	activity_weekday  SMALLINT NOT NULL,
	activity_year     INT NOT NULL,
	activity_month    SMALLINT NOT NULL,
	elevation_gain_m  DOUBLE PRECISION NOT NULL DEFAULT 0,
	average_speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_speed_kmh     DOUBLE PRECISION NOT NULL DEFAULT 0,
	gear_id           TEXT,
	pr_count          INT NOT NULL DEFAULT 0,
	start_lat         DOUBLE PRECISION,
	start_lng         DOUBLE PRECISION,
	end_lat           DOUBLE PRECISION,
	end_lng           DOUBLE PRECISION
)`

const createActivityDateIndex = `-- name: CreateActivityDateIndex
CREATE INDEX IF NOT EXISTS %s ON %s (start_date_local)`

var activityColumns = []string{
	"activity_id", "name", "distance_km", "moving_time_hr", "sport_type",
	"start_date_local", "activity_hour", "activity_weekday", "activity_year",
	"activity_month", "elevation_gain_m", "average_speed_kmh", "max_speed_kmh",
	"gear_id", "pr_count", "start_lat", "start_lng", "end_lat", "end_lng",
}

func (r *ActivityRepo) EnsureTable(ctx context.Context, table string) error {
	if err := repository.ValidateTableName(table); err != nil {
		return err
	}

	ident := pgx.Identifier{table}.Sanitize()
	if _, err := r.DB.Exec(ctx, fmt.Sprintf(createActivityTable, ident)); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}

	indexIdent := pgx.Identifier{table + "_start_date_local_idx"}.Sanitize()
	if _, err := r.DB.Exec(ctx, fmt.Sprintf(createActivityDateIndex, indexIdent, ident)); err != nil {
		return fmt.Errorf("creating index on %s: %w", table, err)
	}

	return nil
}

func (r *ActivityRepo) DropTable(ctx context.Context, table string) error {
	if err := repository.ValidateTableName(table); err != nil {
		return err
	}

	ident := pgx.Identifier{table}.Sanitize()
	if _, err := r.DB.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, ident)); err != nil {
		return fmt.Errorf("dropping table %s: %w", table, err)
	}

	return nil
}

func (r *ActivityRepo) InsertBatch(ctx context.Context, table string, rows []models.Activity) (int, error) {
	if err := repository.ValidateTableName(table); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	source := make([][]any, 0, len(rows))
	for _, a := range rows {
		source = append(source, []any{
			a.ActivityID, a.Name, a.DistanceKm, a.MovingTimeHr, a.SportType,
			a.StartDateLocal, a.Hour, a.Weekday, a.Year,
			a.Month, a.ElevationGainM, a.AverageSpeedKmh, a.MaxSpeedKmh,
			a.GearID, a.PRCount, a.StartLat, a.StartLng, a.EndLat, a.EndLng,
		})
	}

	n, err := r.DB.CopyFrom(ctx, pgx.Identifier{table}, activityColumns, pgx.CopyFromRows(source))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
			return 0, fmt.Errorf("natural key conflict in %s: %w", table, err)
		}
		return 0, fmt.Errorf("db error: %w", err)
	}

	return int(n), nil
}

const selectExistingIDs = `-- name: SelectExistingIDs
SELECT activity_id FROM %s WHERE activity_id = ANY($1)`

func (r *ActivityRepo) ExistingIDs(ctx context.Context, table string, ids []int64) (map[int64]struct{}, error) {
	if err := repository.ValidateTableName(table); err != nil {
		return nil, err
	}

	existing := make(map[int64]struct{}, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	ident := pgx.Identifier{table}.Sanitize()
	rows, err := r.DB.Query(ctx, fmt.Sprintf(selectExistingIDs, ident), ids)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		existing[id] = struct{}{}
	}

	return existing, rows.Err()
}

const countInRange = `-- name: CountInRange
SELECT COUNT(*) FROM %s WHERE start_date_local BETWEEN $1 AND $2`

func (r *ActivityRepo) CountInRange(ctx context.Context, table string, from, to time.Time) (int, error) {
	if err := repository.ValidateTableName(table); err != nil {
		return 0, err
	}

	ident := pgx.Identifier{table}.Sanitize()

	var count int
	err := r.DB.QueryRow(ctx, fmt.Sprintf(countInRange, ident), from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return count, nil
}

func (r *ActivityRepo) Count(ctx context.Context, table string) (int, error) {
	if err := repository.ValidateTableName(table); err != nil {
		return 0, err
	}

	ident := pgx.Identifier{table}.Sanitize()

	var count int
	err := r.DB.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, ident)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return count, nil
}
