package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stravalytics/stravasync/internal/apperrors"
	"github.com/stravalytics/stravasync/internal/logger"
	"github.com/stravalytics/stravasync/internal/models"
)

func validRaw() models.RawActivity {
	return models.RawActivity{
		"id":                   json.Number("12345678901"),
		"name":                 "Morning Run",
		"distance":             json.Number("10000"),
		"moving_time":          json.Number("3600"),
		"sport_type":           "Run",
		"start_date_local":     "2024-03-01T08:15:30Z",
		"total_elevation_gain": json.Number("120.5"),
		"average_speed":        json.Number("2.78"),
		"max_speed":            json.Number("5.56"),
		"gear_id":              "g123",
		"pr_count":             json.Number("2"),
		"start_latlng":         []any{json.Number("52.52"), json.Number("13.405")},
		"end_latlng":           []any{json.Number("52.53"), json.Number("13.41")},
	}
}

func TestNormalize(t *testing.T) {
	t.Run("unit conversions", func(t *testing.T) {
		a, err := Normalize(validRaw())

		require.NoError(t, err)
		require.EqualValues(t, 12345678901, a.ActivityID)
		require.Equal(t, "Morning Run", a.Name)
		require.Equal(t, 10.0, a.DistanceKm, "10000 m is exactly 10 km")
		require.Equal(t, 1.0, a.MovingTimeHr, "3600 s is exactly 1 hour")
		require.Equal(t, "Run", a.SportType)
		require.InDelta(t, 2.78*3.6, a.AverageSpeedKmh, 1e-9)
		require.InDelta(t, 5.56*3.6, a.MaxSpeedKmh, 1e-9)
		require.InDelta(t, 120.5, a.ElevationGainM, 1e-9)
	})

	t.Run("calendar fields from local wall time", func(t *testing.T) {
		a, err := Normalize(validRaw())

		require.NoError(t, err)
		require.Equal(t, 2024, a.Year)
		require.Equal(t, 3, a.Month)
		require.Equal(t, 8, a.Hour)
		require.Equal(t, 5, a.Weekday, "2024-03-01 is a Friday, ISO weekday 5")
		require.Equal(t, time.Date(2024, 3, 1, 8, 15, 30, 0, time.UTC), a.StartDateLocal)
	})

	t.Run("sunday maps to ISO weekday 7", func(t *testing.T) {
		raw := validRaw()
		raw["start_date_local"] = "2024-03-03T10:00:00Z"

		a, err := Normalize(raw)

		require.NoError(t, err)
		require.Equal(t, 7, a.Weekday)
	})

	t.Run("optional fields absent", func(t *testing.T) {
		raw := models.RawActivity{
			"id":               json.Number("1"),
			"distance":         json.Number("5000"),
			"moving_time":      json.Number("1800"),
			"sport_type":       "Ride",
			"start_date_local": "2024-01-02T18:00:00Z",
		}

		a, err := Normalize(raw)

		require.NoError(t, err)
		require.Empty(t, a.Name)
		require.Nil(t, a.GearID)
		require.Nil(t, a.StartLat)
		require.Nil(t, a.EndLng)
		require.Zero(t, a.ElevationGainM)
	})

	t.Run("coordinates split into lat and lng", func(t *testing.T) {
		a, err := Normalize(validRaw())

		require.NoError(t, err)
		require.NotNil(t, a.StartLat)
		require.InDelta(t, 52.52, *a.StartLat, 1e-9)
		require.NotNil(t, a.StartLng)
		require.InDelta(t, 13.405, *a.StartLng, 1e-9)
	})

	t.Run("required field violations", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(models.RawActivity)
		}{
			{"missing id", func(r models.RawActivity) { delete(r, "id") }},
			{"missing distance", func(r models.RawActivity) { delete(r, "distance") }},
			{"missing moving_time", func(r models.RawActivity) { delete(r, "moving_time") }},
			{"missing sport_type", func(r models.RawActivity) { delete(r, "sport_type") }},
			{"missing start_date_local", func(r models.RawActivity) { delete(r, "start_date_local") }},
			{"non-numeric distance", func(r models.RawActivity) { r["distance"] = "far" }},
			{"fractional id", func(r models.RawActivity) { r["id"] = 1.5 }},
			{"unparsable date", func(r models.RawActivity) { r["start_date_local"] = "yesterday" }},
			{"empty sport_type", func(r models.RawActivity) { r["sport_type"] = "" }},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				raw := validRaw()
				tt.mutate(raw)

				_, err := Normalize(raw)

				require.Error(t, err)
				require.ErrorIs(t, err, apperrors.ErrSchemaViolation)
			})
		}
	})
}

func TestTransformer_NormalizeAll(t *testing.T) {
	t.Run("bad record does not abort the batch", func(t *testing.T) {
		bad := validRaw()
		delete(bad, "start_date_local")

		raws := []models.RawActivity{validRaw(), bad, validRaw()}

		activities, skipped := NewTransformer(logger.NewNoOpLogger()).NormalizeAll(raws)

		require.Len(t, activities, 2, "records after the bad one must still be processed")
		require.Equal(t, 1, skipped)
	})

	t.Run("empty input", func(t *testing.T) {
		activities, skipped := NewTransformer(logger.NewNoOpLogger()).NormalizeAll(nil)

		require.Empty(t, activities)
		require.Zero(t, skipped)
	})
}
