package transform

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stravalytics/stravasync/internal/apperrors"
	"github.com/stravalytics/stravasync/internal/logger"
	"github.com/stravalytics/stravasync/internal/models"
)

// Unit conversions applied during normalization. All arithmetic stays in
// float64, rounding is a presentation concern of downstream consumers.
const (
	metersPerKm    = 1000.0
	secondsPerHour = 3600.0
	mpsToKmh       = 3.6
)

// Transformer normalizes raw records batch-wise. A record violating the
// schema is skipped and counted, it never aborts the batch.
type Transformer struct {
	logger logger.Logger
}

func NewTransformer(logger logger.Logger) *Transformer {
	return &Transformer{logger: logger}
}

func (t *Transformer) NormalizeAll(raws []models.RawActivity) ([]models.Activity, int) {
	activities := make([]models.Activity, 0, len(raws))
	skipped := 0

	for _, raw := range raws {
		activity, err := Normalize(raw)
		if err != nil {
			skipped++
			t.logger.Warn("Skipping malformed activity record", "error", err, "raw_id", raw["id"])
			continue
		}
		activities = append(activities, activity)
	}

	if skipped > 0 {
		t.logger.Info("Normalization finished with skips", "normalized", len(activities), "skipped", skipped)
	}

	return activities, skipped
}

// Normalize maps one raw API record to the destination row. Pure: no side
// effects, same input always yields the same output. Fails with
// apperrors.ErrSchemaViolation when a required field is absent or malformed.
func Normalize(raw models.RawActivity) (models.Activity, error) {
	var a models.Activity

	id, err := requiredInt(raw, "id")
	if err != nil {
		return a, err
	}

	distance, err := requiredFloat(raw, "distance")
	if err != nil {
		return a, err
	}

	movingTime, err := requiredFloat(raw, "moving_time")
	if err != nil {
		return a, err
	}

	sportType, err := requiredString(raw, "sport_type")
	if err != nil {
		return a, err
	}

	startLocal, err := requiredLocalTime(raw, "start_date_local")
	if err != nil {
		return a, err
	}

	a = models.Activity{
		ActivityID:     id,
		Name:           optionalString(raw, "name"),
		DistanceKm:     distance / metersPerKm,
		MovingTimeHr:   movingTime / secondsPerHour,
		SportType:      sportType,
		StartDateLocal: startLocal,

		Hour:    startLocal.Hour(),
		Weekday: isoWeekday(startLocal),
		Year:    startLocal.Year(),
		Month:   int(startLocal.Month()),

		ElevationGainM:  optionalFloat(raw, "total_elevation_gain"),
		AverageSpeedKmh: optionalFloat(raw, "average_speed") * mpsToKmh,
		MaxSpeedKmh:     optionalFloat(raw, "max_speed") * mpsToKmh,
		PRCount:         int(optionalFloat(raw, "pr_count")),
	}

	if gear := optionalString(raw, "gear_id"); gear != "" {
		a.GearID = &gear
	}
	a.StartLat, a.StartLng = latLng(raw, "start_latlng")
	a.EndLat, a.EndLng = latLng(raw, "end_latlng")

	return a, nil
}

// isoWeekday returns Monday=1 .. Sunday=7
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	return wd
}

func requiredInt(raw models.RawActivity, key string) (int64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: missing required field %q", apperrors.ErrSchemaViolation, key)
	}

	n, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("%w: field %q is not an integer: %v", apperrors.ErrSchemaViolation, key, v)
	}

	return n, nil
}

func requiredFloat(raw models.RawActivity, key string) (float64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: missing required field %q", apperrors.ErrSchemaViolation, key)
	}

	f, ok := asFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: field %q is not numeric: %v", apperrors.ErrSchemaViolation, key, v)
	}

	return f, nil
}

func requiredString(raw models.RawActivity, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: missing required field %q", apperrors.ErrSchemaViolation, key)
	}

	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: field %q is not a non-empty string: %v", apperrors.ErrSchemaViolation, key, v)
	}

	return s, nil
}

// requiredLocalTime parses the API's local start time. The value is wall
// clock time in the activity's timezone even though it is serialized with
// a "Z" suffix, so the parsed components are used as-is for the derived
// calendar fields.
func requiredLocalTime(raw models.RawActivity, key string) (time.Time, error) {
	s, err := requiredString(raw, key)
	if err != nil {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: field %q is not a valid timestamp: %v", apperrors.ErrSchemaViolation, key, err)
	}

	return t, nil
}

func optionalString(raw models.RawActivity, key string) string {
	s, _ := raw[key].(string)
	return s
}

func optionalFloat(raw models.RawActivity, key string) float64 {
	f, _ := asFloat(raw[key])
	return f
}

// latLng splits the API's [lat, lng] pair into nullable coordinates
func latLng(raw models.RawActivity, key string) (*float64, *float64) {
	pair, ok := raw[key].([]any)
	if !ok || len(pair) != 2 {
		return nil, nil
	}

	lat, okLat := asFloat(pair[0])
	lng, okLng := asFloat(pair[1])
	if !okLat || !okLng {
		return nil, nil
	}

	return &lat, &lng
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
