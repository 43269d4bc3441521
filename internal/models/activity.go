package models

import (
	"time"
)

// RawActivity is one record as returned by the activities listing endpoint.
// The shape is a superset of what the pipeline needs and may vary between
// API versions, so it stays an opaque map until normalization.
type RawActivity map[string]any

// Activity is the normalized row written to the destination table.
// ActivityID is the natural key: exactly one row per id may exist after load.
type Activity struct {
	ActivityID     int64
	Name           string
	DistanceKm     float64
	MovingTimeHr   float64
	SportType      string
	StartDateLocal time.Time

	// Calendar features derived from the activity's local start time
	Hour    int
	Weekday int
	Year    int
	Month   int

	ElevationGainM  float64
	AverageSpeedKmh float64
	MaxSpeedKmh     float64
	GearID          *string
	PRCount         int
	StartLat        *float64
	StartLng        *float64
	EndLat          *float64
	EndLng          *float64
}

// Conflict policies for loading a batch into a table that may contain data.
const (
	PolicyAppend  = "append"
	PolicyReplace = "replace"
	PolicyFail    = "fail"
)

// LoadBatch is the unit of work for the loader: all rows produced by one
// pipeline run, loaded in a single transaction.
type LoadBatch struct {
	Rows   []Activity
	Table  string
	Policy string
	Dedup  bool
}

// DateRange returns the smallest [min, max] interval of local start dates
// covered by the batch. ok is false for an empty batch.
func (b LoadBatch) DateRange() (min, max time.Time, ok bool) {
	if len(b.Rows) == 0 {
		return min, max, false
	}

	min, max = b.Rows[0].StartDateLocal, b.Rows[0].StartDateLocal
	for _, row := range b.Rows[1:] {
		if row.StartDateLocal.Before(min) {
			min = row.StartDateLocal
		}
		if row.StartDateLocal.After(max) {
			max = row.StartDateLocal
		}
	}

	return min, max, true
}
