package apperrors

import (
	"errors"
)

var (
	// No credential has ever been stored. Needs manual bootstrap
	// authorization, nothing the pipeline can do about it.
	ErrCredentialMissing = errors.New("credential missing")

	// The refresh exchange was rejected (revoked or invalid refresh token).
	// Terminal: requires out-of-band re-authorization, never auto-retried.
	ErrRefreshFailed = errors.New("token refresh failed")

	// Retries on the activities endpoint are exhausted. Recoverable by the
	// next scheduled run.
	ErrExtractionFailed = errors.New("extraction failed")

	// A raw record misses required fields or holds malformed values.
	// The record is skipped and counted, the run continues.
	ErrSchemaViolation = errors.New("schema violation")

	// Conflict policy "fail" found rows overlapping the batch date range.
	ErrLoadConflict = errors.New("load conflict")
)

// Stable error-kind strings reported in run summaries.
const (
	KindCredentialMissing = "credential_missing"
	KindRefreshFailed     = "refresh_failed"
	KindExtractionFailed  = "extraction_failed"
	KindSchemaViolation   = "schema_violation"
	KindLoadConflict      = "load_conflict"
	KindInternal          = "internal"
)

// Kind classifies err into one of the well known error kinds.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrCredentialMissing):
		return KindCredentialMissing
	case errors.Is(err, ErrRefreshFailed):
		return KindRefreshFailed
	case errors.Is(err, ErrExtractionFailed):
		return KindExtractionFailed
	case errors.Is(err, ErrSchemaViolation):
		return KindSchemaViolation
	case errors.Is(err, ErrLoadConflict):
		return KindLoadConflict
	default:
		return KindInternal
	}
}
