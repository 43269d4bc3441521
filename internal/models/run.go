package models

import (
	"time"

	"github.com/google/uuid"
)

// Pipeline run states. Transitions are strictly sequential, any state may
// move to RunFailed.
const (
	RunIdle         = "IDLE"
	RunTokenCheck   = "TOKEN_CHECK"
	RunExtracting   = "EXTRACTING"
	RunTransforming = "TRANSFORMING"
	RunLoading      = "LOADING"
	RunDone         = "DONE"
	RunFailed       = "FAILED"
)

// Run is the durable record of one pipeline invocation.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt *time.Time // nil while the run is in flight

	State      string
	StepFailed string // empty unless State is RunFailed
	ErrorKind  string
	ErrorText  string

	RowsExtracted  int
	RowsNormalized int
	RowsSkipped    int
	RowsWritten    int

	TableName string
	Policy    string
}
