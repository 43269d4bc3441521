package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stravalytics/stravasync/internal/apperrors"
	"github.com/stravalytics/stravasync/internal/logger"
	"github.com/stravalytics/stravasync/internal/models"
	"github.com/stravalytics/stravasync/internal/repository"
	"github.com/stravalytics/stravasync/internal/service/loader"
	"github.com/stravalytics/stravasync/internal/service/strava"
)

// Collaborator contracts, defined on the consumer side

type tokenManager interface {
	EnsureValid(ctx context.Context, force bool) (models.Credential, error)
}

type extractor interface {
	FetchActivities(ctx context.Context, accessToken string, opts strava.FetchOpts) ([]models.RawActivity, error)
}

type transformer interface {
	NormalizeAll(raws []models.RawActivity) ([]models.Activity, int)
}

type batchLoader interface {
	Load(ctx context.Context, batch models.LoadBatch) (loader.Result, error)
}

// Params of one pipeline invocation, provided by the external scheduler
type Params struct {
	After  *time.Time
	Before *time.Time

	MaxPages int    `validate:"gte=0,lte=1000"`
	Table    string `validate:"required,tablename"`
	Policy   string `validate:"required,oneof=append replace fail"`
	Dedup    bool

	// ForceRefresh exchanges the token even when it is still valid
	ForceRefresh bool
}

// Result is the aggregate status reported back to the scheduler.
// The same data is persisted as a pipeline_runs row.
type Result struct {
	RunID      uuid.UUID
	State      string
	StepFailed string
	ErrorKind  string

	RowsExtracted  int
	RowsNormalized int
	RowsSkipped    int
	RowsWritten    int

	StartedAt  time.Time
	FinishedAt time.Time
}

// Coordinator sequences token check, extraction, transformation and load.
// It performs no retries of its own: retry policy lives in the step that
// owns the failure-prone operation, re-invocation belongs to the scheduler.
type Coordinator struct {
	tokens      tokenManager
	extractor   extractor
	transformer transformer
	loader      batchLoader
	runs        repository.RunRepo
	logger      logger.Logger

	validate *validator.Validate
	now      func() time.Time
}

func NewCoordinator(
	tokens tokenManager,
	extractor extractor,
	transformer transformer,
	loader batchLoader,
	runs repository.RunRepo,
	logger logger.Logger,
) *Coordinator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("tablename", func(fl validator.FieldLevel) bool {
		return repository.ValidateTableName(fl.Field().String()) == nil
	})

	return &Coordinator{
		tokens:      tokens,
		extractor:   extractor,
		transformer: transformer,
		loader:      loader,
		runs:        runs,
		logger:      logger,
		validate:    validate,
		now:         time.Now,
	}
}

// Run drives one full pipeline pass. The returned Result is filled in on
// failure too, so the scheduler always sees how far the run went.
func (c *Coordinator) Run(ctx context.Context, params Params) (Result, error) {
	res := Result{
		RunID:     uuid.New(),
		State:     models.RunIdle,
		StartedAt: c.now(),
	}

	if err := c.validate.Struct(params); err != nil {
		res.State = models.RunFailed
		res.ErrorKind = apperrors.KindInternal
		res.FinishedAt = c.now()
		return res, fmt.Errorf("invalid run parameters: %w", err)
	}

	log := c.logger.With("run_id", res.RunID, "table", params.Table, "policy", params.Policy)
	log.Info("Pipeline run started", "max_pages", params.MaxPages, "dedup", params.Dedup)

	// The run record is durable reporting, created before any side effect
	res.State = models.RunTokenCheck
	if err := c.runs.Create(ctx, c.toRun(res, params)); err != nil {
		return c.fail(ctx, res, params, log, err)
	}

	// TokenCheck
	cred, err := c.tokens.EnsureValid(ctx, params.ForceRefresh)
	if err != nil {
		return c.fail(ctx, res, params, log, err)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(ctx, res, params, log, err)
	}

	// Extracting
	res.State = models.RunExtracting
	raws, err := c.extractor.FetchActivities(ctx, cred.AccessToken, strava.FetchOpts{
		After:    params.After,
		Before:   params.Before,
		MaxPages: params.MaxPages,
	})
	if err != nil {
		return c.fail(ctx, res, params, log, err)
	}
	res.RowsExtracted = len(raws)
	if err := ctx.Err(); err != nil {
		return c.fail(ctx, res, params, log, err)
	}

	// Transforming
	res.State = models.RunTransforming
	activities, skipped := c.transformer.NormalizeAll(raws)
	res.RowsNormalized = len(activities)
	res.RowsSkipped = skipped
	if err := ctx.Err(); err != nil {
		return c.fail(ctx, res, params, log, err)
	}

	// Loading
	res.State = models.RunLoading
	loadRes, err := c.loader.Load(ctx, models.LoadBatch{
		Rows:   activities,
		Table:  params.Table,
		Policy: params.Policy,
		Dedup:  params.Dedup,
	})
	if err != nil {
		return c.fail(ctx, res, params, log, err)
	}
	res.RowsWritten = loadRes.RowsWritten

	// Done
	res.State = models.RunDone
	res.FinishedAt = c.now()
	if err := c.runs.Finish(ctx, c.toRun(res, params)); err != nil {
		log.Error("Failed to persist run result", "error", err)
	}

	log.Info("Pipeline run finished",
		"rows_extracted", res.RowsExtracted,
		"rows_normalized", res.RowsNormalized,
		"rows_skipped", res.RowsSkipped,
		"rows_written", res.RowsWritten,
		"duration", res.FinishedAt.Sub(res.StartedAt),
	)

	return res, nil
}

// fail moves the run to the terminal Failed state, remembering which step
// broke and what kind of error it was
func (c *Coordinator) fail(ctx context.Context, res Result, params Params, log logger.Logger, err error) (Result, error) {
	res.StepFailed = res.State
	res.State = models.RunFailed
	res.ErrorKind = apperrors.Kind(err)
	res.FinishedAt = c.now()

	log.Error("Pipeline run failed",
		"step_failed", res.StepFailed,
		"error_kind", res.ErrorKind,
		"error", err,
		"rows_extracted", res.RowsExtracted,
	)

	run := c.toRun(res, params)
	run.ErrorText = err.Error()
	if finishErr := c.runs.Finish(ctx, run); finishErr != nil {
		log.Error("Failed to persist failed run", "error", finishErr)
	}

	return res, err
}

func (c *Coordinator) toRun(res Result, params Params) models.Run {
	run := models.Run{
		ID:             res.RunID,
		StartedAt:      res.StartedAt,
		State:          res.State,
		StepFailed:     res.StepFailed,
		ErrorKind:      res.ErrorKind,
		RowsExtracted:  res.RowsExtracted,
		RowsNormalized: res.RowsNormalized,
		RowsSkipped:    res.RowsSkipped,
		RowsWritten:    res.RowsWritten,
		TableName:      params.Table,
		Policy:         params.Policy,
	}

	if !res.FinishedAt.IsZero() {
		finishedAt := res.FinishedAt
		run.FinishedAt = &finishedAt
	}

	return run
}
