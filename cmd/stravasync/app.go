package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stravalytics/stravasync/internal/db"
	"github.com/stravalytics/stravasync/internal/logger"
	"github.com/stravalytics/stravasync/internal/repository/postgres"
	"github.com/stravalytics/stravasync/internal/service/loader"
	"github.com/stravalytics/stravasync/internal/service/pipeline"
	"github.com/stravalytics/stravasync/internal/service/strava"
	"github.com/stravalytics/stravasync/internal/service/token"
	"github.com/stravalytics/stravasync/internal/service/transform"
	"github.com/stravalytics/stravasync/internal/tokenstore"
)

type App struct {
	cfg    *Config
	logger logger.Logger
	tokens *token.Manager

	// pool is nil in token-only modes, they work without a database
	pool *pgxpool.Pool
}

func NewApp(ctx context.Context, c *Config) (*App, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	store := tokenstore.NewFileStore(c.TokenFile)

	tokens, err := token.NewManager(token.Config{
		TokenURL:     c.TokenURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
	}, store, logger)
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager: %w", err)
	}

	app := &App{
		cfg:    c,
		logger: logger,
		tokens: tokens,
	}

	if c.Mode == ModeSync {
		// Connect to the database and run migrations
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		app.pool = pool
	}

	return app, nil
}

func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) Run(ctx context.Context) error {
	switch a.cfg.Mode {
	case ModeSync:
		return a.runSync(ctx)
	case ModeTokenCheck:
		return a.runTokenCheck(ctx)
	case ModeTokenRefresh:
		return a.runTokenRefresh(ctx)
	default:
		return fmt.Errorf("unknown mode %q", a.cfg.Mode)
	}
}

func (a *App) runSync(ctx context.Context) error {
	storage := postgres.NewStorage(a.pool)

	coordinator := pipeline.NewCoordinator(
		a.tokens,
		strava.NewClient(strava.Config{BaseURL: a.cfg.APIBaseURL}, a.logger),
		transform.NewTransformer(a.logger),
		loader.New(storage, a.logger),
		storage.Runs(),
		a.logger,
	)

	params := pipeline.Params{
		MaxPages:     a.cfg.MaxPages,
		Table:        a.cfg.Table,
		Policy:       a.cfg.Policy,
		Dedup:        a.cfg.Dedup,
		ForceRefresh: a.cfg.ForceRefresh,
	}

	var err error
	if params.After, err = parseDate(a.cfg.After); err != nil {
		return fmt.Errorf("invalid --after value: %w", err)
	}
	if params.Before, err = parseDate(a.cfg.Before); err != nil {
		return fmt.Errorf("invalid --before value: %w", err)
	}

	res, err := coordinator.Run(ctx, params)
	if err != nil {
		return fmt.Errorf("run %s failed at step %s: %w", res.RunID, res.StepFailed, err)
	}

	fmt.Printf("run %s finished: extracted=%d normalized=%d skipped=%d written=%d\n",
		res.RunID, res.RowsExtracted, res.RowsNormalized, res.RowsSkipped, res.RowsWritten)
	return nil
}

func (a *App) runTokenCheck(ctx context.Context) error {
	status, err := a.tokens.Status(ctx)
	if err != nil {
		return err
	}

	switch {
	case status.IsExpired:
		fmt.Printf("token expired at %s\n", status.ExpiresAt.Format(time.RFC3339))
	case status.NeedsRefresh:
		fmt.Printf("token expires at %s (in %s), refresh recommended\n",
			status.ExpiresAt.Format(time.RFC3339), status.Remaining.Round(time.Second))
	default:
		fmt.Printf("token valid until %s (in %s)\n",
			status.ExpiresAt.Format(time.RFC3339), status.Remaining.Round(time.Second))
	}
	return nil
}

func (a *App) runTokenRefresh(ctx context.Context) error {
	cred, err := a.tokens.EnsureValid(ctx, true)
	if err != nil {
		return err
	}

	fmt.Printf("token refreshed, valid until %s\n", cred.ExpiresAt.Format(time.RFC3339))
	return nil
}

// parseDate accepts RFC3339 timestamps and bare dates
func parseDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}

	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return &parsed, nil
		}
	}
	return nil, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", value)
}
