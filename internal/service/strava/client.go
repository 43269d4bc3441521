package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stravalytics/stravasync/internal/apperrors"
	"github.com/stravalytics/stravasync/internal/logger"
	"github.com/stravalytics/stravasync/internal/models"
)

// Error codes returned by the activities endpoint client
const (
	CodeRetryAfter   = "retry-after"
	CodeUnauthorized = "unauthorized"
	CodeTransient    = "transient"
	CodeExhausted    = "exhausted"
	CodeUnknown      = "unknown"
)

const (
	defaultBaseURL     = "https://www.strava.com/api/v3"
	defaultPerPage     = 100
	defaultMaxAttempts = 4
	defaultBackoffBase = 1 * time.Second
	defaultRetryAfter  = 60 * time.Second
	requestTimeout     = 30 * time.Second
)

type Error struct {
	Code string

	// RetryAfter is set for rate-limit responses only
	RetryAfter time.Duration

	// Page the error happened on, 1-based. Lets a re-run resume conceptually
	Page int

	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %s, page: %d, error: %v", e.Code, e.Page, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(code string, page int, err error) *Error {
	return &Error{Code: code, Page: page, Err: err}
}

type Config struct {
	// BaseURL of the activity API, default https://www.strava.com/api/v3
	BaseURL string

	// PerPage is fixed per client, the API caps it at 200
	PerPage int

	// Bounded retry policy for transient failures
	MaxAttempts int
	BackoffBase time.Duration

	HTTPClient *http.Client
}

// FetchOpts bound one extraction run
type FetchOpts struct {
	After    *time.Time
	Before   *time.Time
	MaxPages int
}

// Client pulls activity pages from the listing endpoint.
// Every FetchActivities call performs fresh network requests, the produced
// slice is finite and bounded by a short page, the date filters or MaxPages.
type Client struct {
	baseURL     string
	perPage     int
	maxAttempts int
	backoffBase time.Duration

	client *http.Client
	logger logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, logger logger.Logger) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		perPage:     cfg.PerPage,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		client:      cfg.HTTPClient,
		logger:      logger,
		sleep:       sleepCtx,
	}

	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.perPage <= 0 {
		c.perPage = defaultPerPage
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.backoffBase <= 0 {
		c.backoffBase = defaultBackoffBase
	}
	if c.client == nil {
		c.client = &http.Client{}
	}

	return c
}

// FetchActivities pulls pages sequentially until a short page, the page
// limit or a failure. On exhausted retries it returns *Error with code
// "exhausted" wrapping apperrors.ErrExtractionFailed and carrying the page
// index that failed. No partial result is returned on failure: re-running
// is at-least-once and the loader deduplicates.
func (c *Client) FetchActivities(ctx context.Context, accessToken string, opts FetchOpts) ([]models.RawActivity, error) {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 100
	}

	var all []models.RawActivity

	for page := 1; page <= maxPages; page++ {
		records, err := c.fetchPageWithRetry(ctx, accessToken, page, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, records...)
		c.logger.Debug("Fetched activities page", "page", page, "records", len(records), "total", len(all))

		if len(records) < c.perPage {
			// Short page, nothing left behind it
			break
		}
	}

	c.logger.Info("Extraction finished", "activities", len(all))
	return all, nil
}

// fetchPageWithRetry is an explicit bounded-attempt loop: rate limits wait
// for the advertised interval, transient failures back off exponentially,
// everything else surfaces immediately.
func (c *Client) fetchPageWithRetry(ctx context.Context, accessToken string, page int, opts FetchOpts) ([]models.RawActivity, error) {
	var lastErr error
	delay := c.backoffBase

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		records, err := c.fetchPage(ctx, accessToken, page, opts)
		if err == nil {
			return records, nil
		}

		var apiErr *Error
		if !errors.As(err, &apiErr) {
			return nil, err
		}

		var wait time.Duration
		switch apiErr.Code {
		case CodeRetryAfter:
			wait = apiErr.RetryAfter
			c.logger.Warn("Rate limited by API", "page", page, "attempt", attempt, "retry_after", wait)
		case CodeTransient:
			wait = delay
			delay *= 2
			c.logger.Warn("Transient failure on page fetch", "page", page, "attempt", attempt, "error", err)
		default:
			// Unauthorized and unexpected responses are not retried
			return nil, err
		}

		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, &Error{
		Code: CodeExhausted,
		Page: page,
		Err:  fmt.Errorf("%w: %d attempts on page %d: %v", apperrors.ErrExtractionFailed, c.maxAttempts, page, lastErr),
	}
}

func (c *Client) fetchPage(ctx context.Context, accessToken string, page int, opts FetchOpts) ([]models.RawActivity, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(c.perPage))
	if opts.After != nil {
		query.Set("after", strconv.FormatInt(opts.After.Unix(), 10))
	}
	if opts.Before != nil {
		query.Set("before", strconv.FormatInt(opts.Before.Unix(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/athlete/activities?"+query.Encode(), nil)
	if err != nil {
		return nil, NewError(CodeUnknown, page, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewError(CodeTransient, page, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.decodeActivities(resp, page)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, c.rateLimited(resp, page)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewError(CodeUnauthorized, page, fmt.Errorf("request rejected with status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, NewError(CodeTransient, page, fmt.Errorf("server error %d", resp.StatusCode))
	default:
		c.logger.Warn("Unexpected status from activities endpoint", "status_code", resp.StatusCode, "page", page)
		return nil, NewError(CodeUnknown, page, fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}
}

// decodeActivities keeps records opaque. UseNumber preserves the integer
// activity ids exactly
func (c *Client) decodeActivities(resp *http.Response, page int) ([]models.RawActivity, error) {
	var records []models.RawActivity

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, NewError(CodeUnknown, page, fmt.Errorf("failed to decode response: %w", err))
	}

	return records, nil
}

func (c *Client) rateLimited(resp *http.Response, page int) *Error {
	retryAfter := defaultRetryAfter
	if header := strings.TrimSpace(resp.Header.Get("Retry-After")); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			retryAfter = time.Duration(seconds) * time.Second
		}
	}

	return &Error{
		Code:       CodeRetryAfter,
		RetryAfter: retryAfter,
		Page:       page,
		Err:        fmt.Errorf("rate limited, retry after %s", retryAfter),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
