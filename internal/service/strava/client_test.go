package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stravalytics/stravasync/internal/apperrors"
	"github.com/stravalytics/stravasync/internal/logger"
)

func activityPage(start, count int) []map[string]any {
	page := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		page = append(page, map[string]any{
			"id":               start + i,
			"name":             fmt.Sprintf("Activity %d", start+i),
			"distance":         10000,
			"moving_time":      3600,
			"sport_type":       "Run",
			"start_date_local": "2024-03-01T08:00:00Z",
		})
	}
	return page
}

func newTestClient(t *testing.T, handler http.Handler, cfg Config) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	cfg.HTTPClient = srv.Client()
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}

	return NewClient(cfg, logger.NewNoOpLogger())
}

func TestClient_FetchActivities(t *testing.T) {
	t.Run("stops on short page", func(t *testing.T) {
		var calls atomic.Int64
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))

			// Two full pages of 2, then a short page of 1
			count := 2
			if page == 3 {
				count = 1
			}
			_ = json.NewEncoder(w).Encode(activityPage(page*100, count))
		})
		c := newTestClient(t, handler, Config{PerPage: 2})

		records, err := c.FetchActivities(t.Context(), "token", FetchOpts{MaxPages: 10})

		require.NoError(t, err)
		require.Len(t, records, 5)
		require.EqualValues(t, 3, calls.Load(), "short page must stop the pagination")
	})

	t.Run("honors max pages with endless data", func(t *testing.T) {
		var calls atomic.Int64
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			_ = json.NewEncoder(w).Encode(activityPage(page*100, 2))
		})
		c := newTestClient(t, handler, Config{PerPage: 2})

		records, err := c.FetchActivities(t.Context(), "token", FetchOpts{MaxPages: 2})

		require.NoError(t, err)
		require.Len(t, records, 4)
		require.EqualValues(t, 2, calls.Load(), "exactly MaxPages requests expected")
	})

	t.Run("sends auth header and date filters", func(t *testing.T) {
		after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		before := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			require.Equal(t, strconv.FormatInt(after.Unix(), 10), r.URL.Query().Get("after"))
			require.Equal(t, strconv.FormatInt(before.Unix(), 10), r.URL.Query().Get("before"))
			require.Equal(t, "100", r.URL.Query().Get("per_page"))

			_ = json.NewEncoder(w).Encode([]map[string]any{})
		})
		c := newTestClient(t, handler, Config{})

		records, err := c.FetchActivities(t.Context(), "token", FetchOpts{After: &after, Before: &before, MaxPages: 1})

		require.NoError(t, err)
		require.Empty(t, records)
	})

	t.Run("ids survive as numbers", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[{"id": 9007199254740993, "name": "big"}]`))
		})
		c := newTestClient(t, handler, Config{PerPage: 2})

		records, err := c.FetchActivities(t.Context(), "token", FetchOpts{MaxPages: 1})

		require.NoError(t, err)
		require.Len(t, records, 1)

		num, ok := records[0]["id"].(json.Number)
		require.True(t, ok, "ids must decode as json.Number, not float64")
		require.Equal(t, "9007199254740993", num.String())
	})
}

func TestClient_Retries(t *testing.T) {
	t.Run("transient failure then success", func(t *testing.T) {
		var calls atomic.Int64
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(activityPage(100, 1))
		})
		c := newTestClient(t, handler, Config{PerPage: 2, MaxAttempts: 4})

		records, err := c.FetchActivities(t.Context(), "token", FetchOpts{MaxPages: 1})

		require.NoError(t, err)
		require.Len(t, records, 1)
		require.EqualValues(t, 3, calls.Load())
	})

	t.Run("rate limit waits for retry-after", func(t *testing.T) {
		var calls atomic.Int64
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_ = json.NewEncoder(w).Encode(activityPage(100, 1))
		})
		c := newTestClient(t, handler, Config{PerPage: 2, MaxAttempts: 2})

		var waits []time.Duration
		c.sleep = func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}

		records, err := c.FetchActivities(t.Context(), "token", FetchOpts{MaxPages: 1})

		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, []time.Duration{7 * time.Second}, waits)
	})

	t.Run("exponential backoff between transient attempts", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		c := newTestClient(t, handler, Config{PerPage: 2, MaxAttempts: 3, BackoffBase: time.Second})

		var waits []time.Duration
		c.sleep = func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}

		_, err := c.FetchActivities(t.Context(), "token", FetchOpts{MaxPages: 1})

		require.Error(t, err)
		require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
	})

	t.Run("exhausted retries carry the failed page", func(t *testing.T) {
		var calls atomic.Int64
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			if page == 2 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(activityPage(page*100, 2))
		})
		c := newTestClient(t, handler, Config{PerPage: 2, MaxAttempts: 2})

		records, err := c.FetchActivities(t.Context(), "token", FetchOpts{MaxPages: 5})

		require.Error(t, err)
		require.Nil(t, records, "no partial result on failure")
		require.ErrorIs(t, err, apperrors.ErrExtractionFailed)

		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, CodeExhausted, apiErr.Code)
		require.Equal(t, 2, apiErr.Page)
	})

	t.Run("unauthorized is not retried", func(t *testing.T) {
		var calls atomic.Int64
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		})
		c := newTestClient(t, handler, Config{PerPage: 2, MaxAttempts: 4})

		_, err := c.FetchActivities(t.Context(), "token", FetchOpts{MaxPages: 1})

		require.Error(t, err)
		require.EqualValues(t, 1, calls.Load())

		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, CodeUnauthorized, apiErr.Code)
	})

	t.Run("cancelled context stops the wait", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		c := newTestClient(t, handler, Config{PerPage: 2, MaxAttempts: 3, BackoffBase: time.Minute})

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := c.FetchActivities(ctx, "token", FetchOpts{MaxPages: 1})

		require.ErrorIs(t, err, context.Canceled)
	})
}
