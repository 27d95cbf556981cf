package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fundarb/harvester/internal/auth"
	"github.com/fundarb/harvester/internal/compat"
	"github.com/fundarb/harvester/internal/models"
	"github.com/fundarb/harvester/internal/stats"
)

// ErrPermanent marks responses that will not improve with retries, such
// as a 400 for an invalid coin/exchange pairing.
var ErrPermanent = errors.New("fetcher: permanent error")

// Config carries the per-process fetch settings.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	ResultLimit       int
	Retry             RetryPolicy
}

// Fetcher issues one rate-limited, retried HTTP request per task and
// records every outcome in the stats collector.
type Fetcher struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	tokens     *auth.TokenManager
	filter     *compat.Filter
	stats      *stats.Collector
	limiter    *rate.Limiter
	retry      RetryPolicy
	limit      int
	logger     *logrus.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func NewFetcher(cfg Config, tokens *auth.TokenManager, filter *compat.Filter, collector *stats.Collector, logger *logrus.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	limit := cfg.ResultLimit
	if limit <= 0 {
		limit = 500
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}

	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		tokens:     tokens,
		filter:     filter,
		stats:      collector,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		retry:      retry,
		limit:      limit,
		logger:     logger,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Fetch performs the collection call for one task. Incompatible tasks
// are skipped without any network traffic. On exhausted retries or a
// permanent error the payload is nil and the failure has already been
// recorded; the error is returned for logging only and never aborts the
// cycle.
func (f *Fetcher) Fetch(ctx context.Context, task models.Task) (*models.RawPayload, error) {
	key := task.Key()

	if !f.filter.IsCompatible(task.Endpoint, task.Coin, task.Exchange) {
		f.stats.RecordSkip(key)
		f.logger.WithFields(logrus.Fields{
			"endpoint": task.Endpoint,
			"coin":     task.Coin,
			"exchange": task.Exchange,
		}).Debug("Skipping incompatible task")
		return nil, nil
	}

	var lastErr error
	for attempt := 1; attempt <= f.retry.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			f.stats.RecordFailure(key, ctx.Err())
			return nil, ctx.Err()
		default:
		}

		body, err := f.attempt(ctx, task)
		if err == nil {
			f.stats.RecordSuccess(key)
			return &models.RawPayload{
				Task:      task,
				Body:      body,
				FetchedAt: f.now().UTC(),
			}, nil
		}

		if errors.Is(err, ErrPermanent) {
			f.stats.RecordFailure(key, err)
			f.logger.WithFields(logrus.Fields{
				"task":  key,
				"error": err.Error(),
			}).Warn("Permanent fetch error, consider updating compatibility rules")
			return nil, err
		}

		lastErr = err
		if attempt == f.retry.MaxAttempts {
			break
		}

		delay := f.retry.Delay(attempt)
		f.logger.WithFields(logrus.Fields{
			"task":    key,
			"attempt": attempt,
			"delay":   delay,
			"error":   err.Error(),
		}).Warn("Fetch failed, retrying")
		f.sleep(delay)
	}

	f.stats.RecordFailure(key, lastErr)
	f.logger.WithFields(logrus.Fields{
		"task":     key,
		"attempts": f.retry.MaxAttempts,
		"error":    lastErr.Error(),
	}).Error("Fetch abandoned after all attempts")
	return nil, lastErr
}

// attempt performs a single paced HTTP call, token acquisition included.
func (f *Fetcher) attempt(ctx context.Context, task models.Task) ([]byte, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.requestURL(task), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Api-Key", f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.WithError(cerr).Warn("Error closing response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status 400 for %s/%s on %s: %s",
			ErrPermanent, task.Endpoint, task.Coin, task.Exchange, truncate(body, 200))
	case f.retry.Retryable(resp.StatusCode):
		return nil, fmt.Errorf("transient error: status %d: %s", resp.StatusCode, truncate(body, 200))
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, truncate(body, 200))
	}
}

// requestURL builds the data endpoint URL. The look-back window scales
// with timeframe granularity to bound result cardinality per call.
func (f *Fetcher) requestURL(task models.Task) string {
	end := f.now().UTC()
	start := end.Add(-lookback(task.Timeframe))

	params := url.Values{}
	params.Set("coin", task.Coin)
	if task.Exchange != "" {
		params.Set("exchange", task.Exchange)
	}
	if task.Timeframe != "" {
		params.Set("timeframe", task.Timeframe)
	}
	params.Set("sort", "asc")
	params.Set("limit", strconv.Itoa(f.limit))
	params.Set("startTime", strconv.FormatInt(start.Unix(), 10))
	params.Set("endTime", strconv.FormatInt(end.Unix(), 10))

	return f.baseURL + "/" + task.Endpoint + "?" + params.Encode()
}

// lookback maps a timeframe onto the request window span. Shorter
// candles get shorter windows so a single call stays under the result
// limit.
func lookback(timeframe string) time.Duration {
	switch timeframe {
	case "1m":
		return 6 * time.Hour
	case "5m":
		return 24 * time.Hour
	case "15m":
		return 3 * 24 * time.Hour
	case "1h":
		return 7 * 24 * time.Hour
	case "4h":
		return 30 * 24 * time.Hour
	case "1d":
		return 180 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
