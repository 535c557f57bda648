package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"sentiment-pulse/internal/metrics"
	"sentiment-pulse/internal/pulse"
)

const (
	eodPath          = "/eod/"
	fundamentalsPath = "/fundamentals/"
	dateLayout       = "2006-01-02"
)

// HTTPOptions parameterise the end-of-day HTTP source.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	Exchange  string
	Timeout   time.Duration
	UserAgent string
	RateLimit float64
	Burst     int
	Retry     RetryPolicy
}

// HTTPSource fetches daily closes and share counts from an EOD-style JSON API.
type HTTPSource struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewHTTPSource constructs an HTTP market-data source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://eodhd.com/api"
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPSource{
		opts:    opts,
		logger:  logger.With().Str("component", "market_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		baseURL: baseURL,
	}
}

// Close returns the closing price for ticker on date.
func (s *HTTPSource) Close(ctx context.Context, ticker string, date time.Time) (float64, error) {
	day := pulse.TradingDate(date).Format(dateLayout)
	params := url.Values{}
	params.Set("from", day)
	params.Set("to", day)
	params.Set("period", "d")

	var bars []eodBar
	if err := s.getJSON(ctx, "eod", eodPath+s.symbol(ticker), params, &bars); err != nil {
		if errors.Is(err, errNotFound) {
			return 0, fmt.Errorf("%w: %s %s", pulse.ErrNoPrice, ticker, day)
		}
		return 0, err
	}

	for _, bar := range bars {
		if bar.Date != day {
			continue
		}
		if bar.Close <= 0 {
			break
		}
		return bar.Close, nil
	}
	return 0, fmt.Errorf("%w: %s %s", pulse.ErrNoPrice, ticker, day)
}

// SharesOutstanding returns the latest reported shares outstanding for ticker.
func (s *HTTPSource) SharesOutstanding(ctx context.Context, ticker string) (int64, error) {
	params := url.Values{}
	params.Set("filter", "SharesStats")

	var stats sharesStats
	if err := s.getJSON(ctx, "fundamentals", fundamentalsPath+s.symbol(ticker), params, &stats); err != nil {
		if errors.Is(err, errNotFound) {
			return 0, fmt.Errorf("%w: %s", pulse.ErrMissingSharesData, ticker)
		}
		return 0, err
	}

	shares, err := stats.SharesOutstanding.Int64()
	if err != nil {
		value, floatErr := stats.SharesOutstanding.Float64()
		if floatErr != nil {
			return 0, fmt.Errorf("%w: %s: parse shares outstanding: %v", pulse.ErrMissingSharesData, ticker, floatErr)
		}
		shares = int64(value)
	}
	if shares <= 0 {
		return 0, fmt.Errorf("%w: %s", pulse.ErrMissingSharesData, ticker)
	}
	return shares, nil
}

func (s *HTTPSource) symbol(ticker string) string {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if s.opts.Exchange == "" || strings.Contains(ticker, ".") {
		return url.PathEscape(ticker)
	}
	return url.PathEscape(ticker + "." + s.opts.Exchange)
}

var errNotFound = errors.New("not found")

// getJSON performs a rate-limited GET with retries. Exhausted retries surface as ErrSourceUnavailable.
func (s *HTTPSource) getJSON(ctx context.Context, endpoint, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if s.opts.APIKey != "" {
		params.Set("api_token", s.opts.APIKey)
	}
	params.Set("fmt", "json")
	endpointURL := s.baseURL + path + "?" + params.Encode()

	err := s.opts.Retry.do(ctx, func(attempt int) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return permanent(err)
		}

		status, body, err := s.fetch(ctx, endpointURL)
		if err != nil {
			metrics.SourceRequests.WithLabelValues(endpoint, "error").Inc()
			s.logger.Debug().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Msg("source request failed")
			return err
		}
		metrics.SourceRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()

		switch {
		case status == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return permanent(fmt.Errorf("decode %s response: %w", endpoint, err))
			}
			return nil
		case status == http.StatusNotFound:
			return permanent(errNotFound)
		case status == http.StatusTooManyRequests || status >= 500:
			s.logger.Debug().Str("endpoint", endpoint).Int("status", status).Int("attempt", attempt).Msg("transient source response")
			return parseHTTPError(status, body)
		default:
			return permanent(parseHTTPError(status, body))
		}
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, errNotFound) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", pulse.ErrSourceUnavailable, endpoint, err)
}

func (s *HTTPSource) fetch(ctx context.Context, endpointURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return 0, nil, permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "sentiment-pulse/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

type eodBar struct {
	Date          string  `json:"date"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	AdjustedClose float64 `json:"adjusted_close"`
	Volume        int64   `json:"volume"`
}

type sharesStats struct {
	SharesOutstanding json.Number `json:"SharesOutstanding"`
	SharesFloat       json.Number `json:"SharesFloat"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("source api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("source api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("source api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("source api error (%d)", status)
}

var _ Source = (*HTTPSource)(nil)
