package sharescache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sentiment-pulse/internal/fetcher"
	"sentiment-pulse/internal/metrics"
	"sentiment-pulse/internal/pulse"
)

const (
	fieldShares    = "shares"
	fieldFetchedAt = "fetched_at"
)

// Options tune cache freshness.
type Options struct {
	KeyPrefix string
	// MaxAge is how long a cached count is served before the source is consulted again.
	MaxAge time.Duration
}

// Cache serves shares outstanding from redis, refreshing from the source when entries age out.
// A stale entry is still served when the source cannot be reached.
type Cache struct {
	client *redis.Client
	source fetcher.SharesSource
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a redis-backed shares cache.
func New(client *redis.Client, source fetcher.SharesSource, opts Options, logger zerolog.Logger) *Cache {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "pulse:shares:"
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7 * 24 * time.Hour
	}
	return &Cache{
		client: client,
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "shares_cache").Logger(),
		now:    time.Now,
	}
}

// Connect parses a redis URL and verifies connectivity.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = 3 * time.Second
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = 3 * time.Second
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = 2
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type entry struct {
	shares    int64
	fetchedAt time.Time
}

// SharesOutstanding implements pulse.SharesLookup.
func (c *Cache) SharesOutstanding(ctx context.Context, ticker string) (int64, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	cached, found, err := c.get(ctx, ticker)
	if err != nil {
		metrics.SharesCache.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("ticker", ticker).Msg("shares cache read failed; falling back to source")
	}
	if found && c.now().Sub(cached.fetchedAt) < c.opts.MaxAge {
		metrics.SharesCache.WithLabelValues("hit").Inc()
		return cached.shares, nil
	}
	metrics.SharesCache.WithLabelValues("miss").Inc()

	if c.source == nil {
		if found {
			return cached.shares, nil
		}
		return 0, fmt.Errorf("%w: %s not cached", pulse.ErrMissingSharesData, ticker)
	}

	shares, srcErr := c.source.SharesOutstanding(ctx, ticker)
	if srcErr != nil {
		if found {
			c.logger.Warn().Err(srcErr).Str("ticker", ticker).
				Time("fetched_at", cached.fetchedAt).
				Msg("serving stale shares outstanding")
			return cached.shares, nil
		}
		return 0, srcErr
	}

	if err := c.Put(ctx, ticker, shares); err != nil {
		c.logger.Warn().Err(err).Str("ticker", ticker).Msg("shares cache write failed")
	}
	return shares, nil
}

// Put stores a share count stamped with the current time.
func (c *Cache) Put(ctx context.Context, ticker string, shares int64) error {
	if c.client == nil {
		return nil
	}
	key := c.key(ticker)
	return c.client.HSet(ctx, key,
		fieldShares, strconv.FormatInt(shares, 10),
		fieldFetchedAt, c.now().UTC().Format(time.RFC3339),
	).Err()
}

// RefreshResult summarises a refresh pass.
type RefreshResult struct {
	Updated int
	Failed  map[string]error
}

// Refresh re-fetches share counts for every ticker regardless of age.
func (c *Cache) Refresh(ctx context.Context, tickers []string) (RefreshResult, error) {
	if c.source == nil {
		return RefreshResult{}, errors.New("shares source not configured")
	}
	res := RefreshResult{Failed: make(map[string]error)}
	for _, t := range tickers {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ticker := strings.ToUpper(strings.TrimSpace(t))
		shares, err := c.source.SharesOutstanding(ctx, ticker)
		if err != nil {
			res.Failed[ticker] = err
			c.logger.Warn().Err(err).Str("ticker", ticker).Msg("shares refresh failed")
			continue
		}
		if err := c.Put(ctx, ticker, shares); err != nil {
			return res, fmt.Errorf("store shares for %s: %w", ticker, err)
		}
		res.Updated++
	}
	c.logger.Info().Int("updated", res.Updated).Int("failed", len(res.Failed)).Msg("shares refresh completed")
	return res, nil
}

func (c *Cache) get(ctx context.Context, ticker string) (entry, bool, error) {
	if c.client == nil {
		return entry{}, false, nil
	}
	values, err := c.client.HGetAll(ctx, c.key(ticker)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entry{}, false, nil
		}
		return entry{}, false, err
	}
	if len(values) == 0 {
		return entry{}, false, nil
	}

	shares, err := strconv.ParseInt(values[fieldShares], 10, 64)
	if err != nil || shares <= 0 {
		return entry{}, false, fmt.Errorf("corrupt cache entry for %s", ticker)
	}
	fetchedAt, err := time.Parse(time.RFC3339, values[fieldFetchedAt])
	if err != nil {
		// treat as expired but still usable as a stale fallback
		fetchedAt = time.Time{}
	}
	return entry{shares: shares, fetchedAt: fetchedAt}, true, nil
}

func (c *Cache) key(ticker string) string {
	return c.opts.KeyPrefix + strings.ToUpper(ticker)
}

var _ pulse.SharesLookup = (*Cache)(nil)
