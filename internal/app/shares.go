package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"sentiment-pulse/internal/pulse"
)

// RefreshShares re-fetches shares outstanding for every configured ticker into redis.
func (a *App) RefreshShares(ctx context.Context) error {
	if a.Config.Redis.URL == "" {
		return errors.New("redis.url not configured; nothing to refresh")
	}

	cache, closeCache, err := a.newSharesCache(ctx, a.newSource())
	if err != nil {
		return err
	}
	defer closeCache()

	tickers := a.tickers()
	res, err := cache.Refresh(ctx, tickers)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "refreshed %d of %d tickers\n", res.Updated, len(tickers))
	if len(res.Failed) == 0 {
		return nil
	}
	failed := make([]string, 0, len(res.Failed))
	for ticker := range res.Failed {
		failed = append(failed, ticker)
	}
	sort.Strings(failed)
	for _, ticker := range failed {
		fmt.Fprintf(os.Stdout, "  %s: %v\n", ticker, res.Failed[ticker])
	}
	return fmt.Errorf("%d tickers failed to refresh", len(res.Failed))
}

func (a *App) tickers() []string {
	return pulse.NewMembership(a.Config.SectorMembership()).Tickers()
}
