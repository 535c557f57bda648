package pulse

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SharesLookup resolves the shares-outstanding count for a ticker.
type SharesLookup interface {
	SharesOutstanding(ctx context.Context, ticker string) (int64, error)
}

// Resolver derives market capitalisation from a close price and cached share counts.
type Resolver struct {
	shares SharesLookup
}

// NewResolver constructs a market-cap resolver.
func NewResolver(shares SharesLookup) *Resolver {
	return &Resolver{shares: shares}
}

// Resolve computes price × shares outstanding. It never substitutes a guessed share count.
func (r *Resolver) Resolve(ctx context.Context, ticker string, date time.Time, price float64) (MarketCapObservation, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return MarketCapObservation{}, fmt.Errorf("%w: empty ticker", ErrInvalidInput)
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return MarketCapObservation{}, fmt.Errorf("%w: price %v for %s", ErrInvalidInput, price, ticker)
	}
	if r.shares == nil {
		return MarketCapObservation{}, fmt.Errorf("%w: %s: no shares lookup configured", ErrMissingSharesData, ticker)
	}

	shares, err := r.shares.SharesOutstanding(ctx, ticker)
	if err != nil {
		return MarketCapObservation{}, fmt.Errorf("%w: %s: %w", ErrMissingSharesData, ticker, err)
	}
	if shares <= 0 {
		return MarketCapObservation{}, fmt.Errorf("%w: %s: non-positive share count %d", ErrMissingSharesData, ticker, shares)
	}

	capValue := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(shares))

	return MarketCapObservation{
		Date:      TradingDate(date),
		Ticker:    ticker,
		Price:     price,
		Shares:    shares,
		MarketCap: capValue.InexactFloat64(),
	}, nil
}
