package fetcher

import (
	"context"
	"time"
)

// PriceSource returns a ticker's close for a trading date.
type PriceSource interface {
	Close(ctx context.Context, ticker string, date time.Time) (float64, error)
}

// SharesSource returns a ticker's current shares outstanding.
type SharesSource interface {
	SharesOutstanding(ctx context.Context, ticker string) (int64, error)
}

// Source is the full market-data boundary consumed by the pipeline.
type Source interface {
	PriceSource
	SharesSource
}
