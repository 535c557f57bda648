package fetcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sentiment-pulse/internal/pulse"
)

// StaticSource serves prices and share counts from memory. It backs dry runs and tests.
type StaticSource struct {
	mu     sync.RWMutex
	closes map[string]map[string]float64
	shares map[string]int64
	down   map[string]bool
}

// NewStaticSource constructs an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		closes: make(map[string]map[string]float64),
		shares: make(map[string]int64),
		down:   make(map[string]bool),
	}
}

// SetClose records a close for ticker on date.
func (s *StaticSource) SetClose(ticker string, date time.Time, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(ticker)
	if s.closes[key] == nil {
		s.closes[key] = make(map[string]float64)
	}
	s.closes[key][pulse.TradingDate(date).Format(dateLayout)] = price
}

// SetShares records a share count for ticker.
func (s *StaticSource) SetShares(ticker string, shares int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[strings.ToUpper(ticker)] = shares
}

// SetUnavailable makes every call for ticker fail as a source outage.
func (s *StaticSource) SetUnavailable(ticker string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[strings.ToUpper(ticker)] = down
}

// Close implements PriceSource.
func (s *StaticSource) Close(_ context.Context, ticker string, date time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := strings.ToUpper(ticker)
	if s.down[key] {
		return 0, fmt.Errorf("%w: %s", pulse.ErrSourceUnavailable, key)
	}
	day := pulse.TradingDate(date).Format(dateLayout)
	price, ok := s.closes[key][day]
	if !ok {
		return 0, fmt.Errorf("%w: %s %s", pulse.ErrNoPrice, key, day)
	}
	return price, nil
}

// SharesOutstanding implements SharesSource.
func (s *StaticSource) SharesOutstanding(_ context.Context, ticker string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := strings.ToUpper(ticker)
	if s.down[key] {
		return 0, fmt.Errorf("%w: %s", pulse.ErrSourceUnavailable, key)
	}
	shares, ok := s.shares[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", pulse.ErrMissingSharesData, key)
	}
	return shares, nil
}

var _ Source = (*StaticSource)(nil)
