package pulse

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticShares map[string]int64

func (s staticShares) SharesOutstanding(_ context.Context, ticker string) (int64, error) {
	v, ok := s[ticker]
	if !ok {
		return 0, ErrMissingSharesData
	}
	return v, nil
}

type failingShares struct{ err error }

func (f failingShares) SharesOutstanding(context.Context, string) (int64, error) {
	return 0, f.err
}

func TestResolveMultipliesPriceByShares(t *testing.T) {
	r := NewResolver(staticShares{"AAPL": 15_000_000_000})

	obs, err := r.Resolve(context.Background(), "aapl", day, 190.25)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", obs.Ticker)
	assert.Equal(t, int64(15_000_000_000), obs.Shares)
	assert.InDelta(t, 190.25*15_000_000_000, obs.MarketCap, 1e-3)
	assert.Equal(t, day, obs.Date)
}

func TestResolveMissingShares(t *testing.T) {
	r := NewResolver(staticShares{})
	_, err := r.Resolve(context.Background(), "ORCL", day, 100)
	assert.ErrorIs(t, err, ErrMissingSharesData)

	r = NewResolver(staticShares{"ORCL": 0})
	_, err = r.Resolve(context.Background(), "ORCL", day, 100)
	assert.ErrorIs(t, err, ErrMissingSharesData)

	r = NewResolver(nil)
	_, err = r.Resolve(context.Background(), "ORCL", day, 100)
	assert.ErrorIs(t, err, ErrMissingSharesData)
}

func TestResolveKeepsUnderlyingCause(t *testing.T) {
	r := NewResolver(failingShares{err: ErrSourceUnavailable})
	_, err := r.Resolve(context.Background(), "IBM", day, 100)
	assert.ErrorIs(t, err, ErrMissingSharesData)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, "source_unavailable", Reason(err))

	r = NewResolver(failingShares{err: errors.New("not listed")})
	_, err = r.Resolve(context.Background(), "IBM", day, 100)
	assert.Equal(t, "missing_shares_data", Reason(err))
}

func TestResolveRejectsBadPrice(t *testing.T) {
	r := NewResolver(staticShares{"IBM": 10})
	_, err := r.Resolve(context.Background(), "IBM", day, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = r.Resolve(context.Background(), "", day, 1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	for _, price := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.NotPanics(t, func() {
			_, err = r.Resolve(context.Background(), "IBM", day, price)
		})
		assert.ErrorIs(t, err, ErrInvalidInput, "price %v", price)
	}
}

func TestReasonCodes(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "insufficient_history", Reason(ErrInsufficientHistory))
	assert.Equal(t, "source_unavailable", Reason(ErrSourceUnavailable))
	assert.Equal(t, "internal", Reason(errors.New("boom")))
}
