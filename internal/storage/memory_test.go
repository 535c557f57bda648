package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentiment-pulse/internal/pulse"
)

var (
	d1 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	d2 = d1.AddDate(0, 0, 1)
	d3 = d1.AddDate(0, 0, 2)
)

func dayResult(date time.Time, capA, emaA float64) pulse.DayResult {
	return pulse.DayResult{
		Date:         date,
		MarketCaps:   []pulse.MarketCapObservation{{Ticker: "A", Price: capA, Shares: 1, MarketCap: capA}},
		Sentiments:   []pulse.TickerSentimentRecord{{Ticker: "A", RawScore: emaA, NormalizedScore: pulse.Normalize(emaA)}},
		SectorScores: []pulse.SectorSentimentRecord{{Sector: "X", Score: emaA, Constituents: 1}},
		SectorCaps:   []pulse.SectorMarketCapRecord{{Sector: "X", MarketCap: capA}},
		Pulse:        pulse.PulseRecord{Score: emaA, Weighting: pulse.WeightingMarketCap, Sectors: 1},
	}
}

func TestMemoryTickerStateReadsStrictlyBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CommitDay(ctx, dayResult(d1, 100, 0)))
	require.NoError(t, store.CommitDay(ctx, dayResult(d2, 110, 0.01)))

	state, err := store.TickerState(ctx, "A", d3)
	require.NoError(t, err)
	require.NotNil(t, state.PrevMarketCap)
	assert.Equal(t, 110.0, *state.PrevMarketCap)
	assert.Equal(t, 0.01, *state.PriorRawEMA)
	assert.Equal(t, d2, state.PrevCapDate)

	state, err = store.TickerState(ctx, "A", d2)
	require.NoError(t, err)
	assert.Equal(t, 100.0, *state.PrevMarketCap)

	state, err = store.TickerState(ctx, "A", d1)
	require.NoError(t, err)
	assert.False(t, state.HasHistory())
}

func TestMemoryCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CommitDay(ctx, dayResult(d1, 100, 0)))

	err := store.CommitDay(ctx, dayResult(d1, 999, 0.5))
	require.ErrorIs(t, err, ErrDuplicate)

	obs, ok := storedCap(store, "A", d1)
	require.True(t, ok)
	assert.Equal(t, 100.0, obs.MarketCap)

	ok, err = store.HasPulse(ctx, d1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryDeleteFrom(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CommitDay(ctx, dayResult(d1, 100, 0)))
	require.NoError(t, store.CommitDay(ctx, dayResult(d2, 110, 0.01)))
	require.NoError(t, store.CommitDay(ctx, dayResult(d3, 120, 0.02)))

	deleted, err := store.DeleteFrom(ctx, d2)
	require.NoError(t, err)
	assert.Equal(t, int64(10), deleted)

	pulses, err := store.ListPulse(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pulses, 1)
	assert.Equal(t, d1, pulses[0].Date)
}

func TestOverlayFallsThroughBeforeCutoff(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	require.NoError(t, base.CommitDay(ctx, dayResult(d1, 100, 0)))
	require.NoError(t, base.CommitDay(ctx, dayResult(d2, 110, 0.01)))

	overlay := NewOverlayStore(base, d2)

	state, err := overlay.TickerState(ctx, "A", d3)
	require.NoError(t, err)
	require.NotNil(t, state.PrevMarketCap)
	assert.Equal(t, 100.0, *state.PrevMarketCap, "records on or after the cutoff are being replayed")

	has, err := overlay.HasPulse(ctx, d2)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = overlay.HasPulse(ctx, d1)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, overlay.CommitDay(ctx, dayResult(d2, 130, 0.2)))
	state, err = overlay.TickerState(ctx, "A", d3)
	require.NoError(t, err)
	assert.Equal(t, 130.0, *state.PrevMarketCap)
}

func TestLatestPulseDate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, ok, err := store.LatestPulseDate(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.CommitDay(ctx, dayResult(d1, 100, 0)))
	require.NoError(t, store.CommitDay(ctx, dayResult(d3, 120, 0.02)))
	latest, ok, err := store.LatestPulseDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d3, latest)

	overlay := NewOverlayStore(store, d2)
	require.NoError(t, overlay.CommitDay(ctx, dayResult(d2, 110, 0.01)))
	latest, ok, err = overlay.LatestPulseDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d3, latest, "an overlay still reports base history past its cutoff")
}

func TestMemoryAdvisoryLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryAdvisoryLock(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "locks are not reentrant")

	other, ok, err := store.TryAdvisoryLock(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	other()

	unlock()
	unlock()
	again, ok, err := store.TryAdvisoryLock(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	again()
}

func TestMemorySectorDayAndRuns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CommitDay(ctx, dayResult(d1, 100, 0.03)))

	sectors, err := store.ListSectorDay(ctx, d1)
	require.NoError(t, err)
	require.Len(t, sectors, 1)
	assert.Equal(t, 100.0, sectors[0].MarketCap)

	tickers, err := store.ListTickerSentiment(ctx, d1)
	require.NoError(t, err)
	require.Len(t, tickers, 1)

	require.NoError(t, store.InsertRun(ctx, RunRecord{Status: "committed"}))
	require.NoError(t, store.InsertRun(ctx, RunRecord{Status: "aborted"}))
	runs, err := store.ListRecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "aborted", runs[0].Status)
}

func TestNumericRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 0.009523809523809525, -0.0095238095238095, 1.5e12, 123.456} {
		got, err := parseNumeric(numeric(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func storedCap(m *MemoryStore, ticker string, date time.Time) (pulse.MarketCapObservation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.caps[entityKey{pulse.TradingDate(date), ticker}]
	return obs, ok
}
