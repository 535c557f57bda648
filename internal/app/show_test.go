package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentiment-pulse/internal/pulse"
	"sentiment-pulse/internal/service"
	"sentiment-pulse/internal/storage"
)

var testDay = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	err := store.CommitDay(context.Background(), pulse.DayResult{
		Date: testDay,
		MarketCaps: []pulse.MarketCapObservation{
			{Date: testDay, Ticker: "NVDA", Price: 850, Shares: 2_500_000_000, MarketCap: 2.125e12},
		},
		Sentiments: []pulse.TickerSentimentRecord{
			{Date: testDay, Ticker: "NVDA", DailyReturn: 0.021, RawScore: 0.002, NormalizedScore: 50.2},
		},
		SectorScores: []pulse.SectorSentimentRecord{
			{Date: testDay, Sector: "Semis", Score: 0.002, Constituents: 1},
		},
		SectorCaps: []pulse.SectorMarketCapRecord{
			{Date: testDay, Sector: "Semis", MarketCap: 2.125e12},
		},
		Pulse: pulse.PulseRecord{Date: testDay, Score: 0.002, Weighting: pulse.WeightingMarketCap, Sectors: 1},
	})
	require.NoError(t, err)
	return store
}

func TestShowPulse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, showPulse(context.Background(), &buf, seededStore(t), 10))

	out := buf.String()
	assert.Contains(t, out, "2024-03-05")
	assert.Contains(t, out, "0.002000")
	assert.Contains(t, out, "market_cap")
}

func TestShowDate(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, showDate(context.Background(), &buf, seededStore(t), testDay))

	out := buf.String()
	assert.Contains(t, out, "Semis")
	assert.Contains(t, out, " T")
	assert.Contains(t, out, "NVDA")
	assert.Contains(t, out, "+2.1000%")
}

func TestShowDateEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, showDate(context.Background(), &buf, storage.NewMemoryStore(), testDay))
	assert.Equal(t, "no records for 2024-03-05\n", buf.String())
}

func TestShowRuns(t *testing.T) {
	store := storage.NewMemoryStore()
	id := uuid.New()
	started := time.Now().Add(-3 * time.Hour)
	require.NoError(t, store.InsertRun(context.Background(), storage.RunRecord{
		ID:         id,
		Date:       testDay,
		Status:     "degraded",
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Report:     []byte(`{}`),
	}))

	var buf bytes.Buffer
	require.NoError(t, showRuns(context.Background(), &buf, store, 5))

	out := buf.String()
	assert.Contains(t, out, id.String()[:8])
	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "hours ago")
}

func TestPrintReport(t *testing.T) {
	score := 0.1
	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, service.RunReport{
		ID:             uuid.New(),
		Date:           testDay,
		Status:         service.StatusCommitted,
		Pulse:          &score,
		SkippedTickers: map[string]string{},
	}))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "{\n"))
	assert.Contains(t, out, `"status": "committed"`)
	assert.NotContains(t, out, "skipped_tickers")
}
