package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentiment-pulse/internal/alerting"
	"sentiment-pulse/internal/fetcher"
	"sentiment-pulse/internal/pulse"
	"sentiment-pulse/internal/storage"
)

var (
	monday    = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	tuesday   = monday.AddDate(0, 0, 1)
	wednesday = monday.AddDate(0, 0, 2)
	thursday  = monday.AddDate(0, 0, 3)
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

type fixture struct {
	source   *fetcher.StaticSource
	store    *storage.MemoryStore
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.EMAWindow == 0 {
		opts.EMAWindow = 20
	}
	if opts.Sectors == nil {
		opts.Sectors = map[string][]string{
			"X": {"A", "B"},
			"Y": {"C"},
		}
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}

	f := &fixture{
		source:   fetcher.NewStaticSource(),
		store:    storage.NewMemoryStore(),
		notifier: &recordingNotifier{},
	}
	for _, tickers := range opts.Sectors {
		for _, ticker := range tickers {
			f.source.SetShares(ticker, 1)
		}
	}

	svc, err := New(opts, f.source, f.source, f.store, f.notifier, zerolog.Nop())
	require.NoError(t, err)
	f.svc = svc
	return f
}

// seedExample loads the two-day worked example: A 100→110, B 200→180, and C moving
// so that its day-two EMA is exactly 0.02 with a cap of 100.
func (f *fixture) seedExample() {
	f.source.SetClose("A", monday, 100)
	f.source.SetClose("B", monday, 200)
	f.source.SetClose("C", monday, 100/1.21)
	f.source.SetClose("A", tuesday, 110)
	f.source.SetClose("B", tuesday, 180)
	f.source.SetClose("C", tuesday, 100)
}

// seedWeek extends the worked example through Thursday.
func (f *fixture) seedWeek() {
	f.seedExample()
	f.source.SetClose("A", wednesday, 112)
	f.source.SetClose("B", wednesday, 185)
	f.source.SetClose("C", wednesday, 101)
	f.source.SetClose("A", thursday, 115)
	f.source.SetClose("B", thursday, 190)
	f.source.SetClose("C", thursday, 99)
}

func (f *fixture) processThrough(t *testing.T, last time.Time) []RunReport {
	t.Helper()
	var reports []RunReport
	for day := monday; !day.After(last); day = day.AddDate(0, 0, 1) {
		report, err := f.svc.ProcessDate(context.Background(), day)
		require.NoError(t, err)
		reports = append(reports, report)
	}
	return reports
}

// hookedPrices runs hook once, on the first price lookup.
type hookedPrices struct {
	fetcher.PriceSource
	once sync.Once
	hook func()
}

func (h *hookedPrices) Close(ctx context.Context, ticker string, date time.Time) (float64, error) {
	h.once.Do(h.hook)
	return h.PriceSource.Close(ctx, ticker, date)
}

func TestProcessDateEndToEnd(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedExample()
	ctx := context.Background()

	first, err := f.svc.ProcessDate(ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, first.Status)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, first.ColdStarts)
	require.NotNil(t, first.Pulse)
	assert.InDelta(t, 0.0, *first.Pulse, 1e-12)

	second, err := f.svc.ProcessDate(ctx, tuesday)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, second.Status)
	assert.Equal(t, 3, second.Processed)
	assert.Empty(t, second.ColdStarts)
	assert.Equal(t, pulse.WeightingMarketCap, second.Weighting)

	require.NotNil(t, second.Pulse)
	assert.InDelta(t, 0.02*100/390, *second.Pulse, 1e-9)
	assert.InDelta(t, 0.00513, *second.Pulse, 1e-5)
	assert.InDelta(t, 0.0, second.SectorScores["X"], 1e-12)
	assert.InDelta(t, 0.02, second.SectorScores["Y"], 1e-9)

	sentiments, err := f.store.ListTickerSentiment(ctx, tuesday)
	require.NoError(t, err)
	require.Len(t, sentiments, 3)
	assert.InDelta(t, 0.0095238095, sentiments[0].RawScore, 1e-9)
	assert.InDelta(t, -0.0095238095, sentiments[1].RawScore, 1e-9)

	sectors, err := f.store.ListSectorDay(ctx, tuesday)
	require.NoError(t, err)
	require.Len(t, sectors, 2)
	assert.InDelta(t, 290.0, sectors[0].MarketCap, 1e-9)

	assert.Zero(t, f.notifier.count())
}

func TestProcessDateExcludesMissingTicker(t *testing.T) {
	f := newFixture(t, Options{NotifyDegraded: true})
	f.seedExample()
	ctx := context.Background()

	_, err := f.svc.ProcessDate(ctx, monday)
	require.NoError(t, err)

	// B has no bar on Tuesday: sector X is A alone, never a zero-filled B.
	f.source.SetUnavailable("B", true)

	report, err := f.svc.ProcessDate(ctx, tuesday)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "source_unavailable", report.SkippedTickers["B"])
	assert.False(t, report.Systemic)

	sectors, err := f.store.ListSectorDay(ctx, tuesday)
	require.NoError(t, err)
	require.Len(t, sectors, 2)
	assert.Equal(t, 1, sectors[0].Constituents)
	assert.InDelta(t, 0.0095238095, sectors[0].Score, 1e-9)
	assert.InDelta(t, 110.0, sectors[0].MarketCap, 1e-9)

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "degraded", f.notifier.notes[0].Status)
}

func TestProcessDateAbortLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, Options{
		EmptySectorPolicy: "abort",
		Sectors: map[string][]string{
			"X": {"A", "B"},
			"Z": {"E"},
		},
	})
	f.source.SetClose("A", monday, 100)
	f.source.SetClose("B", monday, 200)
	ctx := context.Background()

	report, err := f.svc.ProcessDate(ctx, monday)
	require.ErrorIs(t, err, pulse.ErrEmptySector)
	assert.Equal(t, StatusAborted, report.Status)
	assert.Equal(t, "no_price", report.SkippedTickers["E"])

	has, err := f.store.HasPulse(ctx, monday)
	require.NoError(t, err)
	assert.False(t, has)
	state, err := f.store.TickerState(ctx, "A", tuesday)
	require.NoError(t, err)
	assert.False(t, state.HasHistory(), "an aborted date must not write partial records")

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "aborted", f.notifier.notes[0].Status)
}

func TestProcessDateSkipPolicyDropsEmptySector(t *testing.T) {
	f := newFixture(t, Options{
		Sectors: map[string][]string{
			"X": {"A", "B"},
			"Z": {"E"},
		},
	})
	f.source.SetClose("A", monday, 100)
	f.source.SetClose("B", monday, 200)

	report, err := f.svc.ProcessDate(context.Background(), monday)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "empty_sector", report.SkippedSectors["Z"])
	assert.NotContains(t, report.SectorScores, "Z")
}

func TestProcessDateIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedExample()
	ctx := context.Background()

	_, err := f.svc.ProcessDate(ctx, monday)
	require.NoError(t, err)

	again, err := f.svc.ProcessDate(ctx, monday)
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, StatusAlreadyProcessed, again.Status)

	assert.NoError(t, f.svc.Tick(ctx, monday))

	history, err := f.store.ListPulse(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestProcessDateGapIsInsufficientHistory(t *testing.T) {
	f := newFixture(t, Options{MaxGapDays: 5})
	f.seedExample()
	ctx := context.Background()

	_, err := f.svc.ProcessDate(ctx, monday)
	require.NoError(t, err)

	later := monday.AddDate(0, 0, 8)
	f.source.SetClose("A", later, 120)
	f.source.SetClose("B", later, 210)
	f.source.SetClose("C", later, 90)

	report, err := f.svc.ProcessDate(ctx, later)
	require.ErrorIs(t, err, pulse.ErrNoSectorData)
	assert.Equal(t, StatusAborted, report.Status)
	for _, ticker := range []string{"A", "B", "C"} {
		assert.Equal(t, "insufficient_history", report.SkippedTickers[ticker])
	}
}

func TestProcessDateGapRecordsCapSoChainResumes(t *testing.T) {
	f := newFixture(t, Options{
		MaxGapDays: 5,
		Sectors: map[string][]string{
			"X": {"A"},
			"Y": {"C"},
		},
	})
	ctx := context.Background()
	f.source.SetClose("A", monday, 100)
	f.source.SetClose("C", monday, 50)
	_, err := f.svc.ProcessDate(ctx, monday)
	require.NoError(t, err)

	// C stops trading for over a week, A keeps going.
	for d := 1; d <= 8; d++ {
		day := monday.AddDate(0, 0, d)
		if !pulse.IsTradingDay(day) {
			continue
		}
		f.source.SetClose("A", day, 100+float64(d))
	}
	resume := monday.AddDate(0, 0, 8)
	f.source.SetClose("C", resume, 55)
	next := monday.AddDate(0, 0, 9)
	f.source.SetClose("A", next, 110)
	f.source.SetClose("C", next, 56)

	result, err := f.svc.Backfill(ctx, BackfillOptions{From: tuesday, To: next})
	require.NoError(t, err)
	reports := result.Reports

	gapDay := reports[len(reports)-2]
	assert.Equal(t, resume, gapDay.Date)
	assert.Equal(t, "insufficient_history", gapDay.SkippedTickers["C"])
	state, err := f.store.TickerState(ctx, "C", next)
	require.NoError(t, err)
	assert.Equal(t, resume, state.PrevCapDate)

	last := reports[len(reports)-1]
	assert.Equal(t, StatusCommitted, last.Status)
	assert.Contains(t, last.SectorScores, "Y")
}

func TestSystemicOutageIsFlagged(t *testing.T) {
	f := newFixture(t, Options{})
	for _, ticker := range []string{"A", "B", "C"} {
		f.source.SetUnavailable(ticker, true)
	}

	report, err := f.svc.ProcessDate(context.Background(), monday)
	require.ErrorIs(t, err, pulse.ErrNoSectorData)
	assert.True(t, report.Systemic)

	require.Equal(t, 1, f.notifier.count())
	assert.True(t, f.notifier.notes[0].Systemic)
}

func TestBackfillSkipsWeekends(t *testing.T) {
	f := newFixture(t, Options{})
	friday := monday.AddDate(0, 0, 4)
	nextMonday := monday.AddDate(0, 0, 7)
	for d := friday; !d.After(nextMonday); d = d.AddDate(0, 0, 1) {
		f.source.SetClose("A", d, 100)
		f.source.SetClose("B", d, 100)
		f.source.SetClose("C", d, 100)
	}

	result, err := f.svc.Backfill(context.Background(), BackfillOptions{From: friday, To: nextMonday})
	require.NoError(t, err)
	require.Len(t, result.Reports, 2)
	assert.Equal(t, friday, result.Reports[0].Date)
	assert.Equal(t, nextMonday, result.Reports[1].Date)
	assert.Zero(t, f.notifier.count())
}

func TestRunReportIsAudited(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedExample()

	report, err := f.svc.ProcessDate(context.Background(), monday)
	require.NoError(t, err)

	runs, err := f.store.ListRecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.ID, runs[0].ID)
	assert.Equal(t, string(StatusCommitted), runs[0].Status)

	var decoded RunReport
	require.NoError(t, json.Unmarshal(runs[0].Report, &decoded))
	assert.Equal(t, report.ID, decoded.ID)
	assert.Equal(t, 3, decoded.Tickers)
}

func TestBackfillDryRunDoesNotTouchStore(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedExample()
	ctx := context.Background()

	_, err := f.svc.ProcessDate(ctx, monday)
	require.NoError(t, err)

	result, err := f.svc.Backfill(ctx, BackfillOptions{From: tuesday, To: tuesday, DryRun: true})
	require.NoError(t, err)
	assert.Zero(t, result.Deleted)
	require.Len(t, result.Reports, 1)
	require.NotNil(t, result.Reports[0].Pulse)
	assert.InDelta(t, 0.00513, *result.Reports[0].Pulse, 1e-5)

	has, err := f.store.HasPulse(ctx, tuesday)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBackfillReplaysThroughLatestCommittedDate(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedWeek()
	ctx := context.Background()
	before := f.processThrough(t, thursday)

	result, err := f.svc.Backfill(ctx, BackfillOptions{From: tuesday, To: tuesday})
	require.NoError(t, err)
	assert.Equal(t, thursday, result.To)
	assert.Positive(t, result.Deleted)
	require.Len(t, result.Reports, 3)

	for i, report := range result.Reports {
		assert.Equal(t, StatusCommitted, report.Status, report.Date)
		require.NotNil(t, report.Pulse)
		assert.InDelta(t, *before[i+1].Pulse, *report.Pulse, 1e-12)
	}
	for _, day := range []time.Time{wednesday, thursday} {
		has, err := f.store.HasPulse(ctx, day)
		require.NoError(t, err)
		assert.True(t, has, "%s must survive a backfill ending before it", day.Format(time.DateOnly))
	}
}

func TestBackfillCorrectionPropagatesForward(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedWeek()
	ctx := context.Background()
	f.processThrough(t, wednesday)

	scoreOf := func(day time.Time, ticker string) float64 {
		t.Helper()
		records, err := f.store.ListTickerSentiment(ctx, day)
		require.NoError(t, err)
		for _, rec := range records {
			if rec.Ticker == ticker {
				return rec.RawScore
			}
		}
		t.Fatalf("no %s sentiment on %s", ticker, day.Format(time.DateOnly))
		return 0
	}
	oldWednesday := scoreOf(wednesday, "A")
	oldPulse, err := f.store.ListPulse(ctx, 1)
	require.NoError(t, err)
	require.Len(t, oldPulse, 1)

	// Tuesday's close for A is corrected from 110 to 121.
	f.source.SetClose("A", tuesday, 121)
	result, err := f.svc.Backfill(ctx, BackfillOptions{From: tuesday, To: tuesday})
	require.NoError(t, err)
	assert.Equal(t, wednesday, result.To)

	alpha := 2.0 / 21.0
	tuesdayEMA := alpha * 0.21
	assert.InDelta(t, tuesdayEMA, scoreOf(tuesday, "A"), 1e-9)
	wantWednesday := alpha*(112.0/121.0-1) + (1-alpha)*tuesdayEMA
	assert.InDelta(t, wantWednesday, scoreOf(wednesday, "A"), 1e-9)
	assert.NotEqual(t, oldWednesday, scoreOf(wednesday, "A"))

	newPulse, err := f.store.ListPulse(ctx, 1)
	require.NoError(t, err)
	require.Len(t, newPulse, 1)
	assert.Equal(t, wednesday, newPulse[0].Date)
	assert.NotEqual(t, oldPulse[0].Score, newPulse[0].Score)
}

func TestBackfillHoldsLockAcrossReplay(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedWeek()
	ctx := context.Background()
	f.processThrough(t, wednesday)

	opts := Options{
		EMAWindow:       20,
		Sectors:         map[string][]string{"X": {"A", "B"}, "Y": {"C"}},
		Workers:         2,
		AdvisoryLockKey: 42,
	}
	var (
		svc        *Service
		concurrent error
	)
	prices := &hookedPrices{PriceSource: f.source}
	prices.hook = func() {
		_, concurrent = svc.ProcessDate(ctx, thursday)
	}
	svc, err := New(opts, prices, f.source, f.store, nil, zerolog.Nop())
	require.NoError(t, err)

	result, err := svc.Backfill(ctx, BackfillOptions{From: tuesday, To: tuesday})
	require.NoError(t, err)
	require.Len(t, result.Reports, 2)
	require.ErrorIs(t, concurrent, ErrLockHeld)

	has, err := f.store.HasPulse(ctx, thursday)
	require.NoError(t, err)
	assert.False(t, has)

	report, err := svc.ProcessDate(ctx, thursday)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, report.Status)
}

func TestBackfillRefusedWhileLockHeld(t *testing.T) {
	f := newFixture(t, Options{AdvisoryLockKey: 7})
	f.seedExample()
	ctx := context.Background()

	unlock, ok, err := f.store.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	_, err = f.svc.Backfill(ctx, BackfillOptions{From: monday, To: tuesday})
	require.ErrorIs(t, err, ErrLockHeld)

	assert.NoError(t, f.svc.Tick(ctx, monday))
	has, err := f.store.HasPulse(ctx, monday)
	require.NoError(t, err)
	assert.False(t, has)
}
