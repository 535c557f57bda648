package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sentiment-pulse/internal/alerting"
	"sentiment-pulse/internal/config"
	"sentiment-pulse/internal/fetcher"
	"sentiment-pulse/internal/metrics"
	"sentiment-pulse/internal/pulse"
	"sentiment-pulse/internal/storage"
)

var (
	// ErrAlreadyProcessed indicates the date already has a committed pulse.
	ErrAlreadyProcessed = errors.New("service: date already processed")
	// ErrLockHeld indicates another runner holds the advisory lock.
	ErrLockHeld = errors.New("service: advisory lock held by another runner")
)

// Options configure the daily pipeline.
type Options struct {
	EMAWindow         int
	Sectors           map[string][]string
	EmptySectorPolicy string
	MaxGapDays        int
	Workers           int
	AdvisoryLockKey   int64
	NotifyDegraded    bool
}

// OptionsFromConfig maps the pipeline and sector configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		EMAWindow:         cfg.Pipeline.EMAWindow,
		Sectors:           cfg.SectorMembership(),
		EmptySectorPolicy: cfg.Pipeline.EmptySectorPolicy,
		MaxGapDays:        cfg.Pipeline.MaxGapDays,
		Workers:           cfg.Pipeline.Workers,
		AdvisoryLockKey:   cfg.Pipeline.AdvisoryLockKey,
		NotifyDegraded:    cfg.Alerting.NotifyDegraded,
	}
}

// Service orchestrates fetching, sentiment computation, persistence, and alerting for a trading date.
type Service struct {
	opts       Options
	engine     *pulse.Engine
	resolver   *pulse.Resolver
	aggregator *pulse.SectorAggregator
	prices     fetcher.PriceSource
	store      storage.HistoryStore
	runs       storage.RunLog
	locker     storage.AdvisoryLocker
	notifier   alerting.Notifier
	now        func() time.Time
	logger     zerolog.Logger
}

// New constructs the pipeline service. shares is usually the redis cache wrapping the source.
func New(opts Options, prices fetcher.PriceSource, shares pulse.SharesLookup, store storage.HistoryStore, notifier alerting.Notifier, logger zerolog.Logger) (*Service, error) {
	if prices == nil {
		return nil, fmt.Errorf("price source is required")
	}
	if store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	engine, err := pulse.NewEngine(opts.EMAWindow)
	if err != nil {
		return nil, err
	}
	policy, err := pulse.ParseEmptySectorPolicy(opts.EmptySectorPolicy)
	if err != nil {
		return nil, err
	}
	membership := pulse.NewMembership(opts.Sectors)
	if len(membership) == 0 {
		return nil, fmt.Errorf("%w: no sectors configured", pulse.ErrInvalidInput)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxGapDays < 1 {
		opts.MaxGapDays = 5
	}

	s := &Service{
		opts:       opts,
		engine:     engine,
		resolver:   pulse.NewResolver(shares),
		aggregator: pulse.NewSectorAggregator(membership, policy),
		prices:     prices,
		notifier:   notifier,
		now:        time.Now,
		logger:     logger.With().Str("component", "service").Logger(),
	}
	s.bindStore(store)
	s.logger.Debug().
		Int("ema_window", engine.Window()).
		Float64("alpha", engine.Alpha()).
		Int("sectors", len(membership)).
		Int("workers", opts.Workers).
		Msg("pipeline configured")
	return s, nil
}

func (s *Service) bindStore(store storage.HistoryStore) {
	s.store = store
	s.runs = nil
	s.locker = nil
	if r, ok := store.(storage.RunLog); ok {
		s.runs = r
	}
	if l, ok := store.(storage.AdvisoryLocker); ok {
		s.locker = l
	}
}

// withStore returns a copy of the service writing to store.
func (s *Service) withStore(store storage.HistoryStore) *Service {
	clone := *s
	clone.bindStore(store)
	return &clone
}

// Tickers lists every configured ticker.
func (s *Service) Tickers() []string {
	return s.aggregator.Membership().Tickers()
}

// Tick adapts ProcessDate to the scheduler: weekends and repeat runs are not errors.
func (s *Service) Tick(ctx context.Context, date time.Time) error {
	if !pulse.IsTradingDay(date) {
		s.logger.Debug().Str("date", date.Format(time.DateOnly)).Msg("skip non-trading day")
		return nil
	}
	_, err := s.ProcessDate(ctx, date)
	if errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrLockHeld) {
		s.logger.Warn().Err(err).Str("date", date.Format(time.DateOnly)).Msg("scheduled run skipped")
		return nil
	}
	return err
}

// ProcessDate runs the full pipeline for one trading date and commits its records atomically.
// Per-ticker failures exclude the ticker; sector or pulse failures abort the date with the store untouched.
func (s *Service) ProcessDate(ctx context.Context, date time.Time) (RunReport, error) {
	report, logger := s.startRun(date)

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return s.finish(ctx, logger, report, StatusFailed, err)
	}
	if !proceed {
		logger.Info().Msg("skip date because advisory lock held elsewhere")
		return report, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}
	return s.processDate(ctx, logger, report)
}

func (s *Service) startRun(date time.Time) (RunReport, zerolog.Logger) {
	day := pulse.TradingDate(date)
	report := newReport(day, s.now().UTC())
	logger := s.logger.With().Str("run_id", report.ID.String()).Str("date", day.Format(time.DateOnly)).Logger()
	return report, logger
}

// processDate is ProcessDate without the advisory lock; callers hold it.
func (s *Service) processDate(ctx context.Context, logger zerolog.Logger, report RunReport) (RunReport, error) {
	day := report.Date
	done, err := s.store.HasPulse(ctx, day)
	if err != nil {
		return s.finish(ctx, logger, report, StatusFailed, fmt.Errorf("check existing pulse: %w", err))
	}
	if done {
		return s.finish(ctx, logger, report, StatusAlreadyProcessed, ErrAlreadyProcessed)
	}

	result, err := s.compute(ctx, logger, day, &report)
	if err != nil {
		if isAbort(err) {
			return s.finish(ctx, logger, report, StatusAborted, err)
		}
		return s.finish(ctx, logger, report, StatusFailed, err)
	}

	if err := s.store.CommitDay(ctx, result); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return s.finish(ctx, logger, report, StatusAlreadyProcessed, fmt.Errorf("%w: %w", ErrAlreadyProcessed, err))
		}
		return s.finish(ctx, logger, report, StatusFailed, fmt.Errorf("commit day: %w", err))
	}

	status := StatusCommitted
	if len(report.SkippedTickers) > 0 || len(report.SkippedSectors) > 0 {
		status = StatusDegraded
	}
	metrics.LatestScore.Set(result.Pulse.Score)
	for _, rec := range result.SectorScores {
		metrics.SectorScore.WithLabelValues(rec.Sector).Set(rec.Score)
	}
	return s.finish(ctx, logger, report, status, nil)
}

// tickerResult is what one worker produced for one ticker.
type tickerResult struct {
	observation *pulse.MarketCapObservation
	sentiment   *pulse.TickerSentimentRecord
	err         error
}

func (s *Service) compute(ctx context.Context, logger zerolog.Logger, day time.Time, report *RunReport) (pulse.DayResult, error) {
	tickers := s.Tickers()
	report.Tickers = len(tickers)

	var (
		mu      sync.Mutex
		results = make(map[string]tickerResult, len(tickers))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, ticker := range tickers {
		ticker := ticker
		g.Go(func() error {
			res, err := s.processTicker(gctx, ticker, day)
			if err != nil {
				return err
			}
			mu.Lock()
			results[ticker] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pulse.DayResult{}, err
	}

	result := pulse.DayResult{Date: day}
	scores := make(map[string]float64, len(tickers))
	caps := make(map[string]float64, len(tickers))
	for _, ticker := range tickers {
		res := results[ticker]
		if res.observation != nil {
			result.MarketCaps = append(result.MarketCaps, *res.observation)
		}
		if res.err != nil {
			reason := pulse.Reason(res.err)
			report.SkippedTickers[ticker] = reason
			metrics.TickersSkipped.WithLabelValues(reason).Inc()
			logger.Warn().Err(res.err).Str("ticker", ticker).Str("reason", reason).Msg("ticker excluded from aggregates")
			continue
		}
		result.Sentiments = append(result.Sentiments, *res.sentiment)
		scores[ticker] = res.sentiment.RawScore
		caps[ticker] = res.observation.MarketCap
		if res.sentiment.ColdStart {
			report.ColdStarts = append(report.ColdStarts, ticker)
		}
	}
	report.Processed = len(result.Sentiments)
	report.Systemic = report.systemic()

	summary, err := s.aggregator.AggregateAll(day, scores, caps)
	if err != nil {
		return pulse.DayResult{}, err
	}
	for _, skipped := range summary.Skipped {
		reason := pulse.Reason(skipped.Err)
		report.SkippedSectors[skipped.Sector] = reason
		metrics.SectorsSkipped.WithLabelValues(reason).Inc()
	}
	result.SectorScores = summary.Scores
	result.SectorCaps = summary.Caps
	report.SectorScores = summary.ScoreMap()

	record, err := pulse.AggregatePulse(day, summary.ScoreMap(), summary.CapMap())
	if err != nil {
		return pulse.DayResult{}, err
	}
	result.Pulse = record
	score := record.Score
	report.Pulse = &score
	report.Weighting = record.Weighting

	return result, nil
}

// processTicker resolves today's cap and advances the EMA. Data problems are returned inside
// the result; only store failures and cancellation are returned as errors and fail the run.
func (s *Service) processTicker(ctx context.Context, ticker string, day time.Time) (tickerResult, error) {
	price, err := s.prices.Close(ctx, ticker, day)
	if err != nil {
		if ctx.Err() != nil {
			return tickerResult{}, ctx.Err()
		}
		return tickerResult{err: err}, nil
	}

	obs, err := s.resolver.Resolve(ctx, ticker, day, price)
	if err != nil {
		if ctx.Err() != nil {
			return tickerResult{}, ctx.Err()
		}
		return tickerResult{err: err}, nil
	}

	state, err := s.store.TickerState(ctx, obs.Ticker, day)
	if err != nil {
		return tickerResult{}, fmt.Errorf("load history for %s: %w", ticker, err)
	}

	res := tickerResult{observation: &obs}
	if !state.HasHistory() {
		seed := s.engine.Seed(obs.Ticker, day)
		res.sentiment = &seed
		return res, nil
	}

	if state.PrevMarketCap != nil && s.gapExceeded(state.PrevCapDate, day) {
		res.err = fmt.Errorf("%w: %s last observed %s", pulse.ErrInsufficientHistory, obs.Ticker, state.PrevCapDate.Format(time.DateOnly))
		return res, nil
	}

	rec, err := s.engine.Update(pulse.UpdateInput{
		Ticker:             obs.Ticker,
		Date:               day,
		MarketCapToday:     obs.MarketCap,
		MarketCapYesterday: state.PrevMarketCap,
		PriorRawEMA:        state.PriorRawEMA,
	})
	if err != nil {
		res.err = err
		return res, nil
	}
	res.sentiment = &rec
	return res, nil
}

func (s *Service) gapExceeded(prev, day time.Time) bool {
	return day.Sub(prev) > time.Duration(s.opts.MaxGapDays)*24*time.Hour
}

func isAbort(err error) bool {
	return errors.Is(err, pulse.ErrEmptySector) || errors.Is(err, pulse.ErrNoSectorData)
}

// finish stamps the report, records metrics, writes the audit row, and sends alerts.
func (s *Service) finish(ctx context.Context, logger zerolog.Logger, report RunReport, status RunStatus, runErr error) (RunReport, error) {
	report.Status = status
	report.FinishedAt = s.now().UTC()
	if runErr != nil {
		report.Error = runErr.Error()
	}

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	event := logger.Info()
	switch status {
	case StatusFailed, StatusAborted:
		event = logger.Error().Err(runErr)
	case StatusDegraded:
		event = logger.Warn()
	}
	event = event.Str("status", string(status)).
		Int("tickers", report.Tickers).
		Int("processed", report.Processed).
		Int("skipped_tickers", len(report.SkippedTickers)).
		Int("skipped_sectors", len(report.SkippedSectors)).
		Bool("systemic", report.Systemic)
	if report.Pulse != nil {
		event = event.Float64("pulse", *report.Pulse).Str("weighting", string(report.Weighting))
	}
	event.Msg("daily run finished")

	if status != StatusAlreadyProcessed {
		s.recordRun(ctx, logger, report)
	}
	if s.shouldNotify(status) {
		if err := s.notifier.Notify(ctx, NotificationFor(report)); err != nil {
			logger.Error().Err(err).Msg("failed to dispatch run summary")
		}
	}

	return report, runErr
}

func (s *Service) recordRun(ctx context.Context, logger zerolog.Logger, report RunReport) {
	if s.runs == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode run report")
		return
	}
	run := storage.RunRecord{
		ID:         report.ID,
		Date:       report.Date,
		Status:     string(report.Status),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Report:     payload,
	}
	if err := s.runs.InsertRun(ctx, run); err != nil {
		logger.Error().Err(err).Msg("failed to persist run record")
	}
}

func (s *Service) shouldNotify(status RunStatus) bool {
	if s.notifier == nil {
		return false
	}
	switch status {
	case StatusFailed, StatusAborted:
		return true
	case StatusDegraded:
		return s.opts.NotifyDegraded
	default:
		return false
	}
}

// NotificationFor converts a run report to an alert payload.
func NotificationFor(report RunReport) alerting.Notification {
	note := alerting.Notification{
		RunID:          report.ID.String(),
		Date:           report.Date,
		Status:         string(report.Status),
		Pulse:          report.Pulse,
		Weighting:      string(report.Weighting),
		SkippedTickers: report.SkippedTickers,
		SkippedSectors: report.SkippedSectors,
		Systemic:       report.Systemic,
		Error:          report.Error,
	}
	if len(report.ColdStarts) > 0 {
		cold := append([]string(nil), report.ColdStarts...)
		sort.Strings(cold)
		note.AdditionalMsg = fmt.Sprintf("Cold starts: %s\n", strings.Join(cold, ", "))
	}
	return note
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
