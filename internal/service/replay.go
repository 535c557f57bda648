package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentiment-pulse/internal/pulse"
	"sentiment-pulse/internal/storage"
)

// BackfillOptions select the dates to recompute.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}

// BackfillResult describes a finished backfill. To is the last date replayed,
// which is later than the requested end when history already extends past it.
type BackfillResult struct {
	From    time.Time
	To      time.Time
	Deleted int64
	Reports []RunReport
}

// Backfill deletes history from opts.From onward and replays every trading day
// through the later of opts.To and the latest committed pulse, so the EMA chain
// stays contiguous. The advisory lock is held for the whole operation. A dry run
// replays into an in-memory overlay and leaves the store untouched.
func (s *Service) Backfill(ctx context.Context, opts BackfillOptions) (BackfillResult, error) {
	start, end := pulse.TradingDate(opts.From), pulse.TradingDate(opts.To)
	if end.Before(start) {
		return BackfillResult{}, fmt.Errorf("%w: backfill end %s before start %s", pulse.ErrInvalidInput, end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	logger := s.logger.With().Str("from", start.Format(time.DateOnly)).Bool("dry_run", opts.DryRun).Logger()

	if !opts.DryRun {
		unlock, proceed, err := s.acquireLock(ctx)
		if err != nil {
			return BackfillResult{}, err
		}
		if !proceed {
			return BackfillResult{}, ErrLockHeld
		}
		if unlock != nil {
			defer unlock()
		}
	}

	latest, ok, err := s.store.LatestPulseDate(ctx)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("latest pulse date: %w", err)
	}
	if ok && latest.After(end) {
		logger.Info().
			Str("requested_to", end.Format(time.DateOnly)).
			Str("to", latest.Format(time.DateOnly)).
			Msg("extend backfill through latest committed date")
		end = latest
	}

	result := BackfillResult{From: start, To: end}
	target := s
	if opts.DryRun {
		target = s.withStore(storage.NewOverlayStore(s.store, start))
	} else {
		deleted, err := s.store.DeleteFrom(ctx, start)
		if err != nil {
			return result, fmt.Errorf("delete history: %w", err)
		}
		result.Deleted = deleted
		logger.Info().Int64("rows", deleted).Msg("history deleted")
	}

	result.Reports, err = target.replay(ctx, start, end)
	return result, err
}

// replay processes every trading day in [start, end] in order, without alerting.
// Aborted dates are reported and skipped; any other failure stops the replay.
func (s *Service) replay(ctx context.Context, start, end time.Time) ([]RunReport, error) {
	quiet := *s
	quiet.notifier = nil

	var reports []RunReport
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if !pulse.IsTradingDay(day) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, logger := quiet.startRun(day)
		report, err := quiet.processDate(ctx, logger, report)
		reports = append(reports, report)
		switch {
		case err == nil, report.Status == StatusAborted, errors.Is(err, ErrAlreadyProcessed):
			continue
		default:
			return reports, fmt.Errorf("replay %s: %w", day.Format(time.DateOnly), err)
		}
	}
	return reports, nil
}
