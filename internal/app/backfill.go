package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"sentiment-pulse/internal/service"
)

// Backfill replays history forward from opts.From. Records from that date on are
// replaced and the replay runs through the latest committed date when it lies past
// opts.To; a dry run computes against committed history and writes nothing.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.To.Before(opts.From) {
		return errors.New("backfill range is empty; check --from/--to")
	}

	store, closeStore, err := a.requireStore(ctx, "backfill")
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := a.newPipeline(ctx, store, nil)
	if err != nil {
		return err
	}
	defer p.closer()

	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written to the database")
	}

	result, err := p.svc.Backfill(ctx, service.BackfillOptions{
		From:   opts.From,
		To:     opts.To,
		DryRun: opts.DryRun,
	})
	if errors.Is(err, service.ErrLockHeld) {
		return fmt.Errorf("backfill refused: %w", err)
	}
	printReplay(result.Reports)

	aborted := 0
	for _, r := range result.Reports {
		if r.Status == service.StatusAborted {
			aborted++
		}
	}
	a.Logger.Info().
		Int("days", len(result.Reports)).
		Int("aborted", aborted).
		Int64("deleted", result.Deleted).
		Str("to", result.To.Format(time.DateOnly)).
		Bool("dry_run", opts.DryRun).
		Msg("backfill finished")
	return err
}

func printReplay(reports []service.RunReport) {
	if len(reports) == 0 {
		fmt.Fprintln(os.Stdout, "no trading days in range")
		return
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tStatus\tPulse\tWeighting\tTickers\tSkipped\tSectorsSkipped")
	for _, r := range reports {
		score := "-"
		if r.Pulse != nil {
			score = fmt.Sprintf("%.6f", *r.Pulse)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\n",
			r.Date.Format(time.DateOnly),
			r.Status,
			score,
			r.Weighting,
			r.Processed,
			r.Tickers,
			len(r.SkippedTickers),
			len(r.SkippedSectors),
		)
	}
	writer.Flush()
}
