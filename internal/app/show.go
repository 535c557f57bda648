package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"sentiment-pulse/internal/storage"
)

// Show prints pulse history, one date's breakdown, or recent run audits.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show history")
	if err != nil {
		return err
	}
	defer closeStore()

	switch {
	case opts.Runs:
		return showRuns(ctx, os.Stdout, store, opts.Limit)
	case opts.Date != nil:
		return showDate(ctx, os.Stdout, store, *opts.Date)
	default:
		return showPulse(ctx, os.Stdout, store, opts.Limit)
	}
}

func showPulse(ctx context.Context, w io.Writer, store storage.HistoryQuerier, limit int) error {
	records, err := store.ListPulse(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no pulse records found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tPulse\tWeighting\tSectors")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%.6f\t%s\t%d\n", rec.Date.Format(time.DateOnly), rec.Score, rec.Weighting, rec.Sectors)
	}
	return writer.Flush()
}

func showDate(ctx context.Context, w io.Writer, store storage.HistoryQuerier, date time.Time) error {
	sectors, err := store.ListSectorDay(ctx, date)
	if err != nil {
		return err
	}
	tickers, err := store.ListTickerSentiment(ctx, date)
	if err != nil {
		return err
	}
	if len(sectors) == 0 && len(tickers) == 0 {
		fmt.Fprintf(w, "no records for %s\n", date.Format(time.DateOnly))
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sector\tScore\tConstituents\tMarket cap")
	for _, s := range sectors {
		fmt.Fprintf(writer, "%s\t%.6f\t%d\t%s\n", s.Sector, s.Score, s.Constituents, formatCap(s.MarketCap))
	}
	fmt.Fprintln(writer, "\t\t\t")
	fmt.Fprintln(writer, "Ticker\tReturn\tEMA\tNormalized")
	for _, t := range tickers {
		normalized := fmt.Sprintf("%.2f", t.NormalizedScore)
		if t.ColdStart {
			normalized += " (cold)"
		}
		fmt.Fprintf(writer, "%s\t%+.4f%%\t%.6f\t%s\n", t.Ticker, t.DailyReturn*100, t.RawScore, normalized)
	}
	return writer.Flush()
}

func showRuns(ctx context.Context, w io.Writer, store storage.RunLog, limit int) error {
	runs, err := store.ListRecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Run\tDate\tStatus\tFinished\tDuration")
	for _, run := range runs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			run.ID.String()[:8],
			run.Date.Format(time.DateOnly),
			run.Status,
			humanize.Time(run.FinishedAt),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond),
		)
	}
	return writer.Flush()
}

func formatCap(v float64) string {
	return strings.TrimSpace(humanize.SIWithDigits(v, 2, ""))
}
