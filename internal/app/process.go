package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"sentiment-pulse/internal/pulse"
	"sentiment-pulse/internal/service"
)

// Process runs the pipeline once for a single date and prints the run report.
func (a *App) Process(ctx context.Context, opts ProcessOptions) error {
	if !pulse.IsTradingDay(opts.Date) {
		return fmt.Errorf("%s is not a trading day", opts.Date.Format("2006-01-02 (Mon)"))
	}

	store, closeStore, err := a.requireStore(ctx, "process a date")
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := a.newPipeline(ctx, store, a.newNotifier())
	if err != nil {
		return err
	}
	defer p.closer()

	report, err := p.svc.ProcessDate(ctx, opts.Date)
	if printErr := printReport(os.Stdout, report); printErr != nil {
		return printErr
	}
	if errors.Is(err, service.ErrAlreadyProcessed) {
		a.Logger.Info().Str("date", opts.Date.Format("2006-01-02")).Msg("date already processed; nothing to do")
		return nil
	}
	return err
}

func printReport(w io.Writer, report service.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
