package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"sentiment-pulse/internal/pulse"
	"sentiment-pulse/internal/service"
)

// NotifyTest sends a synthetic degraded-run summary through the configured alert channel.
func (a *App) NotifyTest(ctx context.Context) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	score := 0.0
	report := service.RunReport{
		ID:        uuid.New(),
		Date:      pulse.TradingDate(time.Now()),
		Status:    service.StatusDegraded,
		Pulse:     &score,
		Weighting: pulse.WeightingMarketCap,
		SkippedTickers: map[string]string{
			"TEST": pulse.Reason(pulse.ErrSourceUnavailable),
		},
	}
	note := service.NotificationFor(report)
	note.AdditionalMsg = "This is a test notification.\n"

	if err := notifier.Notify(ctx, note); err != nil {
		return err
	}
	a.Logger.Info().Msg("test notification sent")
	return nil
}
