package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// RunsTotal counts daily runs by outcome.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_runs_total",
			Help: "Total number of daily pulse runs",
		},
		[]string{"status"}, // committed|degraded|aborted|already_processed|failed
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_run_duration_seconds",
			Help:    "Duration of a daily pulse run",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// TickersSkipped counts tickers excluded from a date's aggregates.
	TickersSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_tickers_skipped_total",
			Help: "Tickers excluded from daily aggregates",
		},
		[]string{"reason"},
	)

	SectorsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sectors_skipped_total",
			Help: "Sectors excluded from the daily pulse",
		},
		[]string{"reason"},
	)

	// SourceRequests counts market-data requests by endpoint and HTTP status.
	SourceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_source_requests_total",
			Help: "Market data source requests",
		},
		[]string{"endpoint", "status"},
	)

	SharesCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_shares_cache_total",
			Help: "Shares outstanding cache lookups",
		},
		[]string{"result"}, // hit|miss|error
	)

	// LatestScore exposes the most recently committed pulse score.
	LatestScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_latest_score",
			Help: "Most recently committed pulse score",
		},
	)

	SectorScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_sector_score",
			Help: "Most recently committed sector sentiment score",
		},
		[]string{"sector"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			RunDuration,
			TickersSkipped,
			SectorsSkipped,
			SourceRequests,
			SharesCache,
			LatestScore,
			SectorScore,
		)
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
