package storage

import (
	"context"
	"errors"
	"time"

	"sentiment-pulse/internal/pulse"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrDuplicate indicates a record already exists for the (date, entity) key.
	ErrDuplicate = errors.New("storage: record already exists")
)

// HistoryReader serves the prior-day lookups the pipeline depends on.
type HistoryReader interface {
	TickerState(ctx context.Context, ticker string, before time.Time) (TickerState, error)
	HasPulse(ctx context.Context, date time.Time) (bool, error)
	LatestPulseDate(ctx context.Context) (time.Time, bool, error)
}

// HistoryStore is the append-only history of ticker, sector, and pulse records.
// CommitDay writes a date's records atomically; DeleteFrom exists only for backfill replays.
type HistoryStore interface {
	HistoryReader
	CommitDay(ctx context.Context, day pulse.DayResult) error
	DeleteFrom(ctx context.Context, from time.Time) (int64, error)
}

// HistoryQuerier exposes read models for operators.
type HistoryQuerier interface {
	ListPulse(ctx context.Context, limit int) ([]pulse.PulseRecord, error)
	ListSectorDay(ctx context.Context, date time.Time) ([]SectorDay, error)
	ListTickerSentiment(ctx context.Context, date time.Time) ([]pulse.TickerSentimentRecord, error)
}

// RunLog persists run audit records.
type RunLog interface {
	InsertRun(ctx context.Context, run RunRecord) error
	ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
