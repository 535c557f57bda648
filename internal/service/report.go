package service

import (
	"time"

	"github.com/google/uuid"

	"sentiment-pulse/internal/pulse"
)

// RunStatus is the outcome of one daily run.
type RunStatus string

const (
	StatusCommitted        RunStatus = "committed"
	StatusDegraded         RunStatus = "degraded"
	StatusAborted          RunStatus = "aborted"
	StatusAlreadyProcessed RunStatus = "already_processed"
	StatusFailed           RunStatus = "failed"
)

// RunReport summarises a daily run. It is persisted to the run audit log and
// drives alerting; it is not part of the append-only history.
type RunReport struct {
	ID             uuid.UUID           `json:"id"`
	Date           time.Time           `json:"date"`
	Status         RunStatus           `json:"status"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
	Tickers        int                 `json:"tickers"`
	Processed      int                 `json:"processed"`
	ColdStarts     []string            `json:"cold_starts,omitempty"`
	SkippedTickers map[string]string   `json:"skipped_tickers,omitempty"`
	SkippedSectors map[string]string   `json:"skipped_sectors,omitempty"`
	SectorScores   map[string]float64  `json:"sector_scores,omitempty"`
	Pulse          *float64            `json:"pulse,omitempty"`
	Weighting      pulse.WeightingMode `json:"weighting,omitempty"`
	Systemic       bool                `json:"systemic,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// Committed reports whether the date's records reached the history store.
func (r RunReport) Committed() bool {
	return r.Status == StatusCommitted || r.Status == StatusDegraded
}

func newReport(date time.Time, started time.Time) RunReport {
	return RunReport{
		ID:             uuid.New(),
		Date:           date,
		StartedAt:      started,
		SkippedTickers: make(map[string]string),
		SkippedSectors: make(map[string]string),
	}
}

// systemic reports whether every ticker failed at the source, which points at a
// provider outage rather than bad data for individual names.
func (r RunReport) systemic() bool {
	if r.Tickers == 0 || len(r.SkippedTickers) != r.Tickers {
		return false
	}
	for _, reason := range r.SkippedTickers {
		if reason != pulse.Reason(pulse.ErrSourceUnavailable) {
			return false
		}
	}
	return true
}
