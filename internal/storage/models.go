package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TickerState is what the sentiment engine needs from history: the latest market cap and EMA
// strictly before a date. Nil fields mean no such record exists.
type TickerState struct {
	Ticker        string
	PrevCapDate   time.Time
	PrevMarketCap *float64
	PrevEMADate   time.Time
	PriorRawEMA   *float64
}

// HasHistory reports whether any prior record exists for the ticker.
func (s TickerState) HasHistory() bool {
	return s.PrevMarketCap != nil || s.PriorRawEMA != nil
}

// SectorDay joins a sector's sentiment and market-cap records for a single date.
type SectorDay struct {
	Date         time.Time
	Sector       string
	Score        float64
	Constituents int
	MarketCap    float64
}

// RunRecord is an audit row for one daily run. It is not part of the append-only history.
type RunRecord struct {
	ID         uuid.UUID
	Date       time.Time
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Report     json.RawMessage
}
