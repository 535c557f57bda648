package pulse

import "time"

// WeightingMode records how a pulse score was weighted.
type WeightingMode string

const (
	WeightingMarketCap WeightingMode = "market_cap"
	WeightingEqual     WeightingMode = "equal"
)

// MarketCapObservation is price × shares outstanding for one ticker on one date.
type MarketCapObservation struct {
	Date      time.Time
	Ticker    string
	Price     float64
	Shares    int64
	MarketCap float64
}

// TickerSentimentRecord is the smoothed daily-return signal for one ticker on one date.
type TickerSentimentRecord struct {
	Date            time.Time
	Ticker          string
	DailyReturn     float64
	RawScore        float64
	NormalizedScore float64
	ColdStart       bool
}

// SectorSentimentRecord is the unweighted mean of a sector's available constituent EMAs.
type SectorSentimentRecord struct {
	Date         time.Time
	Sector       string
	Score        float64
	Constituents int
}

// SectorMarketCapRecord is the sum of a sector's available constituent market caps.
type SectorMarketCapRecord struct {
	Date      time.Time
	Sector    string
	MarketCap float64
}

// PulseRecord is the overall score for a date.
type PulseRecord struct {
	Date      time.Time
	Score     float64
	Weighting WeightingMode
	Sectors   int
}

// DayResult bundles every record produced for a single date so it can be committed atomically.
type DayResult struct {
	Date         time.Time
	MarketCaps   []MarketCapObservation
	Sentiments   []TickerSentimentRecord
	SectorScores []SectorSentimentRecord
	SectorCaps   []SectorMarketCapRecord
	Pulse        PulseRecord
}

// TradingDate normalises t to midnight UTC of its calendar day.
func TradingDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsTradingDay reports whether the date falls on a weekday.
func IsTradingDay(t time.Time) bool {
	switch t.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}
