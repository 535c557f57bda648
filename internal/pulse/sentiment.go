package pulse

import (
	"fmt"
	"strings"
	"time"
)

// DefaultEMAWindow is the reference smoothing window in trading days.
const DefaultEMAWindow = 20

// UpdateInput carries everything a single EMA update depends on.
// Optional values are nil when the store has no prior record.
type UpdateInput struct {
	Ticker             string
	Date               time.Time
	MarketCapToday     float64
	MarketCapYesterday *float64
	PriorRawEMA        *float64
}

// Engine updates the per-ticker sentiment EMA. It holds no per-ticker state.
type Engine struct {
	window int
	alpha  float64
}

// NewEngine builds an engine with α = 2/(window+1).
func NewEngine(window int) (*Engine, error) {
	if window < 1 {
		return nil, fmt.Errorf("%w: ema window must be >= 1, got %d", ErrInvalidInput, window)
	}
	return &Engine{window: window, alpha: 2.0 / float64(window+1)}, nil
}

// Window returns the configured EMA window.
func (e *Engine) Window() int { return e.window }

// Alpha returns the smoothing constant.
func (e *Engine) Alpha() float64 { return e.alpha }

// Update computes today's raw and normalised score from explicit inputs.
func (e *Engine) Update(in UpdateInput) (TickerSentimentRecord, error) {
	ticker := strings.ToUpper(strings.TrimSpace(in.Ticker))
	if ticker == "" {
		return TickerSentimentRecord{}, fmt.Errorf("%w: empty ticker", ErrInvalidInput)
	}
	if in.MarketCapToday < 0 {
		return TickerSentimentRecord{}, fmt.Errorf("%w: negative market cap for %s", ErrInvalidInput, ticker)
	}
	if in.MarketCapYesterday == nil || *in.MarketCapYesterday <= 0 {
		return TickerSentimentRecord{}, fmt.Errorf("%w: %s on %s", ErrInsufficientHistory, ticker, TradingDate(in.Date).Format(time.DateOnly))
	}

	yesterday := *in.MarketCapYesterday
	dailyReturn := in.MarketCapToday/yesterday - 1

	prior := 0.0
	coldStart := true
	if in.PriorRawEMA != nil {
		prior = *in.PriorRawEMA
		coldStart = false
	}

	raw := e.alpha*dailyReturn + (1-e.alpha)*prior

	return TickerSentimentRecord{
		Date:            TradingDate(in.Date),
		Ticker:          ticker,
		DailyReturn:     dailyReturn,
		RawScore:        raw,
		NormalizedScore: Normalize(raw),
		ColdStart:       coldStart,
	}, nil
}

// Seed returns the record for a ticker's first ever observation: no return, EMA of zero.
func (e *Engine) Seed(ticker string, date time.Time) TickerSentimentRecord {
	return TickerSentimentRecord{
		Date:            TradingDate(date),
		Ticker:          strings.ToUpper(strings.TrimSpace(ticker)),
		RawScore:        0,
		NormalizedScore: Normalize(0),
		ColdStart:       true,
	}
}

// Normalize maps a raw EMA onto the nominal 0–100 scale. The result is not clamped.
func Normalize(raw float64) float64 {
	return raw*100 + 50
}
