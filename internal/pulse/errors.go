package pulse

import "errors"

var (
	// ErrMissingSharesData indicates no shares-outstanding figure could be resolved for a ticker.
	ErrMissingSharesData = errors.New("pulse: missing shares outstanding")
	// ErrInsufficientHistory indicates the prior trading day's market cap is unavailable.
	ErrInsufficientHistory = errors.New("pulse: insufficient history")
	// ErrEmptySector indicates none of a sector's constituents resolved for the date.
	ErrEmptySector = errors.New("pulse: empty sector")
	// ErrNoSectorData indicates there is nothing to aggregate into a pulse score.
	ErrNoSectorData = errors.New("pulse: no sector data")
	// ErrSourceUnavailable indicates the price/shares source failed after retries.
	ErrSourceUnavailable = errors.New("pulse: source unavailable")
	// ErrNoPrice indicates the source answered but has no close for the ticker on that date.
	ErrNoPrice = errors.New("pulse: no price for date")
	// ErrInvalidInput indicates malformed arguments such as a non-positive price.
	ErrInvalidInput = errors.New("pulse: invalid input")
)

// Reason maps an error to a stable reason code used in run reports and metrics.
// An outage wrapped inside a data error reports as source_unavailable.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrMissingSharesData):
		return "missing_shares_data"
	case errors.Is(err, ErrInsufficientHistory):
		return "insufficient_history"
	case errors.Is(err, ErrEmptySector):
		return "empty_sector"
	case errors.Is(err, ErrNoSectorData):
		return "no_sector_data"
	case errors.Is(err, ErrNoPrice):
		return "no_price"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
