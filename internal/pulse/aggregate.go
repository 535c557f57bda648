package pulse

import (
	"fmt"
	"sort"
	"time"
)

// PulseWeights returns the per-sector weights used for the pulse and the mode that produced them.
// Market-cap weights cover sectors present in both mappings; when no positive cap is
// available every sector with a score is weighted equally.
func PulseWeights(sentiments, caps map[string]float64) (map[string]float64, WeightingMode) {
	sectors := sortedKeys(sentiments)
	if len(sectors) == 0 {
		return map[string]float64{}, WeightingEqual
	}

	var total float64
	for _, s := range sectors {
		if c, ok := caps[s]; ok && c > 0 {
			total += c
		}
	}

	weights := make(map[string]float64, len(sectors))
	if total <= 0 {
		w := 1 / float64(len(sectors))
		for _, s := range sectors {
			weights[s] = w
		}
		return weights, WeightingEqual
	}

	for _, s := range sectors {
		if c, ok := caps[s]; ok && c > 0 {
			weights[s] = c / total
		}
	}
	return weights, WeightingMarketCap
}

// AggregatePulse computes the overall pulse for a date. caps may be nil.
func AggregatePulse(date time.Time, sentiments, caps map[string]float64) (PulseRecord, error) {
	day := TradingDate(date)
	if len(sentiments) == 0 {
		return PulseRecord{}, fmt.Errorf("%w: %s", ErrNoSectorData, day.Format(time.DateOnly))
	}

	weights, mode := PulseWeights(sentiments, caps)

	var score float64
	for _, s := range sortedKeys(weights) {
		score += weights[s] * sentiments[s]
	}

	return PulseRecord{
		Date:      day,
		Score:     score,
		Weighting: mode,
		Sectors:   len(weights),
	}, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
