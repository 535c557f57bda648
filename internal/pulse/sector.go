package pulse

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Membership maps sector name to its constituent tickers. A ticker may appear in several sectors.
type Membership map[string][]string

// NewMembership normalises tickers to upper case and drops duplicates and blanks.
func NewMembership(raw map[string][]string) Membership {
	m := make(Membership, len(raw))
	for sector, tickers := range raw {
		name := strings.TrimSpace(sector)
		if name == "" {
			continue
		}
		seen := make(map[string]struct{}, len(tickers))
		members := make([]string, 0, len(tickers))
		for _, t := range tickers {
			t = strings.ToUpper(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			members = append(members, t)
		}
		sort.Strings(members)
		m[name] = members
	}
	return m
}

// Sectors returns sector names in sorted order.
func (m Membership) Sectors() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tickers returns the distinct tickers across all sectors in sorted order.
func (m Membership) Tickers() []string {
	seen := make(map[string]struct{})
	for _, members := range m {
		for _, t := range members {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// EmptySectorPolicy decides what a sector with no resolvable constituents does to the run.
type EmptySectorPolicy string

const (
	EmptySectorSkip  EmptySectorPolicy = "skip"
	EmptySectorAbort EmptySectorPolicy = "abort"
)

// ParseEmptySectorPolicy validates a configured policy name.
func ParseEmptySectorPolicy(v string) (EmptySectorPolicy, error) {
	switch EmptySectorPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case EmptySectorSkip, "":
		return EmptySectorSkip, nil
	case EmptySectorAbort:
		return EmptySectorAbort, nil
	default:
		return "", fmt.Errorf("%w: unknown empty sector policy %q", ErrInvalidInput, v)
	}
}

// AggregateSector averages the available constituent EMAs and sums the available caps.
// Constituents missing from either mapping are excluded, never zero-filled.
func AggregateSector(date time.Time, sector string, constituents []string, scores, caps map[string]float64) (SectorSentimentRecord, SectorMarketCapRecord, error) {
	day := TradingDate(date)

	var (
		sum   float64
		count int
		total float64
	)
	for _, t := range constituents {
		if score, ok := scores[t]; ok {
			sum += score
			count++
		}
		if c, ok := caps[t]; ok {
			total += c
		}
	}

	if count == 0 {
		return SectorSentimentRecord{}, SectorMarketCapRecord{}, fmt.Errorf("%w: %s on %s", ErrEmptySector, sector, day.Format(time.DateOnly))
	}

	score := SectorSentimentRecord{
		Date:         day,
		Sector:       sector,
		Score:        sum / float64(count),
		Constituents: count,
	}
	capRec := SectorMarketCapRecord{
		Date:      day,
		Sector:    sector,
		MarketCap: total,
	}
	return score, capRec, nil
}

// SkippedSector records a sector left out of a date's pulse.
type SkippedSector struct {
	Sector string
	Err    error
}

// SectorSummary is the outcome of aggregating every configured sector for a date.
type SectorSummary struct {
	Scores  []SectorSentimentRecord
	Caps    []SectorMarketCapRecord
	Skipped []SkippedSector
}

// ScoreMap returns sector → score for the pulse aggregator.
func (s SectorSummary) ScoreMap() map[string]float64 {
	out := make(map[string]float64, len(s.Scores))
	for _, rec := range s.Scores {
		out[rec.Sector] = rec.Score
	}
	return out
}

// CapMap returns sector → market cap for the pulse aggregator.
func (s SectorSummary) CapMap() map[string]float64 {
	out := make(map[string]float64, len(s.Caps))
	for _, rec := range s.Caps {
		out[rec.Sector] = rec.MarketCap
	}
	return out
}

// SectorAggregator applies AggregateSector across a membership under an empty-sector policy.
type SectorAggregator struct {
	membership Membership
	policy     EmptySectorPolicy
}

// NewSectorAggregator constructs a sector aggregator.
func NewSectorAggregator(membership Membership, policy EmptySectorPolicy) *SectorAggregator {
	if policy == "" {
		policy = EmptySectorSkip
	}
	return &SectorAggregator{membership: membership, policy: policy}
}

// Membership exposes the sector configuration.
func (a *SectorAggregator) Membership() Membership { return a.membership }

// Aggregate computes one sector's records.
func (a *SectorAggregator) Aggregate(date time.Time, sector string, scores, caps map[string]float64) (SectorSentimentRecord, SectorMarketCapRecord, error) {
	constituents, ok := a.membership[sector]
	if !ok {
		return SectorSentimentRecord{}, SectorMarketCapRecord{}, fmt.Errorf("%w: unknown sector %q", ErrInvalidInput, sector)
	}
	return AggregateSector(date, sector, constituents, scores, caps)
}

// AggregateAll computes every sector. Under the abort policy the first empty sector fails the call.
func (a *SectorAggregator) AggregateAll(date time.Time, scores, caps map[string]float64) (SectorSummary, error) {
	var summary SectorSummary
	for _, sector := range a.membership.Sectors() {
		score, capRec, err := a.Aggregate(date, sector, scores, caps)
		if err != nil {
			if a.policy == EmptySectorAbort {
				return SectorSummary{}, err
			}
			summary.Skipped = append(summary.Skipped, SkippedSector{Sector: sector, Err: err})
			continue
		}
		summary.Scores = append(summary.Scores, score)
		summary.Caps = append(summary.Caps, capRec)
	}
	return summary, nil
}
