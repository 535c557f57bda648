package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sentiment-pulse/internal/pulse"
)

type entityKey struct {
	date   time.Time
	entity string
}

// MemoryStore is an in-process HistoryStore. With a base reader it acts as an overlay:
// lookups that find nothing locally fall through to base, restricted to dates before cutoff.
type MemoryStore struct {
	mu sync.RWMutex

	caps       map[entityKey]pulse.MarketCapObservation
	sentiments map[entityKey]pulse.TickerSentimentRecord
	sectors    map[entityKey]pulse.SectorSentimentRecord
	sectorCaps map[entityKey]pulse.SectorMarketCapRecord
	pulses     map[time.Time]pulse.PulseRecord
	runs       []RunRecord
	locks      map[int64]struct{}

	base   HistoryReader
	cutoff time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		caps:       make(map[entityKey]pulse.MarketCapObservation),
		sentiments: make(map[entityKey]pulse.TickerSentimentRecord),
		sectors:    make(map[entityKey]pulse.SectorSentimentRecord),
		sectorCaps: make(map[entityKey]pulse.SectorMarketCapRecord),
		pulses:     make(map[time.Time]pulse.PulseRecord),
		locks:      make(map[int64]struct{}),
	}
}

// NewOverlayStore reads committed history before cutoff from base and keeps every write in memory.
func NewOverlayStore(base HistoryReader, cutoff time.Time) *MemoryStore {
	m := NewMemoryStore()
	m.base = base
	m.cutoff = pulse.TradingDate(cutoff)
	return m
}

// TickerState implements HistoryReader.
func (m *MemoryStore) TickerState(ctx context.Context, ticker string, before time.Time) (TickerState, error) {
	day := pulse.TradingDate(before)

	m.mu.RLock()
	state := TickerState{Ticker: ticker}
	for k, obs := range m.caps {
		if k.entity != ticker || !k.date.Before(day) {
			continue
		}
		if state.PrevMarketCap == nil || k.date.After(state.PrevCapDate) {
			v := obs.MarketCap
			state.PrevMarketCap = &v
			state.PrevCapDate = k.date
		}
	}
	for k, rec := range m.sentiments {
		if k.entity != ticker || !k.date.Before(day) {
			continue
		}
		if state.PriorRawEMA == nil || k.date.After(state.PrevEMADate) {
			v := rec.RawScore
			state.PriorRawEMA = &v
			state.PrevEMADate = k.date
		}
	}
	m.mu.RUnlock()

	if m.base == nil || (state.PrevMarketCap != nil && state.PriorRawEMA != nil) {
		return state, nil
	}

	limit := day
	if !m.cutoff.IsZero() && m.cutoff.Before(limit) {
		limit = m.cutoff
	}
	baseState, err := m.base.TickerState(ctx, ticker, limit)
	if err != nil {
		return TickerState{}, err
	}
	if state.PrevMarketCap == nil {
		state.PrevMarketCap = baseState.PrevMarketCap
		state.PrevCapDate = baseState.PrevCapDate
	}
	if state.PriorRawEMA == nil {
		state.PriorRawEMA = baseState.PriorRawEMA
		state.PrevEMADate = baseState.PrevEMADate
	}
	return state, nil
}

// HasPulse implements HistoryReader.
func (m *MemoryStore) HasPulse(ctx context.Context, date time.Time) (bool, error) {
	day := pulse.TradingDate(date)
	m.mu.RLock()
	_, ok := m.pulses[day]
	m.mu.RUnlock()
	if ok || m.base == nil || !day.Before(m.cutoff) {
		return ok, nil
	}
	return m.base.HasPulse(ctx, day)
}

// LatestPulseDate implements HistoryReader. An overlay reports the later of its own and base's latest date.
func (m *MemoryStore) LatestPulseDate(ctx context.Context) (time.Time, bool, error) {
	var (
		latest time.Time
		found  bool
	)
	m.mu.RLock()
	for day := range m.pulses {
		if !found || day.After(latest) {
			latest, found = day, true
		}
	}
	m.mu.RUnlock()
	if m.base == nil {
		return latest, found, nil
	}
	baseLatest, ok, err := m.base.LatestPulseDate(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	if ok && (!found || baseLatest.After(latest)) {
		return baseLatest, true, nil
	}
	return latest, found, nil
}

// CommitDay implements HistoryStore. Nothing is written if any key already exists.
func (m *MemoryStore) CommitDay(_ context.Context, day pulse.DayResult) error {
	date := pulse.TradingDate(day.Date)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pulses[date]; ok {
		return fmt.Errorf("%w: pulse %s", ErrDuplicate, date.Format(time.DateOnly))
	}
	for _, c := range day.MarketCaps {
		if _, ok := m.caps[entityKey{date, c.Ticker}]; ok {
			return fmt.Errorf("%w: market cap %s %s", ErrDuplicate, c.Ticker, date.Format(time.DateOnly))
		}
	}
	for _, s := range day.Sentiments {
		if _, ok := m.sentiments[entityKey{date, s.Ticker}]; ok {
			return fmt.Errorf("%w: sentiment %s %s", ErrDuplicate, s.Ticker, date.Format(time.DateOnly))
		}
	}
	for _, s := range day.SectorScores {
		if _, ok := m.sectors[entityKey{date, s.Sector}]; ok {
			return fmt.Errorf("%w: sector %s %s", ErrDuplicate, s.Sector, date.Format(time.DateOnly))
		}
	}

	for _, c := range day.MarketCaps {
		c.Date = date
		m.caps[entityKey{date, c.Ticker}] = c
	}
	for _, s := range day.Sentiments {
		s.Date = date
		m.sentiments[entityKey{date, s.Ticker}] = s
	}
	for _, s := range day.SectorScores {
		s.Date = date
		m.sectors[entityKey{date, s.Sector}] = s
	}
	for _, c := range day.SectorCaps {
		c.Date = date
		m.sectorCaps[entityKey{date, c.Sector}] = c
	}
	p := day.Pulse
	p.Date = date
	m.pulses[date] = p
	return nil
}

// DeleteFrom implements HistoryStore.
func (m *MemoryStore) DeleteFrom(_ context.Context, from time.Time) (int64, error) {
	day := pulse.TradingDate(from)

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for k := range m.caps {
		if !k.date.Before(day) {
			delete(m.caps, k)
			deleted++
		}
	}
	for k := range m.sentiments {
		if !k.date.Before(day) {
			delete(m.sentiments, k)
			deleted++
		}
	}
	for k := range m.sectors {
		if !k.date.Before(day) {
			delete(m.sectors, k)
			deleted++
		}
	}
	for k := range m.sectorCaps {
		if !k.date.Before(day) {
			delete(m.sectorCaps, k)
			deleted++
		}
	}
	for d := range m.pulses {
		if !d.Before(day) {
			delete(m.pulses, d)
			deleted++
		}
	}
	return deleted, nil
}

// ListPulse implements HistoryQuerier for locally written records.
func (m *MemoryStore) ListPulse(_ context.Context, limit int) ([]pulse.PulseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]pulse.PulseRecord, 0, len(m.pulses))
	for _, p := range m.pulses {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSectorDay implements HistoryQuerier.
func (m *MemoryStore) ListSectorDay(_ context.Context, date time.Time) ([]SectorDay, error) {
	day := pulse.TradingDate(date)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SectorDay, 0)
	for k, s := range m.sectors {
		if !k.date.Equal(day) {
			continue
		}
		out = append(out, SectorDay{
			Date:         day,
			Sector:       s.Sector,
			Score:        s.Score,
			Constituents: s.Constituents,
			MarketCap:    m.sectorCaps[k].MarketCap,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sector < out[j].Sector })
	return out, nil
}

// ListTickerSentiment implements HistoryQuerier.
func (m *MemoryStore) ListTickerSentiment(_ context.Context, date time.Time) ([]pulse.TickerSentimentRecord, error) {
	day := pulse.TradingDate(date)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]pulse.TickerSentimentRecord, 0)
	for k, s := range m.sentiments {
		if k.date.Equal(day) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

// InsertRun implements RunLog.
func (m *MemoryStore) InsertRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListRecentRuns implements RunLog.
func (m *MemoryStore) ListRecentRuns(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RunRecord, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// TryAdvisoryLock implements AdvisoryLocker. Locks are not reentrant.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return nil, false, nil
	}
	m.locks[key] = struct{}{}
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, key)
			m.mu.Unlock()
		})
	}
	return unlock, true, nil
}

var (
	_ HistoryStore   = (*MemoryStore)(nil)
	_ HistoryQuerier = (*MemoryStore)(nil)
	_ RunLog         = (*MemoryStore)(nil)
	_ AdvisoryLocker = (*MemoryStore)(nil)
)
