package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"sentiment-pulse/internal/pulse"
)

const uniqueViolation = "23505"

const (
	insertMarketCapSQL = `INSERT INTO ticker_market_caps (
        trade_date, ticker, price, shares, market_cap
    ) VALUES ($1,$2,$3,$4,$5);`

	insertTickerSentimentSQL = `INSERT INTO ticker_sentiment (
        trade_date, ticker, daily_return, raw_score, normalized_score, cold_start
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	insertSectorSentimentSQL = `INSERT INTO sector_sentiment (
        trade_date, sector, score, constituents
    ) VALUES ($1,$2,$3,$4);`

	insertSectorCapSQL = `INSERT INTO sector_market_caps (
        trade_date, sector, market_cap
    ) VALUES ($1,$2,$3);`

	insertPulseSQL = `INSERT INTO pulse_scores (
        trade_date, score, weighting, sectors
    ) VALUES ($1,$2,$3,$4);`

	latestMarketCapSQL = `SELECT trade_date, market_cap::text
    FROM ticker_market_caps
    WHERE ticker = $1
      AND trade_date < $2
    ORDER BY trade_date DESC
    LIMIT 1;`

	latestRawScoreSQL = `SELECT trade_date, raw_score::text
    FROM ticker_sentiment
    WHERE ticker = $1
      AND trade_date < $2
    ORDER BY trade_date DESC
    LIMIT 1;`

	hasPulseSQL = `SELECT EXISTS (SELECT 1 FROM pulse_scores WHERE trade_date = $1);`

	latestPulseDateSQL = `SELECT max(trade_date) FROM pulse_scores;`

	listPulseSQL = `SELECT trade_date, score::text, weighting, sectors
    FROM pulse_scores
    ORDER BY trade_date DESC
    LIMIT $1;`

	listSectorDaySQL = `SELECT s.trade_date, s.sector, s.score::text, s.constituents, COALESCE(c.market_cap, 0)::text
    FROM sector_sentiment s
    LEFT JOIN sector_market_caps c
      ON c.trade_date = s.trade_date AND c.sector = s.sector
    WHERE s.trade_date = $1
    ORDER BY s.sector;`

	listTickerSentimentSQL = `SELECT trade_date, ticker, daily_return::text, raw_score::text, normalized_score::text, cold_start
    FROM ticker_sentiment
    WHERE trade_date = $1
    ORDER BY ticker;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// deleteFromSQL lists downstream tables first so a replay never sees a pulse without its inputs.
var deleteFromSQL = []string{
	`DELETE FROM pulse_scores WHERE trade_date >= $1;`,
	`DELETE FROM sector_market_caps WHERE trade_date >= $1;`,
	`DELETE FROM sector_sentiment WHERE trade_date >= $1;`,
	`DELETE FROM ticker_sentiment WHERE trade_date >= $1;`,
	`DELETE FROM ticker_market_caps WHERE trade_date >= $1;`,
}

// Store is the PostgreSQL-backed history store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// TickerState returns the latest market cap and raw EMA strictly before the given date.
func (s *Store) TickerState(ctx context.Context, ticker string, before time.Time) (TickerState, error) {
	pool, err := s.getPool()
	if err != nil {
		return TickerState{}, err
	}

	state := TickerState{Ticker: ticker}
	day := pulse.TradingDate(before)

	capDate, capValue, found, err := latestValue(ctx, pool, latestMarketCapSQL, ticker, day)
	if err != nil {
		return TickerState{}, fmt.Errorf("latest market cap: %w", err)
	}
	if found {
		state.PrevCapDate = capDate
		state.PrevMarketCap = &capValue
	}

	emaDate, emaValue, found, err := latestValue(ctx, pool, latestRawScoreSQL, ticker, day)
	if err != nil {
		return TickerState{}, fmt.Errorf("latest raw score: %w", err)
	}
	if found {
		state.PrevEMADate = emaDate
		state.PriorRawEMA = &emaValue
	}

	return state, nil
}

func latestValue(ctx context.Context, pool *pgxpool.Pool, query, ticker string, before time.Time) (time.Time, float64, bool, error) {
	var (
		date time.Time
		text string
	)
	if err := pool.QueryRow(ctx, query, ticker, before).Scan(&date, &text); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, 0, false, nil
		}
		return time.Time{}, 0, false, err
	}
	value, err := parseNumeric(text)
	if err != nil {
		return time.Time{}, 0, false, err
	}
	return pulse.TradingDate(date), value, true, nil
}

// HasPulse reports whether a pulse record is already committed for the date.
func (s *Store) HasPulse(ctx context.Context, date time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := pool.QueryRow(ctx, hasPulseSQL, pulse.TradingDate(date)).Scan(&exists); err != nil {
		return false, fmt.Errorf("has pulse: %w", err)
	}
	return exists, nil
}

// LatestPulseDate returns the most recent committed pulse date; ok is false on an empty history.
func (s *Store) LatestPulseDate(ctx context.Context) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var latest *time.Time
	if err := pool.QueryRow(ctx, latestPulseDateSQL).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("latest pulse date: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return pulse.TradingDate(*latest), true, nil
}

// CommitDay writes every record for a date in one transaction. Any existing key aborts the
// whole commit with ErrDuplicate, so a date is either fully present or untouched.
func (s *Store) CommitDay(ctx context.Context, day pulse.DayResult) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	date := pulse.TradingDate(day.Date)
	batch := &pgx.Batch{}
	for _, m := range day.MarketCaps {
		batch.Queue(insertMarketCapSQL, date, m.Ticker, numeric(m.Price), m.Shares, numeric(m.MarketCap))
	}
	for _, t := range day.Sentiments {
		batch.Queue(insertTickerSentimentSQL, date, t.Ticker, numeric(t.DailyReturn), numeric(t.RawScore), numeric(t.NormalizedScore), t.ColdStart)
	}
	for _, sc := range day.SectorScores {
		batch.Queue(insertSectorSentimentSQL, date, sc.Sector, numeric(sc.Score), sc.Constituents)
	}
	for _, c := range day.SectorCaps {
		batch.Queue(insertSectorCapSQL, date, c.Sector, numeric(c.MarketCap))
	}
	batch.Queue(insertPulseSQL, date, numeric(day.Pulse.Score), string(day.Pulse.Weighting), day.Pulse.Sectors)

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s (%s)", ErrDuplicate, date.Format(time.DateOnly), pgErr.ConstraintName)
		}
		return fmt.Errorf("commit day %s: %w", date.Format(time.DateOnly), err)
	}
	return nil
}

// DeleteFrom removes every history record on or after from. Used only by backfill replays.
func (s *Store) DeleteFrom(ctx context.Context, from time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range deleteFromSQL {
			tag, execErr := tx.Exec(ctx, stmt, pulse.TradingDate(from))
			if execErr != nil {
				return execErr
			}
			deleted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete history from %s: %w", from.Format(time.DateOnly), err)
	}
	return deleted, nil
}

// ListPulse lists the most recent pulse records, newest first.
func (s *Store) ListPulse(ctx context.Context, limit int) ([]pulse.PulseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPulseSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list pulse: %w", queryErr)
	}
	defer rows.Close()

	records := make([]pulse.PulseRecord, 0, limit)
	for rows.Next() {
		var (
			rec       pulse.PulseRecord
			scoreStr  string
			weighting string
		)
		if err := rows.Scan(&rec.Date, &scoreStr, &weighting, &rec.Sectors); err != nil {
			return nil, err
		}
		if rec.Score, err = parseNumeric(scoreStr); err != nil {
			return nil, fmt.Errorf("parse pulse score: %w", err)
		}
		rec.Weighting = pulse.WeightingMode(weighting)
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListSectorDay lists sector scores and caps for a date.
func (s *Store) ListSectorDay(ctx context.Context, date time.Time) ([]SectorDay, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSectorDaySQL, pulse.TradingDate(date))
	if queryErr != nil {
		return nil, fmt.Errorf("list sector day: %w", queryErr)
	}
	defer rows.Close()

	out := make([]SectorDay, 0)
	for rows.Next() {
		var (
			rec      SectorDay
			scoreStr string
			capStr   string
		)
		if err := rows.Scan(&rec.Date, &rec.Sector, &scoreStr, &rec.Constituents, &capStr); err != nil {
			return nil, err
		}
		if rec.Score, err = parseNumeric(scoreStr); err != nil {
			return nil, fmt.Errorf("parse sector score: %w", err)
		}
		if rec.MarketCap, err = parseNumeric(capStr); err != nil {
			return nil, fmt.Errorf("parse sector cap: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ListTickerSentiment lists ticker sentiment records for a date.
func (s *Store) ListTickerSentiment(ctx context.Context, date time.Time) ([]pulse.TickerSentimentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTickerSentimentSQL, pulse.TradingDate(date))
	if queryErr != nil {
		return nil, fmt.Errorf("list ticker sentiment: %w", queryErr)
	}
	defer rows.Close()

	out := make([]pulse.TickerSentimentRecord, 0)
	for rows.Next() {
		var rec pulse.TickerSentimentRecord
		var returnStr, rawStr, normStr string
		if err := rows.Scan(&rec.Date, &rec.Ticker, &returnStr, &rawStr, &normStr, &rec.ColdStart); err != nil {
			return nil, err
		}
		if rec.DailyReturn, err = parseNumeric(returnStr); err != nil {
			return nil, fmt.Errorf("parse daily return: %w", err)
		}
		if rec.RawScore, err = parseNumeric(rawStr); err != nil {
			return nil, fmt.Errorf("parse raw score: %w", err)
		}
		if rec.NormalizedScore, err = parseNumeric(normStr); err != nil {
			return nil, fmt.Errorf("parse normalized score: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// numeric encodes a float64 as the shortest decimal string that round-trips, for NUMERIC columns.
func numeric(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseNumeric(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

var (
	_ HistoryStore   = (*Store)(nil)
	_ HistoryQuerier = (*Store)(nil)
	_ RunLog         = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
