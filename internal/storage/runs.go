package storage

import (
	"context"
	"fmt"
)

const (
	insertRunSQL = `INSERT INTO pulse_runs (
        id, trade_date, status, started_at, finished_at, report
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	listRecentRunsSQL = `SELECT id, trade_date, status, started_at, finished_at, report
    FROM pulse_runs
    ORDER BY started_at DESC
    LIMIT $1;`
)

// InsertRun stores a run audit record.
func (s *Store) InsertRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertRunSQL,
		run.ID,
		run.Date,
		run.Status,
		run.StartedAt,
		run.FinishedAt,
		[]byte(run.Report),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRecentRuns lists run audit records, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		var run RunRecord
		var report []byte
		if err := rows.Scan(&run.ID, &run.Date, &run.Status, &run.StartedAt, &run.FinishedAt, &report); err != nil {
			return nil, err
		}
		run.Report = report
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}
