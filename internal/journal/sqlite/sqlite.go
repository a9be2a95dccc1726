// Package sqlite persists the extraction journal in a single-file
// database next to the raw data.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tradewinds/internal/journal"
	"tradewinds/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	requests INTEGER NOT NULL,
	fetched INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	failed INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	run_id TEXT NOT NULL,
	flow TEXT NOT NULL,
	year INTEGER NOT NULL,
	month INTEGER NOT NULL,
	chapter TEXT NOT NULL,
	province_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	bytes INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (run_id, flow, year, month, chapter, province_id)
);

CREATE INDEX IF NOT EXISTS idx_outcomes_run_status ON outcomes(run_id, status);
`

type Journal struct {
	db *sql.DB
}

func New(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	// modernc sqlite does not tolerate concurrent writers on one file.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

func (j *Journal) RecordRun(ctx context.Context, run journal.Run, outcomes []journal.Outcome) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, requests, fetched, skipped, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			requests = excluded.requests,
			fetched = excluded.fetched,
			skipped = excluded.skipped,
			failed = excluded.failed
	`, run.ID,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		run.Requests, run.Fetched, run.Skipped, run.Failed); err != nil {
		return fmt.Errorf("journal: save run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (run_id, flow, year, month, chapter, province_id, status, detail, bytes, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, flow, year, month, chapter, province_id) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			bytes = excluded.bytes,
			duration_ms = excluded.duration_ms,
			recorded_at = excluded.recorded_at
	`)
	if err != nil {
		return fmt.Errorf("journal: prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	recordedAt := time.Now().UTC().Format(time.RFC3339)
	for _, outcome := range outcomes {
		key := outcome.Key
		if _, err := stmt.ExecContext(ctx,
			run.ID, string(key.Flow), key.Year, key.Month, key.Chapter, key.ProvinceID,
			string(outcome.Status), outcome.Detail, outcome.Bytes, outcome.Duration.Milliseconds(), recordedAt); err != nil {
			return fmt.Errorf("journal: save outcome for %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	return nil
}

func (j *Journal) FailedKeys(ctx context.Context) ([]model.Key, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT o.flow, o.year, o.month, o.chapter, o.province_id
		FROM outcomes o
		WHERE o.status = ?
		  AND o.run_id = (SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT 1)
		ORDER BY o.flow, o.year, o.month, o.chapter, o.province_id
	`, string(journal.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("journal: query failed keys: %w", err)
	}
	defer rows.Close()

	var keys []model.Key
	for rows.Next() {
		var flowText string
		var key model.Key
		if err := rows.Scan(&flowText, &key.Year, &key.Month, &key.Chapter, &key.ProvinceID); err != nil {
			return nil, fmt.Errorf("journal: scan failed key: %w", err)
		}
		flow, err := model.ParseFlow(flowText)
		if err != nil {
			return nil, fmt.Errorf("journal: failed key: %w", err)
		}
		key.Flow = flow
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate failed keys: %w", err)
	}
	return keys, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
