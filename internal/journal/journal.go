// Package journal records per-key extraction outcomes so a run can be
// audited afterwards and its failures re-driven without re-walking the
// whole grid.
package journal

import (
	"context"
	"time"

	"tradewinds/internal/model"
)

type Status string

const (
	StatusFetched Status = "fetched"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome is the terminal state of one grid key within a run. Detail
// carries the error text for failures and is empty otherwise; Bytes and
// Duration are zero for skipped keys.
type Outcome struct {
	Key      model.Key
	Status   Status
	Detail   string
	Bytes    int
	Duration time.Duration
}

// Run summarizes one extraction pass over the grid.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Requests   int
	Fetched    int
	Skipped    int
	Failed     int
}

type Journal interface {
	// RecordRun persists the run summary and all of its outcomes in one
	// transaction. Re-recording the same run id replaces its outcomes.
	RecordRun(ctx context.Context, run Run, outcomes []Outcome) error

	// FailedKeys returns the keys that failed in the most recent run, in
	// deterministic key order.
	FailedKeys(ctx context.Context) ([]model.Key, error)

	Close() error
}

// Nop discards everything. Used when journaling is disabled.
type Nop struct{}

func (Nop) RecordRun(context.Context, Run, []Outcome) error { return nil }

func (Nop) FailedKeys(context.Context) ([]model.Key, error) { return nil, nil }

func (Nop) Close() error { return nil }
