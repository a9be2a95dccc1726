// Package extract drives the report grid: every combination of flow,
// year, month, HS chapter, and province (plus the Canada total) becomes
// one fetch task. Tasks land in raw partitions; existing non-empty
// partitions are skipped so an interrupted run resumes where it stopped.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradewinds/internal/journal"
	"tradewinds/internal/metrics"
	"tradewinds/internal/model"
	"tradewinds/internal/partition"
	"tradewinds/internal/reference"
	"tradewinds/internal/statcan"
)

const defaultWorkers = 10

// Fetcher fetches the raw report body for one grid key.
type Fetcher interface {
	FetchReport(ctx context.Context, key model.Key) ([]byte, error)
}

type Config struct {
	RawDir  string
	Years   []int
	Workers int
	Flows   []model.Flow

	// OnlyFailed restricts the grid to the keys the journal recorded as
	// failed in the most recent run.
	OnlyFailed bool
}

type Runner struct {
	cfg     Config
	fetcher Fetcher
	refs    *reference.Hierarchy
	journal journal.Journal
}

func NewRunner(cfg Config, fetcher Fetcher, refs *reference.Hierarchy, jnl journal.Journal) (*Runner, error) {
	if cfg.RawDir == "" {
		return nil, errors.New("extract: raw directory required")
	}
	if fetcher == nil {
		return nil, errors.New("extract: fetcher required")
	}
	if refs == nil {
		return nil, errors.New("extract: reference hierarchy required")
	}
	if len(cfg.Years) == 0 && !cfg.OnlyFailed {
		return nil, errors.New("extract: at least one year required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if len(cfg.Flows) == 0 {
		cfg.Flows = []model.Flow{model.FlowExport, model.FlowImport}
	}
	if jnl == nil {
		jnl = journal.Nop{}
	}
	return &Runner{cfg: cfg, fetcher: fetcher, refs: refs, journal: jnl}, nil
}

// Run walks the grid with a bounded worker pool and reports per-key
// outcomes. A cancelled context stops feeding new tasks, lets in-flight
// ones finish, and still records what completed.
func (r *Runner) Run(ctx context.Context) (model.RunSummary, error) {
	keys, err := r.buildGrid(ctx)
	if err != nil {
		return model.RunSummary{}, err
	}

	runID := uuid.NewString()
	startedAt := time.Now().UTC()
	log.Info().
		Str("run_id", runID).
		Int("tasks", len(keys)).
		Int("workers", r.cfg.Workers).
		Msg("starting extraction")

	tasks := make(chan model.Key, r.cfg.Workers)
	outcomes := make([]journal.Outcome, 0, len(keys))
	var mu sync.Mutex
	var fetched, skipped, failed, completed atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range tasks {
				outcome := r.process(ctx, key)
				switch outcome.Status {
				case journal.StatusFetched:
					fetched.Add(1)
				case journal.StatusSkipped:
					skipped.Add(1)
				default:
					failed.Add(1)
				}
				metrics.TasksTotal.WithLabelValues(string(outcome.Status)).Inc()

				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()

				if n := completed.Add(1); n%500 == 0 {
					log.Info().Int64("completed", n).Int("total", len(keys)).Msg("extraction progress")
				}
			}
		}()
	}

feed:
	for _, key := range keys {
		select {
		case <-ctx.Done():
			break feed
		case tasks <- key:
		}
	}
	close(tasks)
	wg.Wait()

	finishedAt := time.Now().UTC()
	summary := model.RunSummary{
		Requests: int(completed.Load()),
		Fetched:  int(fetched.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}

	sort.Slice(outcomes, func(i, j int) bool {
		return keyLess(outcomes[i].Key, outcomes[j].Key)
	})

	run := journal.Run{
		ID:         runID,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Requests:   summary.Requests,
		Fetched:    summary.Fetched,
		Skipped:    summary.Skipped,
		Failed:     summary.Failed,
	}
	// Record even after cancellation, so the journal reflects what ran.
	recordCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.journal.RecordRun(recordCtx, run, outcomes); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("recording run failed")
	}

	log.Info().
		Str("run_id", runID).
		Int("requests", summary.Requests).
		Int("fetched", summary.Fetched).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("elapsed", finishedAt.Sub(startedAt)).
		Msg("extraction complete")

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (r *Runner) process(ctx context.Context, key model.Key) journal.Outcome {
	if partition.Exists(r.cfg.RawDir, key) {
		log.Debug().Stringer("key", key).Msg("partition exists, skipping")
		return journal.Outcome{Key: key, Status: journal.StatusSkipped}
	}

	start := time.Now()
	body, err := r.fetcher.FetchReport(ctx, key)
	elapsed := time.Since(start)
	if err != nil {
		metrics.HTTPErrorsTotal.WithLabelValues(errorClass(err)).Inc()
		log.Warn().Err(err).Stringer("key", key).Msg("fetch failed")
		return journal.Outcome{Key: key, Status: journal.StatusFailed, Detail: err.Error(), Duration: elapsed}
	}
	metrics.FetchDuration.Observe(elapsed.Seconds())

	if err := partition.Write(r.cfg.RawDir, key, body); err != nil {
		log.Error().Err(err).Stringer("key", key).Msg("writing partition failed")
		return journal.Outcome{Key: key, Status: journal.StatusFailed, Detail: err.Error(), Bytes: len(body), Duration: elapsed}
	}
	return journal.Outcome{Key: key, Status: journal.StatusFetched, Bytes: len(body), Duration: elapsed}
}

func (r *Runner) buildGrid(ctx context.Context) ([]model.Key, error) {
	if r.cfg.OnlyFailed {
		keys, err := r.journal.FailedKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("extract: load failed keys: %w", err)
		}
		if len(keys) == 0 {
			log.Info().Msg("no failed keys recorded, nothing to retry")
		}
		return keys, nil
	}

	chapters := r.refs.ChapterCodes()
	provinces := r.refs.Provinces()

	keys := make([]model.Key, 0, len(r.cfg.Flows)*len(r.cfg.Years)*12*len(chapters)*(len(provinces)+1))
	for _, flow := range r.cfg.Flows {
		for _, year := range r.cfg.Years {
			for month := 1; month <= 12; month++ {
				for _, chapter := range chapters {
					keys = append(keys, model.Key{
						Year: year, Month: month, Chapter: chapter,
						ProvinceID: reference.CanadaTotalID, Flow: flow,
					})
					for _, province := range provinces {
						keys = append(keys, model.Key{
							Year: year, Month: month, Chapter: chapter,
							ProvinceID: province.ID, Flow: flow,
						})
					}
				}
			}
		}
	}
	return keys, nil
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, statcan.ErrBadPayload):
		return "payload"
	case errors.Is(err, statcan.ErrStatus):
		return "http"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "network"
	}
}

func keyLess(a, b model.Key) bool {
	if a.Flow != b.Flow {
		return a.Flow < b.Flow
	}
	if a.Year != b.Year {
		return a.Year < b.Year
	}
	if a.Month != b.Month {
		return a.Month < b.Month
	}
	if a.Chapter != b.Chapter {
		return a.Chapter < b.Chapter
	}
	return a.ProvinceID < b.ProvinceID
}
