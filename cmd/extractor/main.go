package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradewinds/internal/extract"
	"tradewinds/internal/journal"
	journalsqlite "tradewinds/internal/journal/sqlite"
	"tradewinds/internal/metrics"
	"tradewinds/internal/model"
	"tradewinds/internal/reference"
	"tradewinds/internal/statcan"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func run(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	years := fs.String("years", "2008,2009,2010", "comma-separated years or ranges (e.g. 2008-2010)")
	flows := fs.String("flows", "export,import", "comma-separated flows")
	workers := fs.Int("workers", 10, "number of concurrent fetch workers")
	rawDir := fs.String("raw", "data/raw", "raw partition root")
	refDir := fs.String("reference", "data/reference", "reference data directory")
	journalPath := fs.String("journal", "tradewinds.db", "sqlite journal path (empty disables journaling)")
	onlyFailed := fs.Bool("only-failed", false, "re-fetch only the keys that failed in the last run")
	metricsAddr := fs.String("metrics-addr", "", "listen address for /metrics and /healthz (empty disables)")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	fs.Parse(args)

	if err := runExtractor(*years, *flows, *workers, *rawDir, *refDir, *journalPath, *onlyFailed, *metricsAddr, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "extractor run failed:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: extractor run [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options:")
	fmt.Fprintln(os.Stderr, "  -years         comma-separated years or ranges (default: 2008,2009,2010)")
	fmt.Fprintln(os.Stderr, "  -flows         comma-separated flows (default: export,import)")
	fmt.Fprintln(os.Stderr, "  -workers       number of concurrent fetch workers (default: 10)")
	fmt.Fprintln(os.Stderr, "  -raw           raw partition root (default: data/raw)")
	fmt.Fprintln(os.Stderr, "  -reference     reference data directory (default: data/reference)")
	fmt.Fprintln(os.Stderr, "  -journal       sqlite journal path (default: tradewinds.db)")
	fmt.Fprintln(os.Stderr, "  -only-failed   re-fetch only the keys that failed in the last run")
	fmt.Fprintln(os.Stderr, "  -metrics-addr  listen address for /metrics and /healthz")
	fmt.Fprintln(os.Stderr, "  -verbose       enable debug logging")
}

func runExtractor(yearsCSV, flowsCSV string, workers int, rawDir, refDir, journalPath string, onlyFailed bool, metricsAddr string, verbose bool) error {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var yearList []int
	if !onlyFailed {
		parsed, err := parseYears(yearsCSV)
		if err != nil {
			return err
		}
		yearList = parsed
	} else if strings.TrimSpace(journalPath) == "" {
		return errors.New("-only-failed requires a journal")
	}

	flowList, err := parseFlows(flowsCSV)
	if err != nil {
		return err
	}

	refs, err := reference.Load(refDir)
	if err != nil {
		return err
	}

	client, err := statcan.New()
	if err != nil {
		return err
	}

	jnl, err := openJournal(journalPath)
	if err != nil {
		return err
	}
	defer jnl.Close()

	runner, err := extract.NewRunner(extract.Config{
		RawDir:     rawDir,
		Years:      yearList,
		Workers:    workers,
		Flows:      flowList,
		OnlyFailed: onlyFailed,
	}, client, refs, jnl)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if server := metrics.Serve(metricsAddr); server != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("extractor run complete (requests=%d fetched=%d skipped=%d failed=%d)\n",
		summary.Requests, summary.Fetched, summary.Skipped, summary.Failed,
	)
	if summary.Failed > 0 {
		fmt.Printf("extractor run had failures=%d (re-run with -only-failed to retry)\n", summary.Failed)
	}
	return nil
}

func openJournal(path string) (journal.Journal, error) {
	if strings.TrimSpace(path) == "" {
		return journal.Nop{}, nil
	}
	return journalsqlite.New(path)
}

func parseYears(value string) ([]int, error) {
	seen := make(map[int]struct{})
	years := make([]int, 0, 4)
	add := func(year int) error {
		if year < 1900 || year > 2100 {
			return fmt.Errorf("year out of range: %d", year)
		}
		if _, ok := seen[year]; ok {
			return nil
		}
		seen[year] = struct{}{}
		years = append(years, year)
		return nil
	}

	for _, token := range strings.Split(value, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if start, end, ok := strings.Cut(token, "-"); ok {
			from, errFrom := strconv.Atoi(strings.TrimSpace(start))
			to, errTo := strconv.Atoi(strings.TrimSpace(end))
			if errFrom != nil || errTo != nil || to < from {
				return nil, fmt.Errorf("invalid year range: %s", token)
			}
			for year := from; year <= to; year++ {
				if err := add(year); err != nil {
					return nil, err
				}
			}
			continue
		}
		year, err := strconv.Atoi(token)
		if err != nil {
			return nil, fmt.Errorf("invalid year: %s", token)
		}
		if err := add(year); err != nil {
			return nil, err
		}
	}
	if len(years) == 0 {
		return nil, errors.New("no years provided")
	}
	sort.Ints(years)
	return years, nil
}

func parseFlows(value string) ([]model.Flow, error) {
	seen := make(map[model.Flow]struct{})
	flows := make([]model.Flow, 0, 2)
	for _, token := range strings.Split(value, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		flow, err := model.ParseFlow(token)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[flow]; ok {
			continue
		}
		seen[flow] = struct{}{}
		flows = append(flows, flow)
	}
	if len(flows) == 0 {
		return nil, errors.New("no flows provided")
	}
	return flows, nil
}
