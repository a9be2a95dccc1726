package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradewinds/internal/convert"
	"tradewinds/internal/reference"
	"tradewinds/internal/verify"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "build":
		build(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func build(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	rawDir := fs.String("raw", "data/raw", "raw partition root")
	outDir := fs.String("out", "data/processed", "processed dataset directory")
	refDir := fs.String("reference", "data/reference", "reference data directory")
	parallelism := fs.Int("parallelism", 0, "parse workers (0 = number of CPUs)")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	fs.Parse(args)

	if err := runBuild(*rawDir, *outDir, *refDir, *parallelism, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "converter build failed:", err)
		os.Exit(1)
	}
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	outDir := fs.String("out", "data/processed", "processed dataset directory")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	fs.Parse(args)

	if err := runVerification(*outDir, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "converter verify failed:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: converter <build|verify> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "build options:")
	fmt.Fprintln(os.Stderr, "  -raw          raw partition root (default: data/raw)")
	fmt.Fprintln(os.Stderr, "  -out          processed dataset directory (default: data/processed)")
	fmt.Fprintln(os.Stderr, "  -reference    reference data directory (default: data/reference)")
	fmt.Fprintln(os.Stderr, "  -parallelism  parse workers (default: number of CPUs)")
	fmt.Fprintln(os.Stderr, "  -verbose      enable debug logging")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "verify options:")
	fmt.Fprintln(os.Stderr, "  -out          processed dataset directory (default: data/processed)")
	fmt.Fprintln(os.Stderr, "  -verbose      enable debug logging")
}

func runBuild(rawDir, outDir, refDir string, parallelism int, verbose bool) error {
	setLogLevel(verbose)

	// Reference data is required before any output is written.
	refs, err := reference.Load(refDir)
	if err != nil {
		return err
	}

	builder, err := convert.NewBuilder(convert.Config{
		RawDir:      rawDir,
		OutDir:      outDir,
		Parallelism: parallelism,
	}, refs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := builder.Build(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("converter build complete (records=%d files=%d rows=%d zero_dropped=%d aggregate_dropped=%d)\n",
		result.Records,
		result.Counters.Files,
		result.Counters.Rows,
		result.Counters.ZeroDropped,
		result.Counters.AggregateDropped,
	)
	if result.Counters.FileErrors > 0 {
		fmt.Printf("converter build skipped unreadable files=%d\n", result.Counters.FileErrors)
	}
	if result.Counters.ChapterMiss > 0 {
		fmt.Printf("converter build excluded unknown-chapter rows=%d\n", result.Counters.ChapterMiss)
	}
	return nil
}

func runVerification(outDir string, verbose bool) error {
	setLogLevel(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := verify.Verify(ctx, outDir)
	if err != nil {
		return err
	}

	var errorCount, warningCount int
	for _, finding := range report.Findings {
		if finding.Level == verify.LevelError {
			errorCount++
		} else {
			warningCount++
		}
	}
	if !report.OK() {
		return fmt.Errorf("%d checks failed (%d warnings)", errorCount, warningCount)
	}

	fmt.Printf("converter verify passed (warnings=%d)\n", warningCount)
	return nil
}

func setLogLevel(verbose bool) {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
