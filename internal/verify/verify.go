// Package verify checks a built dataset the way downstream consumers
// will read it: through DuckDB over the parquet files. It cross-checks
// the tables against the metadata sidecar and against each other.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog/log"

	"tradewinds/internal/dataset"
	"tradewinds/internal/model"
)

// Metadata totals are rebuilt from float64 column sums, so allow the
// accumulated rounding of large datasets.
const valueTolerance = 0.5

type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

type Finding struct {
	Check  string
	Level  Level
	Detail string
}

type Report struct {
	Findings []Finding
}

// OK reports whether no error-level finding was recorded. Warnings do
// not fail a verification.
func (r *Report) OK() bool {
	for _, finding := range r.Findings {
		if finding.Level == LevelError {
			return false
		}
	}
	return true
}

func (r *Report) fail(check, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Check: check, Level: LevelError, Detail: fmt.Sprintf(format, args...)})
}

func (r *Report) warn(check, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Check: check, Level: LevelWarning, Detail: fmt.Sprintf(format, args...)})
}

func Verify(ctx context.Context, outDir string) (*Report, error) {
	payload, err := os.ReadFile(filepath.Join(outDir, dataset.MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("verify: read metadata: %w", err)
	}
	var meta model.Metadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("verify: decode metadata: %w", err)
	}
	if meta.Files.TradeRecords == "" {
		meta.Files.TradeRecords = dataset.TradeRecordsFile
	}
	if meta.Files.HSLookup == "" {
		meta.Files.HSLookup = dataset.LookupFile
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("verify: open duckdb: %w", err)
	}
	defer db.Close()

	recordsPath := filepath.Join(outDir, meta.Files.TradeRecords)
	lookupPath := filepath.Join(outDir, meta.Files.HSLookup)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE VIEW records AS SELECT * FROM read_parquet(%s)", quoteLiteral(recordsPath))); err != nil {
		return nil, fmt.Errorf("verify: open trade records: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE VIEW lookup AS SELECT * FROM read_parquet(%s)", quoteLiteral(lookupPath))); err != nil {
		return nil, fmt.Errorf("verify: open lookup: %w", err)
	}

	report := &Report{}

	count, err := queryInt(ctx, db, "SELECT COUNT(*) FROM records")
	if err != nil {
		return nil, err
	}
	if count != meta.TotalRecords {
		report.fail("record_count", "table has %d records, metadata says %d", count, meta.TotalRecords)
	}

	var total float64
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(SUM(value), 0) FROM records").Scan(&total); err != nil {
		return nil, fmt.Errorf("verify: sum values: %w", err)
	}
	if math.Abs(total-meta.TotalValueCAD) > valueTolerance {
		report.fail("total_value", "table sums to %.2f, metadata says %.2f", total, meta.TotalValueCAD)
	}

	var exportTotal, importTotal float64
	if err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN trade_type = 'Export' THEN value END), 0),
			COALESCE(SUM(CASE WHEN trade_type = 'Import' THEN value END), 0)
		FROM records`).Scan(&exportTotal, &importTotal); err != nil {
		return nil, fmt.Errorf("verify: sum flow values: %w", err)
	}
	if math.Abs(exportTotal-meta.ValueByFlow.Export) > valueTolerance {
		report.fail("export_value", "exports sum to %.2f, metadata says %.2f", exportTotal, meta.ValueByFlow.Export)
	}
	if math.Abs(importTotal-meta.ValueByFlow.Import) > valueTolerance {
		report.fail("import_value", "imports sum to %.2f, metadata says %.2f", importTotal, meta.ValueByFlow.Import)
	}

	orphanChapters, err := queryInt(ctx, db, `
		SELECT COUNT(*) FROM records
		WHERE hs_chapter NOT IN (SELECT hs_code FROM lookup WHERE hs_level = 'chapter')`)
	if err != nil {
		return nil, err
	}
	if orphanChapters > 0 {
		report.fail("chapter_integrity", "%d records reference chapters missing from the lookup table", orphanChapters)
	}

	// Heading text is optional in the reference, so a missing heading is
	// worth flagging but not failing.
	orphanHeadings, err := queryInt(ctx, db, `
		SELECT COUNT(*) FROM records
		WHERE hs_heading <> '' AND hs_heading NOT IN (SELECT hs_code FROM lookup WHERE hs_level = 'heading')`)
	if err != nil {
		return nil, err
	}
	if orphanHeadings > 0 {
		report.warn("heading_integrity", "%d records reference headings missing from the lookup table", orphanHeadings)
	}

	zeroRows, err := queryInt(ctx, db, "SELECT COUNT(*) FROM records WHERE value = 0 AND quantity = 0")
	if err != nil {
		return nil, err
	}
	if zeroRows > 0 {
		report.fail("zero_rows", "%d records have neither value nor quantity", zeroRows)
	}

	nullRows, err := queryInt(ctx, db, `
		SELECT COUNT(*) FROM records
		WHERE "date" IS NULL OR trade_type IS NULL OR province IS NULL
		   OR hs_code IS NULL OR hs_chapter IS NULL OR destination IS NULL`)
	if err != nil {
		return nil, err
	}
	if nullRows > 0 {
		report.fail("null_columns", "%d records have null key columns", nullRows)
	}

	duplicates, err := queryInt(ctx, db, `
		SELECT COUNT(*) FROM (
			SELECT year, month, trade_type, province, destination, destination_state, hs_code
			FROM records
			GROUP BY year, month, trade_type, province, destination, destination_state, hs_code
			HAVING COUNT(*) > 1
		)`)
	if err != nil {
		return nil, err
	}
	if duplicates > 0 {
		report.warn("duplicate_keys", "%d canonical keys appear more than once", duplicates)
	}

	for _, finding := range report.Findings {
		event := log.Error()
		if finding.Level == LevelWarning {
			event = log.Warn()
		}
		event.Str("check", finding.Check).Msg(finding.Detail)
	}
	if report.OK() {
		log.Info().Int("records", count).Int("warnings", len(report.Findings)).Msg("dataset verified")
	}
	return report, nil
}

func queryInt(ctx context.Context, db *sql.DB, query string) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("verify: query failed: %w", err)
	}
	return n, nil
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
