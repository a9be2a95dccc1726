// Package dataset writes the processed outputs: the canonical trade
// table and HS lookup table as snappy-compressed parquet, plus the
// metadata sidecar. All writes go through a temp file and rename so a
// crashed run never leaves a half-written dataset behind.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"

	"tradewinds/internal/model"
)

const (
	TradeRecordsFile = "trade_records.parquet"
	LookupFile       = "hs_lookup.parquet"
	MetadataFile     = "metadata.json"
)

func WriteTradeRecords(dir string, records []model.TradeRecord) error {
	return writeParquet(filepath.Join(dir, TradeRecordsFile), records)
}

func WriteLookup(dir string, rows []model.LookupRow) error {
	return writeParquet(filepath.Join(dir, LookupFile), rows)
}

func WriteMetadata(dir string, meta model.Metadata) error {
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("dataset: encode metadata: %w", err)
	}
	payload = append(payload, '\n')
	return writeFileAtomic(filepath.Join(dir, MetadataFile), payload)
}

// ReadTradeRecords loads a canonical table back into memory. The
// verifier and tests use it; production reads go through DuckDB.
func ReadTradeRecords(dir string) ([]model.TradeRecord, error) {
	records, err := parquet.ReadFile[model.TradeRecord](filepath.Join(dir, TradeRecordsFile))
	if err != nil {
		return nil, fmt.Errorf("dataset: read trade records: %w", err)
	}
	return records, nil
}

func ReadLookup(dir string) ([]model.LookupRow, error) {
	rows, err := parquet.ReadFile[model.LookupRow](filepath.Join(dir, LookupFile))
	if err != nil {
		return nil, fmt.Errorf("dataset: read lookup: %w", err)
	}
	return rows, nil
}

func writeParquet[T any](path string, rows []T) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dataset: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dataset-*.tmp")
	if err != nil {
		return fmt.Errorf("dataset: create temp file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](tmp, parquet.Compression(&parquet.Snappy))
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("dataset: write rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("dataset: close writer: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("dataset: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("dataset: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("dataset: rename temp file: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dataset: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dataset-*.tmp")
	if err != nil {
		return fmt.Errorf("dataset: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("dataset: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("dataset: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("dataset: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("dataset: rename temp file: %w", err)
	}
	return nil
}
