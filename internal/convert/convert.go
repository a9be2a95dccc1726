// Package convert turns raw report partitions into the processed
// dataset: parse every partition, normalize and filter line items,
// enrich them against the HS hierarchy and geography references, and
// write the canonical table with its lookup table and metadata sidecar.
// Output is fully sorted, so rebuilding from the same raw tree and
// references yields byte-identical files.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradewinds/internal/dataset"
	"tradewinds/internal/model"
	"tradewinds/internal/partition"
	"tradewinds/internal/reference"
	"tradewinds/internal/statcan"
)

// AggregateRule drops line items that an aggregate partition already
// counts through finer-grained rows elsewhere. The default rule drops
// the United States total (country code 9) from Canada-total partitions,
// where the state-level rows carry the same trade.
type AggregateRule struct {
	Name        string
	ProvinceID  int
	CountryCode string
}

func DefaultAggregateRules() []AggregateRule {
	return []AggregateRule{
		{
			Name:        "us-total-in-canada-partitions",
			ProvinceID:  reference.CanadaTotalID,
			CountryCode: "9",
		},
	}
}

// Counters reports what the build saw and why rows were left out.
type Counters struct {
	Files            int
	FileErrors       int
	Rows             int
	PayloadDropped   int
	AggregateDropped int
	ZeroDropped      int
	ChapterMiss      int
	ProvinceMiss     int
	CountryUnmapped  int
}

func (c *Counters) add(other Counters) {
	c.Files += other.Files
	c.FileErrors += other.FileErrors
	c.Rows += other.Rows
	c.PayloadDropped += other.PayloadDropped
	c.AggregateDropped += other.AggregateDropped
	c.ZeroDropped += other.ZeroDropped
	c.ChapterMiss += other.ChapterMiss
	c.ProvinceMiss += other.ProvinceMiss
	c.CountryUnmapped += other.CountryUnmapped
}

type Result struct {
	Records  int
	Counters Counters
	OutDir   string
}

type Config struct {
	RawDir      string
	OutDir      string
	Parallelism int

	// Rules nil means DefaultAggregateRules; an empty slice disables
	// aggregate filtering.
	Rules []AggregateRule

	// Now overrides the metadata timestamp source.
	Now func() time.Time
}

type Builder struct {
	cfg  Config
	refs *reference.Hierarchy
}

func NewBuilder(cfg Config, refs *reference.Hierarchy) (*Builder, error) {
	if cfg.RawDir == "" {
		return nil, errors.New("convert: raw directory required")
	}
	if cfg.OutDir == "" {
		return nil, errors.New("convert: output directory required")
	}
	if refs == nil {
		return nil, errors.New("convert: reference hierarchy required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultAggregateRules()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Builder{cfg: cfg, refs: refs}, nil
}

func (b *Builder) Build(ctx context.Context) (*Result, error) {
	entries, err := partition.Scan(b.cfg.RawDir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("convert: no raw partitions under %s", b.cfg.RawDir)
	}

	log.Info().
		Int("partitions", len(entries)).
		Int("parallelism", b.cfg.Parallelism).
		Str("out", b.cfg.OutDir).
		Msg("building dataset")

	var mu sync.Mutex
	var records []model.TradeRecord
	var counters Counters

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.cfg.Parallelism)
	for _, entry := range entries {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			converted, local := b.convertFile(entry)
			mu.Lock()
			records = append(records, converted...)
			counters.add(local)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return recordLess(&records[i], &records[j])
	})

	if counters.ChapterMiss > 0 {
		log.Warn().Int("rows", counters.ChapterMiss).Msg("excluded rows with unknown HS chapter")
	}
	if counters.ProvinceMiss > 0 {
		log.Warn().Int("rows", counters.ProvinceMiss).Msg("excluded rows from partitions with unknown province")
	}
	if counters.CountryUnmapped > 0 {
		log.Warn().Int("rows", counters.CountryUnmapped).Msg("kept rows with unmapped country codes")
	}

	if err := dataset.WriteTradeRecords(b.cfg.OutDir, records); err != nil {
		return nil, err
	}
	if err := dataset.WriteLookup(b.cfg.OutDir, b.refs.LookupRows()); err != nil {
		return nil, err
	}
	if err := dataset.WriteMetadata(b.cfg.OutDir, b.metadata(records)); err != nil {
		return nil, err
	}

	result := &Result{Records: len(records), Counters: counters, OutDir: b.cfg.OutDir}
	log.Info().
		Int("records", result.Records).
		Int("files", counters.Files).
		Int("file_errors", counters.FileErrors).
		Int("rows", counters.Rows).
		Int("zero_dropped", counters.ZeroDropped).
		Int("aggregate_dropped", counters.AggregateDropped).
		Msg("dataset built")
	return result, nil
}

// convertFile parses one partition and returns its canonical rows. A
// file that cannot be read or decoded is reported and skipped; it does
// not abort the build.
func (b *Builder) convertFile(entry partition.Entry) ([]model.TradeRecord, Counters) {
	counters := Counters{Files: 1}

	body, err := os.ReadFile(entry.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", entry.Path).Msg("skipping unreadable partition")
		counters.FileErrors = 1
		return nil, counters
	}

	report, err := statcan.DecodeReport(body)
	if err != nil {
		log.Warn().Err(err).Str("path", entry.Path).Msg("skipping undecodable partition")
		counters.FileErrors = 1
		return nil, counters
	}
	counters.PayloadDropped = report.Dropped

	province, ok := b.refs.Province(entry.Key.ProvinceID)
	if !ok {
		log.Warn().Int("province_id", entry.Key.ProvinceID).Str("path", entry.Path).Msg("skipping partition with unknown province")
		counters.ProvinceMiss = len(report.Rows)
		return nil, counters
	}

	records := make([]model.TradeRecord, 0, len(report.Rows))
	for _, item := range report.Rows {
		counters.Rows++
		if b.dropAggregate(entry.Key, item) {
			counters.AggregateDropped++
			continue
		}
		if item.Value == 0 && item.Quantity == 0 {
			counters.ZeroDropped++
			continue
		}
		record, ok := b.enrich(entry.Key, province, item, &counters)
		if !ok {
			continue
		}
		records = append(records, record)
	}
	return records, counters
}

func (b *Builder) dropAggregate(key model.Key, item statcan.LineItem) bool {
	for _, rule := range b.cfg.Rules {
		if key.ProvinceID == rule.ProvinceID && item.CountryCode == rule.CountryCode {
			return true
		}
	}
	return false
}

func (b *Builder) enrich(key model.Key, province reference.Province, item statcan.LineItem, counters *Counters) (model.TradeRecord, bool) {
	chapterCode := hsPrefix(item.HSCode, 2)
	chapter, ok := b.refs.Chapter(chapterCode)
	if !ok {
		counters.ChapterMiss++
		log.Debug().Str("hs_code", item.HSCode).Stringer("key", key).Msg("excluding row with unknown chapter")
		return model.TradeRecord{}, false
	}

	record := model.TradeRecord{
		Date:         time.Date(key.Year, time.Month(key.Month), 1, 0, 0, 0, 0, time.UTC),
		Year:         int32(key.Year),
		Month:        int32(key.Month),
		TradeType:    key.Flow.Label(),
		Province:     province.Name,
		ProvinceCode: province.Code,
		HSCode:       item.HSCode,
		HSChapter:    chapterCode,
		HSHeading:    hsPrefix(item.HSCode, 4),
		Chapter:      chapter.Description,
		Value:        item.Value,
		Quantity:     item.Quantity,
		UOM:          item.UOM,
	}

	if heading, ok := b.refs.Heading(record.HSHeading); ok {
		record.Heading = heading.Description
	}
	if commodity, ok := b.refs.Commodity(item.HSCode); ok {
		record.Commodity = commodity.Description
		if record.UOM == "" {
			record.UOM = commodity.UOM
		}
	} else if item.Description != "" {
		record.Commodity = item.Description
	}

	b.setDestination(&record, item, counters)
	return record, true
}

// setDestination prefers the country reference so the same partner is
// always labelled the same way; rows the reference cannot map keep
// whatever the API sent.
func (b *Builder) setDestination(record *model.TradeRecord, item statcan.LineItem, counters *Counters) {
	if country, ok := b.refs.Country(item.CountryCode); ok {
		record.Destination = country.ISO3 + " - " + country.Name
		record.DestinationISO = country.ISO3
		if country.States {
			record.DestinationState = item.State
		}
		return
	}

	counters.CountryUnmapped++
	record.DestinationISO = item.CountryISO
	record.DestinationState = item.State
	switch {
	case item.CountryISO != "" && item.CountryName != "":
		record.Destination = item.CountryISO + " - " + item.CountryName
	case item.CountryName != "":
		record.Destination = item.CountryName
	default:
		record.Destination = item.CountryCode
	}
	log.Debug().Str("country_code", item.CountryCode).Str("destination", record.Destination).Msg("country code not in reference")
}

func (b *Builder) metadata(records []model.TradeRecord) model.Metadata {
	meta := model.Metadata{
		CreatedAt:    b.cfg.Now().UTC().Format(time.RFC3339),
		TotalRecords: len(records),
		Years:        []int{},
		Provinces:    []string{},
		TradeTypes:   []string{},
		HSChapters:   []string{},
		Files: model.MetadataFiles{
			TradeRecords: dataset.TradeRecordsFile,
			HSLookup:     dataset.LookupFile,
		},
	}
	if len(records) == 0 {
		return meta
	}

	meta.DateRange = model.DateRange{
		Start: records[0].Date.Format("2006-01-02"),
		End:   records[len(records)-1].Date.Format("2006-01-02"),
	}

	years := map[int]struct{}{}
	provinces := map[string]struct{}{}
	tradeTypes := map[string]struct{}{}
	chapters := map[string]struct{}{}
	total := decimal.Zero
	exportTotal := decimal.Zero
	importTotal := decimal.Zero

	for i := range records {
		record := &records[i]
		years[int(record.Year)] = struct{}{}
		provinces[record.Province] = struct{}{}
		tradeTypes[record.TradeType] = struct{}{}
		chapters[record.HSChapter] = struct{}{}

		value := decimal.NewFromFloat(record.Value)
		total = total.Add(value)
		if record.TradeType == model.FlowImport.Label() {
			importTotal = importTotal.Add(value)
		} else {
			exportTotal = exportTotal.Add(value)
		}
	}

	meta.Years = sortedIntKeys(years)
	meta.Provinces = sortedKeys(provinces)
	meta.TradeTypes = sortedKeys(tradeTypes)
	meta.HSChapters = sortedKeys(chapters)
	meta.TotalValueCAD, _ = total.Float64()
	meta.ValueByFlow.Export, _ = exportTotal.Float64()
	meta.ValueByFlow.Import, _ = importTotal.Float64()
	return meta
}

func recordLess(a, b *model.TradeRecord) bool {
	if a.Year != b.Year {
		return a.Year < b.Year
	}
	if a.Month != b.Month {
		return a.Month < b.Month
	}
	if a.TradeType != b.TradeType {
		return a.TradeType < b.TradeType
	}
	if a.Province != b.Province {
		return a.Province < b.Province
	}
	if a.Destination != b.Destination {
		return a.Destination < b.Destination
	}
	if a.HSCode != b.HSCode {
		return a.HSCode < b.HSCode
	}
	if a.DestinationState != b.DestinationState {
		return a.DestinationState < b.DestinationState
	}
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.Quantity < b.Quantity
}

func hsPrefix(code string, n int) string {
	if len(code) < n {
		return ""
	}
	return code[:n]
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedIntKeys(set map[int]struct{}) []int {
	keys := make([]int, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}
