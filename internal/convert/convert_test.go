package convert

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewinds/internal/dataset"
	"tradewinds/internal/model"
	"tradewinds/internal/partition"
	"tradewinds/internal/reference"
)

func testRefs(t *testing.T) *reference.Hierarchy {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"chapters.json":    `[{"hs": "01", "en": "Live animals"}, {"hs": "87", "en": "Vehicles other than railway"}]`,
		"headings.json":    `[{"hs": "8703", "en": "Motor cars"}]`,
		"commodities.json": `[{"hs": "87032310", "en": "Passenger vehicles, 1500-3000cc", "uom": "NMB"}]`,
		"provinces.json":   `[{"id": 5, "code": "ON", "en": "Ontario"}, {"id": 6, "code": "QC", "en": "Quebec"}]`,
		"countries.json": `[
			{"code": "9", "iso3": "USA", "en": "United States of America", "states": true},
			{"code": "11", "iso3": "GBR", "en": "United Kingdom"},
			{"code": "59", "iso3": "JPN", "en": "Japan"}
		]`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	refs, err := reference.Load(dir)
	require.NoError(t, err)
	return refs
}

func writeRaw(t *testing.T, root string, key model.Key, body string) {
	t.Helper()
	require.NoError(t, partition.Write(root, key, []byte(body)))
}

// Three partitions: an Ontario export file with a zero-valued row, a
// Canada-total export file carrying the US aggregate, and a Quebec
// import file with string-typed numerics.
func writeFixtureTree(t *testing.T, root string) {
	t.Helper()
	writeRaw(t, root, model.Key{Year: 2008, Month: 1, Chapter: "87", ProvinceID: 5, Flow: model.FlowExport}, `{"rows":[
		{"hsCode":"87032310","countryCode":"9","state":"MI","value":1000,"quantity":2},
		{"hsCode":"87032310","countryCode":"59","value":500,"quantity":1,"uom":"NMB"},
		{"hsCode":"870390","countryCode":"11","value":0,"quantity":0}
	]}`)
	writeRaw(t, root, model.Key{Year: 2008, Month: 1, Chapter: "87", ProvinceID: 0, Flow: model.FlowExport}, `{"rows":[
		{"hsCode":"87032310","countryCode":"9","value":1000,"quantity":2},
		{"hsCode":"87032310","countryCode":"11","value":800,"quantity":1}
	]}`)
	writeRaw(t, root, model.Key{Year: 2009, Month: 3, Chapter: "01", ProvinceID: 6, Flow: model.FlowImport}, `{"rows":[
		{"hs_code":"010121","country_code":"59","value":"250.5","qty":"3","desc":"Pure-bred horses"}
	]}`)
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
}

func buildFixture(t *testing.T, cfg Config) (*Result, []model.TradeRecord) {
	t.Helper()
	if cfg.RawDir == "" {
		cfg.RawDir = t.TempDir()
		writeFixtureTree(t, cfg.RawDir)
	}
	if cfg.OutDir == "" {
		cfg.OutDir = t.TempDir()
	}
	if cfg.Now == nil {
		cfg.Now = fixedNow
	}

	builder, err := NewBuilder(cfg, testRefs(t))
	require.NoError(t, err)

	result, err := builder.Build(context.Background())
	require.NoError(t, err)

	records, err := dataset.ReadTradeRecords(cfg.OutDir)
	require.NoError(t, err)
	return result, records
}

func TestBuildEndToEnd(t *testing.T) {
	outDir := t.TempDir()
	result, records := buildFixture(t, Config{OutDir: outDir})

	assert.Equal(t, 4, result.Records)
	assert.Equal(t, 3, result.Counters.Files)
	assert.Equal(t, 0, result.Counters.FileErrors)
	assert.Equal(t, 6, result.Counters.Rows)
	assert.Equal(t, 1, result.Counters.ZeroDropped)
	assert.Equal(t, 1, result.Counters.AggregateDropped)
	assert.Equal(t, 0, result.Counters.ChapterMiss)
	assert.Equal(t, 0, result.Counters.CountryUnmapped)

	require.Len(t, records, 4)

	first := records[0]
	assert.Equal(t, "Canada (Total)", first.Province)
	assert.Equal(t, "CA", first.ProvinceCode)
	assert.Equal(t, "GBR - United Kingdom", first.Destination)
	assert.Equal(t, "GBR", first.DestinationISO)
	assert.Equal(t, 800.0, first.Value)

	second := records[1]
	assert.Equal(t, "Ontario", second.Province)
	assert.Equal(t, "JPN - Japan", second.Destination)
	assert.Equal(t, "", second.DestinationState)

	third := records[2]
	assert.Equal(t, "USA - United States of America", third.Destination)
	assert.Equal(t, "MI", third.DestinationState)
	assert.Equal(t, "87032310", third.HSCode)
	assert.Equal(t, "87", third.HSChapter)
	assert.Equal(t, "8703", third.HSHeading)
	assert.Equal(t, "Vehicles other than railway", third.Chapter)
	assert.Equal(t, "Motor cars", third.Heading)
	assert.Equal(t, "Passenger vehicles, 1500-3000cc", third.Commodity)
	assert.Equal(t, "NMB", third.UOM, "unit comes from the commodity reference when the API omits it")

	fourth := records[3]
	assert.Equal(t, "Import", fourth.TradeType)
	assert.Equal(t, "Quebec", fourth.Province)
	assert.Equal(t, "010121", fourth.HSCode)
	assert.Equal(t, "Live animals", fourth.Chapter)
	assert.Equal(t, "", fourth.Heading, "heading 0101 is not in the reference")
	assert.Equal(t, "Pure-bred horses", fourth.Commodity, "falls back to the API description")
	assert.Equal(t, 250.5, fourth.Value)
	assert.Equal(t, 3.0, fourth.Quantity)
	assert.True(t, fourth.Date.Equal(time.Date(2009, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestBuildMetadata(t *testing.T) {
	outDir := t.TempDir()
	buildFixture(t, Config{OutDir: outDir})

	payload, err := os.ReadFile(filepath.Join(outDir, dataset.MetadataFile))
	require.NoError(t, err)

	var meta model.Metadata
	require.NoError(t, json.Unmarshal(payload, &meta))

	assert.Equal(t, "2026-08-23T12:00:00Z", meta.CreatedAt)
	assert.Equal(t, 4, meta.TotalRecords)
	assert.Equal(t, model.DateRange{Start: "2008-01-01", End: "2009-03-01"}, meta.DateRange)
	assert.Equal(t, []int{2008, 2009}, meta.Years)
	assert.Equal(t, []string{"Canada (Total)", "Ontario", "Quebec"}, meta.Provinces)
	assert.Equal(t, []string{"Export", "Import"}, meta.TradeTypes)
	assert.Equal(t, []string{"01", "87"}, meta.HSChapters)
	assert.Equal(t, 2550.5, meta.TotalValueCAD)
	assert.Equal(t, 2300.0, meta.ValueByFlow.Export)
	assert.Equal(t, 250.5, meta.ValueByFlow.Import)
	assert.Equal(t, dataset.TradeRecordsFile, meta.Files.TradeRecords)
	assert.Equal(t, dataset.LookupFile, meta.Files.HSLookup)
}

func TestBuildWritesLookupTable(t *testing.T) {
	outDir := t.TempDir()
	buildFixture(t, Config{OutDir: outDir})

	rows, err := dataset.ReadLookup(outDir)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, model.LevelChapter, rows[0].HSLevel)
	assert.Equal(t, "01", rows[0].HSCode)
	assert.Equal(t, model.LevelCommodity, rows[3].HSLevel)
	assert.Equal(t, "87032310", rows[3].HSCode)
	assert.Equal(t, "NMB", rows[3].UOM)
}

func TestBuildDeterministic(t *testing.T) {
	rawDir := t.TempDir()
	writeFixtureTree(t, rawDir)

	outA := t.TempDir()
	outB := t.TempDir()
	buildFixture(t, Config{RawDir: rawDir, OutDir: outA, Parallelism: 4})
	buildFixture(t, Config{RawDir: rawDir, OutDir: outB, Parallelism: 4})

	for _, name := range []string{dataset.TradeRecordsFile, dataset.LookupFile, dataset.MetadataFile} {
		bytesA, err := os.ReadFile(filepath.Join(outA, name))
		require.NoError(t, err)
		bytesB, err := os.ReadFile(filepath.Join(outB, name))
		require.NoError(t, err)
		assert.Equal(t, bytesA, bytesB, "%s must be byte-identical across rebuilds", name)
	}
}

func TestBuildAggregateRules(t *testing.T) {
	t.Run("custom rule drops matching rows", func(t *testing.T) {
		result, records := buildFixture(t, Config{
			Rules: []AggregateRule{{Name: "drop-japan-in-ontario", ProvinceID: 5, CountryCode: "59"}},
		})

		assert.Equal(t, 1, result.Counters.AggregateDropped)
		for _, record := range records {
			if record.Province == "Ontario" {
				assert.NotEqual(t, "JPN - Japan", record.Destination)
			}
		}
		// The default US rule is replaced, so the Canada-total US row stays.
		assert.Equal(t, 4, result.Records)
	})

	t.Run("empty rules disable aggregate filtering", func(t *testing.T) {
		result, records := buildFixture(t, Config{Rules: []AggregateRule{}})

		assert.Equal(t, 0, result.Counters.AggregateDropped)
		assert.Equal(t, 5, result.Records)

		var canadaUS int
		for _, record := range records {
			if record.Province == "Canada (Total)" && record.DestinationISO == "USA" {
				canadaUS++
			}
		}
		assert.Equal(t, 1, canadaUS)
	})
}

func TestBuildExcludesUnknownChapter(t *testing.T) {
	rawDir := t.TempDir()
	writeRaw(t, rawDir, model.Key{Year: 2008, Month: 1, Chapter: "99", ProvinceID: 5, Flow: model.FlowExport}, `{"rows":[
		{"hsCode":"990101","countryCode":"59","value":100,"quantity":1},
		{"hsCode":"87032310","countryCode":"59","value":200,"quantity":1}
	]}`)

	result, records := buildFixture(t, Config{RawDir: rawDir})

	assert.Equal(t, 1, result.Counters.ChapterMiss)
	require.Len(t, records, 1)
	assert.Equal(t, "87032310", records[0].HSCode)
}

func TestBuildDropsBothZeroRows(t *testing.T) {
	rawDir := t.TempDir()
	writeRaw(t, rawDir, model.Key{Year: 2024, Month: 3, Chapter: "87", ProvinceID: 5, Flow: model.FlowExport}, `{"rows":[
		{"hsCode":"87032310","countryCode":"59","value":50000,"quantity":10},
		{"hsCode":"87032310","countryCode":"59","value":0,"quantity":0}
	]}`)

	result, records := buildFixture(t, Config{RawDir: rawDir})

	assert.Equal(t, 1, result.Counters.ZeroDropped)
	require.Len(t, records, 1)
	assert.Equal(t, 50000.0, records[0].Value)
	assert.Equal(t, 10.0, records[0].Quantity)
}

func TestBuildSkipsMalformedPartition(t *testing.T) {
	rawDir := t.TempDir()
	writeRaw(t, rawDir, model.Key{Year: 2008, Month: 1, Chapter: "87", ProvinceID: 5, Flow: model.FlowExport}, `{"rows":[
		{"hsCode":"87032310","countryCode":"59","value":500,"quantity":1}
	]}`)
	writeRaw(t, rawDir, model.Key{Year: 2008, Month: 2, Chapter: "87", ProvinceID: 5, Flow: model.FlowExport}, `{"broken":`)

	result, records := buildFixture(t, Config{RawDir: rawDir})

	assert.Equal(t, 2, result.Counters.Files)
	assert.Equal(t, 1, result.Counters.FileErrors)
	require.Len(t, records, 1)
	assert.Equal(t, 500.0, records[0].Value)
}

func TestBuildKeepsUnmappedCountry(t *testing.T) {
	rawDir := t.TempDir()
	writeRaw(t, rawDir, model.Key{Year: 2008, Month: 1, Chapter: "87", ProvinceID: 5, Flow: model.FlowExport}, `{"rows":[
		{"hsCode":"87032310","countryCode":"777","countryName":"Atlantis","iso3":"ATL","value":100,"quantity":1}
	]}`)

	result, records := buildFixture(t, Config{RawDir: rawDir})

	assert.Equal(t, 1, result.Counters.CountryUnmapped)
	require.Len(t, records, 1)
	assert.Equal(t, "ATL - Atlantis", records[0].Destination)
	assert.Equal(t, "ATL", records[0].DestinationISO)
}

func TestBuildNoPartitions(t *testing.T) {
	builder, err := NewBuilder(Config{RawDir: t.TempDir(), OutDir: t.TempDir()}, testRefs(t))
	require.NoError(t, err)

	_, err = builder.Build(context.Background())
	assert.Error(t, err)
}

func TestNewBuilderValidation(t *testing.T) {
	refs := testRefs(t)

	_, err := NewBuilder(Config{OutDir: "out"}, refs)
	assert.Error(t, err)

	_, err = NewBuilder(Config{RawDir: "raw"}, refs)
	assert.Error(t, err)

	_, err = NewBuilder(Config{RawDir: "raw", OutDir: "out"}, nil)
	assert.Error(t, err)
}
