package model

import (
	"fmt"
	"strings"
	"time"
)

type Flow string

const (
	FlowExport Flow = "export"
	FlowImport Flow = "import"
)

// Code returns the CIMT REST flow parameter (0 = export, 1 = import).
func (f Flow) Code() int {
	if f == FlowImport {
		return 1
	}
	return 0
}

// Label returns the trade_type value used in the canonical table.
func (f Flow) Label() string {
	if f == FlowImport {
		return "Import"
	}
	return "Export"
}

func ParseFlow(value string) (Flow, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "export", "exports", "0":
		return FlowExport, nil
	case "import", "imports", "1":
		return FlowImport, nil
	default:
		return "", fmt.Errorf("unknown flow: %s", value)
	}
}

// Key identifies one extraction request: a single month of a single HS
// chapter for one province (or the Canada total, province id 0) in one
// flow direction. It is also the raw partition address.
type Key struct {
	Year       int
	Month      int
	Chapter    string
	ProvinceID int
	Flow       Flow
}

// RefDate is the reference-period date the API expects, always the first
// day of the month.
func (k Key) RefDate() string {
	return fmt.Sprintf("%04d-%02d-01", k.Year, k.Month)
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%04d/%s/%02d/prov=%d", k.Flow, k.Year, k.Chapter, k.Month, k.ProvinceID)
}

// TradeRecord is one canonical row. Field order matches the column order
// of the output table.
type TradeRecord struct {
	Date             time.Time `parquet:"date,timestamp(millisecond)"`
	Year             int32     `parquet:"year"`
	Month            int32     `parquet:"month"`
	TradeType        string    `parquet:"trade_type"`
	Province         string    `parquet:"province"`
	ProvinceCode     string    `parquet:"province_code"`
	Destination      string    `parquet:"destination"`
	DestinationISO   string    `parquet:"destination_iso"`
	DestinationState string    `parquet:"destination_state"`
	HSCode           string    `parquet:"hs_code"`
	HSChapter        string    `parquet:"hs_chapter"`
	HSHeading        string    `parquet:"hs_heading"`
	Chapter          string    `parquet:"chapter"`
	Heading          string    `parquet:"heading"`
	Commodity        string    `parquet:"commodity"`
	Value            float64   `parquet:"value"`
	Quantity         float64   `parquet:"quantity"`
	UOM              string    `parquet:"uom"`
}

// LookupRow is one row of the HS hierarchy lookup table.
type LookupRow struct {
	HSLevel     string `parquet:"hs_level"`
	HSCode      string `parquet:"hs_code"`
	HSChapter   string `parquet:"hs_chapter"`
	HSHeading   string `parquet:"hs_heading"`
	Description string `parquet:"description"`
	UOM         string `parquet:"uom"`
}

const (
	LevelChapter   = "chapter"
	LevelHeading   = "heading"
	LevelCommodity = "commodity"
)

type Metadata struct {
	CreatedAt     string        `json:"created_at"`
	TotalRecords  int           `json:"total_records"`
	DateRange     DateRange     `json:"date_range"`
	Years         []int         `json:"years"`
	Provinces     []string      `json:"provinces"`
	TradeTypes    []string      `json:"trade_types"`
	HSChapters    []string      `json:"hs_chapters"`
	TotalValueCAD float64       `json:"total_value_cad"`
	ValueByFlow   ValueByFlow   `json:"value_by_flow"`
	Files         MetadataFiles `json:"files"`
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type ValueByFlow struct {
	Export float64 `json:"export"`
	Import float64 `json:"import"`
}

type MetadataFiles struct {
	TradeRecords string `json:"trade_records"`
	HSLookup     string `json:"hs_lookup"`
}

// RunSummary holds the end-of-run counters for an extraction run.
// Requests counts grid keys processed, whether fetched, skipped, or
// failed.
type RunSummary struct {
	Requests int
	Fetched  int
	Skipped  int
	Failed   int
}
