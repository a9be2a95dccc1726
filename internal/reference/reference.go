package reference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"tradewinds/internal/model"
)

// ErrUnavailable marks reference data that is missing or unparseable.
// Callers treat it as a fatal precondition failure: nothing can be
// enriched without the hierarchy, so no output may be written.
var ErrUnavailable = errors.New("reference: data unavailable")

const (
	chaptersFile    = "chapters.json"
	headingsFile    = "headings.json"
	commoditiesFile = "commodities.json"
	provincesFile   = "provinces.json"
	countriesFile   = "countries.json"
)

// CanadaTotalID is the pseudo-province the API uses for national totals.
const CanadaTotalID = 0

var canadaTotal = Province{ID: CanadaTotalID, Code: "CA", Name: "Canada (Total)"}

type Entry struct {
	Code        string
	Description string
	UOM         string
}

type Province struct {
	ID   int
	Code string
	Name string
}

type Country struct {
	Code   string
	ISO3   string
	Name   string
	States bool
}

// Hierarchy is the static reference data for one pipeline run: the HS
// chapter/heading/commodity descriptions plus the province and partner
// country maps. Loaded once, read-only afterwards.
type Hierarchy struct {
	chapters    map[string]Entry
	headings    map[string]Entry
	commodities map[string]Entry
	provinces   map[int]Province
	countries   map[string]Country
}

type hsEntry struct {
	HS  string `json:"hs"`
	EN  string `json:"en"`
	UOM string `json:"uom"`
}

type provinceEntry struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
	EN   string `json:"en"`
}

type countryEntry struct {
	Code   string `json:"code"`
	ISO3   string `json:"iso3"`
	EN     string `json:"en"`
	States bool   `json:"states"`
}

func Load(dir string) (*Hierarchy, error) {
	h := &Hierarchy{
		chapters:    make(map[string]Entry),
		headings:    make(map[string]Entry),
		commodities: make(map[string]Entry),
		provinces:   make(map[int]Province),
		countries:   make(map[string]Country),
	}

	for _, load := range []struct {
		file string
		dest map[string]Entry
	}{
		{chaptersFile, h.chapters},
		{headingsFile, h.headings},
		{commoditiesFile, h.commodities},
	} {
		entries, err := readJSON[hsEntry](filepath.Join(dir, load.file))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, load.file, err)
		}
		for _, entry := range entries {
			code := strings.TrimSpace(entry.HS)
			if code == "" {
				continue
			}
			load.dest[code] = Entry{
				Code:        code,
				Description: strings.TrimSpace(entry.EN),
				UOM:         strings.TrimSpace(entry.UOM),
			}
		}
	}

	provinces, err := readJSON[provinceEntry](filepath.Join(dir, provincesFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, provincesFile, err)
	}
	for _, entry := range provinces {
		h.provinces[entry.ID] = Province{
			ID:   entry.ID,
			Code: strings.TrimSpace(entry.Code),
			Name: strings.TrimSpace(entry.EN),
		}
	}

	countries, err := readJSON[countryEntry](filepath.Join(dir, countriesFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, countriesFile, err)
	}
	for _, entry := range countries {
		code := strings.TrimSpace(entry.Code)
		if code == "" {
			continue
		}
		h.countries[code] = Country{
			Code:   code,
			ISO3:   strings.ToUpper(strings.TrimSpace(entry.ISO3)),
			Name:   strings.TrimSpace(entry.EN),
			States: entry.States,
		}
	}

	if len(h.chapters) == 0 {
		return nil, fmt.Errorf("%w: %s: no entries", ErrUnavailable, chaptersFile)
	}
	if len(h.provinces) == 0 {
		return nil, fmt.Errorf("%w: %s: no entries", ErrUnavailable, provincesFile)
	}

	return h, nil
}

func readJSON[T any](path string) ([]T, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []T
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (h *Hierarchy) Chapter(code string) (Entry, bool) {
	entry, ok := h.chapters[code]
	return entry, ok
}

func (h *Hierarchy) Heading(code string) (Entry, bool) {
	entry, ok := h.headings[code]
	return entry, ok
}

func (h *Hierarchy) Commodity(code string) (Entry, bool) {
	entry, ok := h.commodities[code]
	return entry, ok
}

// Province resolves an API province id. Id 0 always resolves to the
// built-in Canada (Total) pseudo-province.
func (h *Hierarchy) Province(id int) (Province, bool) {
	if id == CanadaTotalID {
		return canadaTotal, true
	}
	province, ok := h.provinces[id]
	return province, ok
}

func (h *Hierarchy) Country(code string) (Country, bool) {
	country, ok := h.countries[code]
	return country, ok
}

// Provinces returns the real provinces sorted by id. The Canada total is
// not included; grid builders append CanadaTotalID themselves.
func (h *Hierarchy) Provinces() []Province {
	provinces := make([]Province, 0, len(h.provinces))
	for _, province := range h.provinces {
		provinces = append(provinces, province)
	}
	sort.Slice(provinces, func(i, j int) bool { return provinces[i].ID < provinces[j].ID })
	return provinces
}

// ChapterCodes returns all HS chapter codes in ascending order.
func (h *Hierarchy) ChapterCodes() []string {
	codes := make([]string, 0, len(h.chapters))
	for code := range h.chapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// LookupRows flattens the hierarchy into the lookup table: chapters first,
// then headings, then commodities, each level sorted by code.
func (h *Hierarchy) LookupRows() []model.LookupRow {
	rows := make([]model.LookupRow, 0, len(h.chapters)+len(h.headings)+len(h.commodities))

	for _, code := range sortedKeys(h.chapters) {
		entry := h.chapters[code]
		rows = append(rows, model.LookupRow{
			HSLevel:     model.LevelChapter,
			HSCode:      code,
			HSChapter:   code,
			Description: entry.Description,
		})
	}
	for _, code := range sortedKeys(h.headings) {
		entry := h.headings[code]
		rows = append(rows, model.LookupRow{
			HSLevel:     model.LevelHeading,
			HSCode:      code,
			HSChapter:   prefix(code, 2),
			HSHeading:   code,
			Description: entry.Description,
		})
	}
	for _, code := range sortedKeys(h.commodities) {
		entry := h.commodities[code]
		rows = append(rows, model.LookupRow{
			HSLevel:     model.LevelCommodity,
			HSCode:      code,
			HSChapter:   prefix(code, 2),
			HSHeading:   prefix(code, 4),
			Description: entry.Description,
			UOM:         entry.UOM,
		})
	}

	return rows
}

func sortedKeys(entries map[string]Entry) []string {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func prefix(code string, n int) string {
	if len(code) < n {
		return code
	}
	return code[:n]
}
