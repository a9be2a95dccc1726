package partition

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"tradewinds/internal/model"
)

// Raw partitions live at {root}/{flow}/{year}/{chapter}/{MM}_{provID}.json.
// One file per grid key, written atomically, holding the verbatim API
// response body.

type Entry struct {
	Key  model.Key
	Path string
}

func Dir(root string, key model.Key) string {
	return filepath.Join(root, string(key.Flow), fmt.Sprintf("%04d", key.Year), key.Chapter)
}

func Path(root string, key model.Key) string {
	return filepath.Join(Dir(root, key), fmt.Sprintf("%02d_%d.json", key.Month, key.ProvinceID))
}

// Exists reports whether a non-empty partition file is already present
// for the key. Writes are atomic, so any visible file is complete.
func Exists(root string, key model.Key) bool {
	info, err := os.Stat(Path(root, key))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Write persists the body under the key using write-then-rename so that
// no partial file is ever observable at the partition path.
func Write(root string, key model.Key, body []byte) error {
	dir := Dir(root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("partition: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".partition-*.tmp")
	if err != nil {
		return fmt.Errorf("partition: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("partition: write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("partition: sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("partition: close %s: %w", key, err)
	}

	final := Path(root, key)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("partition: rename %s: %w", key, err)
	}
	return nil
}

// Scan enumerates every partition file under both flow directories in
// deterministic path order. Files that do not match the layout are
// skipped with a warning.
func Scan(root string) ([]Entry, error) {
	entries := make([]Entry, 0)

	for _, flow := range []model.Flow{model.FlowExport, model.FlowImport} {
		flowDir := filepath.Join(root, string(flow))
		if _, err := os.Stat(flowDir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(flowDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
				return nil
			}
			key, perr := ParsePath(root, path)
			if perr != nil {
				log.Warn().Str("path", path).Err(perr).Msg("skipping unrecognized raw file")
				return nil
			}
			entries = append(entries, Entry{Key: key, Path: path})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("partition: scan %s: %w", flowDir, err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// ParsePath inverts Path, recovering the key from a partition file path.
func ParsePath(root, path string) (model.Key, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return model.Key{}, err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return model.Key{}, fmt.Errorf("partition: unexpected layout: %s", rel)
	}

	flow, err := model.ParseFlow(parts[0])
	if err != nil {
		return model.Key{}, err
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return model.Key{}, fmt.Errorf("partition: bad year in %s", rel)
	}
	chapter := parts[2]

	name := strings.TrimSuffix(parts[3], ".json")
	monthStr, provStr, ok := strings.Cut(name, "_")
	if !ok {
		return model.Key{}, fmt.Errorf("partition: bad filename: %s", parts[3])
	}
	month, err := strconv.Atoi(monthStr)
	if err != nil || month < 1 || month > 12 {
		return model.Key{}, fmt.Errorf("partition: bad month in %s", parts[3])
	}
	provinceID, err := strconv.Atoi(provStr)
	if err != nil || provinceID < 0 {
		return model.Key{}, fmt.Errorf("partition: bad province id in %s", parts[3])
	}

	return model.Key{
		Year:       year,
		Month:      month,
		Chapter:    chapter,
		ProvinceID: provinceID,
		Flow:       flow,
	}, nil
}
