// Package worklist loads and normalizes the full set of work items for a
// harvest run, either from a single CSV file or from a YAML manifest that
// lists several CSV sources.
package worklist

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nlgeodata/harvest-cli/internal/model"
)

// Manifest describes a multi-source work list.
type Manifest struct {
	Dataset string           `yaml:"dataset"`
	Sources []ManifestSource `yaml:"sources"`
}

// ManifestSource is one CSV file in a manifest. Paths are resolved relative
// to the manifest's directory.
type ManifestSource struct {
	Path string `yaml:"path"`
}

// Load reads work items from path. A .yaml/.yml file is treated as a
// manifest; anything else as a single CSV. Items are returned in file order
// with duplicate keys collapsed (first occurrence wins), so a run over the
// same inputs always sees the same list.
func Load(path string) ([]model.WorkItem, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return loadManifest(path)
	}
	return loadCSV(path)
}

func loadManifest(path string) ([]model.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "worklist: read manifest %s", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "worklist: parse manifest %s", path)
	}
	if len(m.Sources) == 0 {
		return nil, eris.Errorf("worklist: manifest %s lists no sources", path)
	}

	base := filepath.Dir(path)
	var items []model.WorkItem
	seen := make(map[string]bool)
	for _, src := range m.Sources {
		p := src.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		part, err := loadCSV(p)
		if err != nil {
			return nil, err
		}
		for _, it := range part {
			if k := it.Key(); !seen[k] {
				seen[k] = true
				items = append(items, it)
			}
		}
	}

	zap.L().Info("work list loaded from manifest",
		zap.String("dataset", m.Dataset),
		zap.Int("sources", len(m.Sources)),
		zap.Int("items", len(items)),
	)
	return items, nil
}

// colN returns column idx of a row, or "" when the row is too short.
func colN(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return row[idx]
}

// loadCSV reads a CSV with a header row. Columns "postcode" and
// "huisnummer" are required; every other column becomes an Extra field.
func loadCSV(path string) ([]model.WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "worklist: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	// Ragged exports are common; rows missing the key columns are skipped
	// and counted rather than failing the load.
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrapf(err, "worklist: read header of %s", path)
	}

	pcIdx, nrIdx := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "postcode":
			pcIdx = i
		case "huisnummer", "house_number":
			nrIdx = i
		}
	}
	if pcIdx < 0 || nrIdx < 0 {
		return nil, eris.Errorf("worklist: %s is missing postcode/huisnummer columns", path)
	}

	var items []model.WorkItem
	seen := make(map[string]bool)
	skipped := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "worklist: read row in %s", path)
		}

		pc := NormalizePostcode(colN(row, pcIdx))
		nr := NormalizeHouseNumber(colN(row, nrIdx))
		if pc == "" || nr == "" {
			skipped++
			continue
		}

		item := model.WorkItem{Postcode: pc, HouseNumber: nr}
		for i, col := range header {
			if i == pcIdx || i == nrIdx || i >= len(row) {
				continue
			}
			if val := NormalizeText(row[i]); val != "" {
				if item.Extra == nil {
					item.Extra = make(map[string]string)
				}
				item.Extra[strings.ToLower(strings.TrimSpace(col))] = val
			}
		}

		if k := item.Key(); !seen[k] {
			seen[k] = true
			items = append(items, item)
		}
	}

	if skipped > 0 {
		zap.L().Warn("skipped rows without postcode/huisnummer",
			zap.String("file", path),
			zap.Int("skipped", skipped),
		)
	}
	return items, nil
}
