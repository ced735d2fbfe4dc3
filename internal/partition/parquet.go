package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nlgeodata/harvest-cli/internal/model"
)

const parquetExt = ".parquet"

// Reserved column names; fetched field columns may not shadow them.
const (
	colKey       = "key"
	colFetchedAt = "fetched_at"
)

// columnKind is the storage type a field column is written as. All numbers
// are stored as doubles so the schema stays stable when upstream responses
// flip between integer and decimal representations of the same field.
type columnKind int

const (
	kindString columnKind = iota
	kindDouble
	kindBool
)

// ParquetStore keeps one <key>.parquet file per partition under a directory.
// Parquet files are immutable, so writes replace the whole partition; the
// replacement goes through a temp file and an atomic rename.
type ParquetStore struct {
	dir string
	log *zap.Logger
}

// NewParquetStore creates a ParquetStore rooted at dir, creating it if needed.
func NewParquetStore(dir string) (*ParquetStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "partition: create dir %s", dir)
	}
	return &ParquetStore{
		dir: dir,
		log: zap.L().With(zap.String("component", "partition.parquet")),
	}, nil
}

// Dir returns the partition directory.
func (s *ParquetStore) Dir() string { return s.dir }

func (s *ParquetStore) path(key string) string {
	return filepath.Join(s.dir, key+parquetExt)
}

// ListPartitions returns the keys of all partition files in the directory.
func (s *ParquetStore) ListPartitions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "partition: read dir %s", s.dir)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, parquetExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, parquetExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// ReadPartition loads all records from the partition file. A missing file
// reads as an empty partition.
func (s *ParquetStore) ReadPartition(_ context.Context, key string) ([]model.Record, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "partition: open %s", key)
	}
	defer f.Close() //nolint:errcheck

	stat, err := f.Stat()
	if err != nil {
		return nil, eris.Wrapf(err, "partition: stat %s", key)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, eris.Wrapf(err, "partition: open parquet %s", key)
	}

	// Flat schema: leaf order matches field order.
	fields := pf.Schema().Fields()
	names := make([]string, len(fields))
	for i, fld := range fields {
		names[i] = fld.Name()
	}

	var records []model.Record
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 256)
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				rec, decErr := decodeRow(row, names)
				if decErr != nil {
					rows.Close()
					return nil, eris.Wrapf(decErr, "partition: decode row in %s", key)
				}
				records = append(records, rec)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return nil, eris.Wrapf(err, "partition: read rows in %s", key)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, eris.Wrapf(err, "partition: close rows in %s", key)
		}
	}
	return records, nil
}

// WritePartition replaces the partition file with the given records. The
// schema is the union of columns across all records; missing fields are
// written as nulls so schema drift across runs never breaks a merge.
func (s *ParquetStore) WritePartition(_ context.Context, key string, records []model.Record) error {
	schema, colKinds, err := buildSchema(records)
	if err != nil {
		return eris.Wrapf(err, "partition: build schema for %s", key)
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return eris.Wrap(err, "partition: create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	writer := parquet.NewGenericWriter[any](tmp, schema)
	rows := make([]parquet.Row, 0, len(records))
	for _, rec := range records {
		row, encErr := encodeRow(schema, colKinds, rec)
		if encErr != nil {
			cleanup()
			return eris.Wrapf(encErr, "partition: encode record %s", rec.Key)
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 {
		if _, err := writer.WriteRows(rows); err != nil {
			cleanup()
			return eris.Wrapf(err, "partition: write rows for %s", key)
		}
	}
	if err := writer.Close(); err != nil {
		cleanup()
		return eris.Wrapf(err, "partition: close writer for %s", key)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return eris.Wrap(err, "partition: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "partition: close temp file")
	}

	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "partition: rename into %s", s.path(key))
	}

	s.log.Debug("partition written",
		zap.String("partition", key),
		zap.Int("records", len(records)),
	)
	return nil
}

// buildSchema computes the union of field columns across records and returns
// a flat parquet schema plus the kind chosen for each field column.
func buildSchema(records []model.Record) (*parquet.Schema, map[string]columnKind, error) {
	kinds := make(map[string]columnKind)
	for _, rec := range records {
		for name, val := range rec.Fields {
			if name == colKey || name == colFetchedAt {
				return nil, nil, eris.Errorf("field column %q shadows a reserved column", name)
			}
			if val == nil {
				if _, seen := kinds[name]; !seen {
					kinds[name] = kindString
				}
				continue
			}
			k := kindOf(val)
			if prev, seen := kinds[name]; seen && prev != k {
				// Mixed types across records: fall back to string.
				kinds[name] = kindString
			} else if !seen {
				kinds[name] = k
			}
		}
	}

	group := parquet.Group{
		colKey:       parquet.String(),
		colFetchedAt: parquet.Int(64),
	}
	for name, k := range kinds {
		switch k {
		case kindDouble:
			group[name] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		case kindBool:
			group[name] = parquet.Optional(parquet.Leaf(parquet.BooleanType))
		default:
			group[name] = parquet.Optional(parquet.String())
		}
	}
	return parquet.NewSchema("records", group), kinds, nil
}

func kindOf(val any) columnKind {
	switch val.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return kindDouble
	case bool:
		return kindBool
	default:
		return kindString
	}
}

// encodeRow lays out one record's values in schema field order. Absent or
// nil fields become parquet nulls.
func encodeRow(schema *parquet.Schema, kinds map[string]columnKind, rec model.Record) (parquet.Row, error) {
	fields := schema.Fields()
	row := make(parquet.Row, 0, len(fields))
	for i, fld := range fields {
		name := fld.Name()

		var v parquet.Value
		switch name {
		case colKey:
			v = parquet.ValueOf(rec.Key).Level(0, 0, i)
		case colFetchedAt:
			v = parquet.ValueOf(rec.FetchedAt.UTC().UnixMilli()).Level(0, 0, i)
		default:
			raw, ok := rec.Fields[name]
			if !ok || raw == nil {
				v = parquet.ValueOf(nil).Level(0, 0, i)
				break
			}
			enc, err := coerce(raw, kinds[name])
			if err != nil {
				return nil, eris.Wrapf(err, "column %s", name)
			}
			v = parquet.ValueOf(enc).Level(0, 1, i)
		}
		row = append(row, v)
	}
	return row, nil
}

// coerce converts a field value to the Go type matching its column kind.
func coerce(val any, kind columnKind) (any, error) {
	switch kind {
	case kindDouble:
		switch n := val.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int8:
			return float64(n), nil
		case int16:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case uint:
			return float64(n), nil
		case uint8:
			return float64(n), nil
		case uint16:
			return float64(n), nil
		case uint32:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		}
		return nil, eris.Errorf("value %v is not numeric", val)
	case kindBool:
		if b, ok := val.(bool); ok {
			return b, nil
		}
		return nil, eris.Errorf("value %v is not a bool", val)
	default:
		switch sv := val.(type) {
		case string:
			return sv, nil
		case bool:
			return fmt.Sprintf("%t", sv), nil
		case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return fmt.Sprintf("%v", sv), nil
		default:
			// Nested maps/slices: keep them as JSON text.
			data, err := json.Marshal(sv)
			if err != nil {
				return nil, eris.Wrap(err, "marshal nested value")
			}
			return string(data), nil
		}
	}
}

func decodeRow(row parquet.Row, names []string) (model.Record, error) {
	rec := model.Record{Fields: make(map[string]any, len(names))}
	for _, v := range row {
		ci := int(v.Column())
		if ci < 0 || ci >= len(names) {
			return rec, eris.Errorf("column index %d out of range", ci)
		}
		name := names[ci]
		if v.IsNull() {
			continue
		}
		switch name {
		case colKey:
			rec.Key = v.String()
		case colFetchedAt:
			rec.FetchedAt = time.UnixMilli(v.Int64()).UTC()
		default:
			switch v.Kind() {
			case parquet.Boolean:
				rec.Fields[name] = v.Boolean()
			case parquet.Double:
				rec.Fields[name] = v.Double()
			case parquet.Int64:
				rec.Fields[name] = float64(v.Int64())
			case parquet.ByteArray:
				rec.Fields[name] = v.String()
			default:
				rec.Fields[name] = v.String()
			}
		}
	}
	return rec, nil
}
