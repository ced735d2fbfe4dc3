package partition

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlgeodata/harvest-cli/internal/model"
)

// memStore is an in-memory Storage for merger tests.
type memStore struct {
	mu         sync.Mutex
	partitions map[string][]model.Record
}

func newMemStore() *memStore {
	return &memStore{partitions: make(map[string][]model.Record)}
}

func (s *memStore) ReadPartition(_ context.Context, key string) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Record(nil), s.partitions[key]...), nil
}

func (s *memStore) WritePartition(_ context.Context, key string, records []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[key] = append([]model.Record(nil), records...)
	return nil
}

func (s *memStore) ListPartitions(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func rec(key string, fetched time.Time, straat string) model.Record {
	return model.Record{Key: key, FetchedAt: fetched, Fields: map[string]any{"straat": straat}}
}

func TestDefaultKey(t *testing.T) {
	assert.Equal(t, "1", DefaultKey(model.Record{Key: "1011AB:1"}))
	assert.Equal(t, "9", DefaultKey(model.Record{Key: "9722GH:12"}))
	assert.Equal(t, "_", DefaultKey(model.Record{Key: ""}))
}

func TestMerge_GroupsByPartitionKey(t *testing.T) {
	store := newMemStore()
	m := NewMerger(store, MergerOptions{Dedup: true})
	now := time.Now().UTC()

	stats, err := m.Merge(context.Background(), []model.Record{
		rec("1011AB:1", now, "Damrak"),
		rec("2511CV:5", now, "Plein"),
		rec("1012CD:7", now, "Rokin"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PartitionsTouched)
	assert.Equal(t, 3, stats.RecordsIn)

	// Partition correctness: every record's key maps to its partition.
	for pk, records := range store.partitions {
		for _, r := range records {
			assert.Equal(t, pk, DefaultKey(r))
		}
	}
	assert.Len(t, store.partitions["1"], 2)
	assert.Len(t, store.partitions["2"], 1)
}

func TestMerge_AppendsToExistingPartition(t *testing.T) {
	store := newMemStore()
	m := NewMerger(store, MergerOptions{Dedup: true})
	now := time.Now().UTC()

	_, err := m.Merge(context.Background(), []model.Record{rec("1011AB:1", now, "Damrak")})
	require.NoError(t, err)
	_, err = m.Merge(context.Background(), []model.Record{rec("1012CD:7", now, "Rokin")})
	require.NoError(t, err)

	assert.Len(t, store.partitions["1"], 2)
}

func TestMerge_DedupKeepsMostRecent(t *testing.T) {
	store := newMemStore()
	m := NewMerger(store, MergerOptions{Dedup: true})
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := old.Add(24 * time.Hour)

	_, err := m.Merge(context.Background(), []model.Record{rec("1011AB:1", old, "Damrak")})
	require.NoError(t, err)

	stats, err := m.Merge(context.Background(), []model.Record{rec("1011AB:1", newer, "Damrak 2")})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsDeduped)

	require.Len(t, store.partitions["1"], 1)
	got := store.partitions["1"][0]
	assert.Equal(t, newer, got.FetchedAt)
	assert.Equal(t, "Damrak 2", got.Fields["straat"])
}

func TestMerge_DedupTieLaterOccurrenceWins(t *testing.T) {
	store := newMemStore()
	m := NewMerger(store, MergerOptions{Dedup: true})
	now := time.Now().UTC()

	_, err := m.Merge(context.Background(), []model.Record{
		rec("1011AB:1", now, "first"),
		rec("1011AB:1", now, "second"),
	})
	require.NoError(t, err)

	require.Len(t, store.partitions["1"], 1)
	assert.Equal(t, "second", store.partitions["1"][0].Fields["straat"])
}

func TestMerge_DedupDisabledKeepsDuplicates(t *testing.T) {
	store := newMemStore()
	m := NewMerger(store, MergerOptions{Dedup: false})
	now := time.Now().UTC()

	_, err := m.Merge(context.Background(), []model.Record{
		rec("1011AB:1", now, "a"),
		rec("1011AB:1", now, "b"),
	})
	require.NoError(t, err)
	assert.Len(t, store.partitions["1"], 2)
}

func TestMerge_EmptyBatch(t *testing.T) {
	m := NewMerger(newMemStore(), MergerOptions{Dedup: true})
	stats, err := m.Merge(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.PartitionsTouched)
}

func TestMerge_Idempotent(t *testing.T) {
	// Merging the same batch twice with dedup enabled produces the same
	// partition contents as merging it once.
	now := time.Now().UTC()
	batch := []model.Record{
		rec("1011AB:1", now, "Damrak"),
		rec("2511CV:5", now, "Plein"),
	}

	once := newMemStore()
	m1 := NewMerger(once, MergerOptions{Dedup: true})
	_, err := m1.Merge(context.Background(), batch)
	require.NoError(t, err)

	twice := newMemStore()
	m2 := NewMerger(twice, MergerOptions{Dedup: true})
	_, err = m2.Merge(context.Background(), batch)
	require.NoError(t, err)
	_, err = m2.Merge(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, once.partitions, twice.partitions)
}

// End-to-end over the parquet store: the merger's whole-partition rewrite
// must survive schema drift between batches.
func TestMerge_ParquetSchemaDrift(t *testing.T) {
	store, err := NewParquetStore(t.TempDir())
	require.NoError(t, err)
	m := NewMerger(store, MergerOptions{Dedup: true})
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err = m.Merge(ctx, []model.Record{
		{Key: "1011AB:1", FetchedAt: now, Fields: map[string]any{"straat": "Damrak"}},
	})
	require.NoError(t, err)

	// Second run adds a column the first run never produced.
	_, err = m.Merge(ctx, []model.Record{
		{Key: "1012CD:7", FetchedAt: now, Fields: map[string]any{"straat": "Rokin", "woz_waarde": 425000.0}},
	})
	require.NoError(t, err)

	records, err := store.ReadPartition(ctx, "1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	byKey := map[string]model.Record{}
	for _, r := range records {
		byKey[r.Key] = r
	}
	assert.NotContains(t, byKey["1011AB:1"].Fields, "woz_waarde")
	assert.Equal(t, 425000.0, byKey["1012CD:7"].Fields["woz_waarde"])
}
