package harvest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlgeodata/harvest-cli/internal/checkpoint"
	"github.com/nlgeodata/harvest-cli/internal/fetcher"
	"github.com/nlgeodata/harvest-cli/internal/model"
	"github.com/nlgeodata/harvest-cli/internal/partition"
	"github.com/nlgeodata/harvest-cli/internal/resilience"
)

// memStore is an in-memory partition.Storage for engine tests.
type memStore struct {
	mu         sync.Mutex
	partitions map[string][]model.Record
	writes     int
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
	s.writes++
	return nil
}

func (s *memStore) ListPartitions(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.partitions {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *memStore) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, recs := range s.partitions {
		n += len(recs)
	}
	return n
}

func makeItems(n int) []model.WorkItem {
	items := make([]model.WorkItem, 0, n)
	for i := range n {
		// Spread across postcode areas 1xxx-9xxx.
		items = append(items, model.WorkItem{
			Postcode:    fmt.Sprintf("%04dAB", 1000+i%9000),
			HouseNumber: fmt.Sprintf("%d", i),
		})
	}
	return items
}

func okFetcher() fetcher.Fetcher {
	return fetcher.Func(func(_ context.Context, item model.WorkItem) (*model.Record, error) {
		return &model.Record{
			Key:       item.Key(),
			FetchedAt: time.Now().UTC(),
			Fields:    map[string]any{"postcode": item.Postcode},
		}, nil
	})
}

func fastLimiter() *resilience.Limiter {
	return resilience.NewLimiter(resilience.LimiterConfig{
		RPS:          1e6,
		Burst:        1000,
		CooldownBase: time.Millisecond,
		CooldownMax:  4 * time.Millisecond,
	})
}

func newTestEngine(t *testing.T, cfg Config, f fetcher.Fetcher, store partition.Storage, ckptPath string) *Engine {
	t.Helper()
	cfg.Dataset = "test"
	cfg.RetryDelay = time.Millisecond
	merger := partition.NewMerger(store, partition.MergerOptions{Dedup: true})
	return New(cfg, f, fastLimiter(), merger, checkpoint.NewManager(ckptPath), nil, nil, 0)
}

func TestRun_ScenarioA_AllSucceed(t *testing.T) {
	store := newMemStore()
	ckpt := filepath.Join(t.TempDir(), "ckpt.json")
	e := newTestEngine(t, Config{FlushSize: 100}, okFetcher(), store, ckpt)

	summary, err := e.Run(context.Background(), makeItems(1000))
	require.NoError(t, err)

	assert.Equal(t, 1000, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 10, e.Flushes(), "1000 items at threshold 100 is exactly 10 flushes")
	assert.Equal(t, 1000, store.totalRecords())

	state, err := checkpoint.NewManager(ckpt).Load()
	require.NoError(t, err)
	assert.Len(t, state.CompletedKeys, 1000)
	assert.Equal(t, 1000, state.TotalSuccess)
}

func TestRun_ScenarioB_ResumeMatchesUninterrupted(t *testing.T) {
	items := makeItems(1000)

	// Uninterrupted reference run.
	refStore := newMemStore()
	refCkpt := filepath.Join(t.TempDir(), "ref.json")
	ref := newTestEngine(t, Config{FlushSize: 100}, okFetcher(), refStore, refCkpt)
	_, err := ref.Run(context.Background(), items)
	require.NoError(t, err)

	// Interrupted run: first process only the first 300 items (the state
	// after flush 3 of 10), then restart over the full list.
	store := newMemStore()
	ckpt := filepath.Join(t.TempDir(), "ckpt.json")
	first := newTestEngine(t, Config{FlushSize: 100}, okFetcher(), store, ckpt)
	_, err = first.Run(context.Background(), items[:300])
	require.NoError(t, err)
	assert.Equal(t, 3, first.Flushes())

	second := newTestEngine(t, Config{FlushSize: 100}, okFetcher(), store, ckpt)
	summary, err := second.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 700, summary.Processed, "only unfinished items are refetched")

	assert.Equal(t, refStore.totalRecords(), store.totalRecords())

	refState, err := checkpoint.NewManager(refCkpt).Load()
	require.NoError(t, err)
	state, err := checkpoint.NewManager(ckpt).Load()
	require.NoError(t, err)
	assert.Equal(t, refState.CompletedKeys, state.CompletedKeys)
	assert.Equal(t, refState.TotalSuccess, state.TotalSuccess)
}

func TestRun_ScenarioC_AlwaysRateLimited(t *testing.T) {
	rateLimited := fetcher.Func(func(_ context.Context, item model.WorkItem) (*model.Record, error) {
		return nil, resilience.NewRateLimitedError(eris.Errorf("http 429 for %s", item.Key()))
	})

	store := newMemStore()
	ckpt := filepath.Join(t.TempDir(), "ckpt.json")
	e := newTestEngine(t, Config{FlushSize: 10, MaxRequeue: 2}, rateLimited, store, ckpt)

	summary, err := e.Run(context.Background(), makeItems(5))
	require.NoError(t, err, "throttling must never crash the run")

	// Every item is requeued MaxRequeue times, then counted as failed.
	assert.Equal(t, 5, summary.Failed)
	assert.Zero(t, summary.Succeeded)
	assert.Zero(t, store.totalRecords())

	// Failed items are checkpointed as done so the next full run does not
	// loop over permanently bad input.
	state, err := checkpoint.NewManager(ckpt).Load()
	require.NoError(t, err)
	assert.Len(t, state.CompletedKeys, 5)
	assert.Equal(t, 5, state.TotalFailed)
}

func TestRun_Idempotent(t *testing.T) {
	items := makeItems(50)
	store := newMemStore()
	ckptDir := t.TempDir()

	e1 := newTestEngine(t, Config{FlushSize: 10}, okFetcher(), store, filepath.Join(ckptDir, "a.json"))
	_, err := e1.Run(context.Background(), items)
	require.NoError(t, err)
	after1 := store.totalRecords()

	// Second full run from a fresh checkpoint over the same upstream data:
	// dedup keeps record counts identical.
	e2 := newTestEngine(t, Config{FlushSize: 10}, okFetcher(), store, filepath.Join(ckptDir, "b.json"))
	_, err = e2.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, after1, store.totalRecords())
	assert.Equal(t, 50, after1)
}

func TestRun_NotFoundIsNotAnError(t *testing.T) {
	notFound := fetcher.Func(func(_ context.Context, item model.WorkItem) (*model.Record, error) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "%s", item.Key())
	})

	store := newMemStore()
	e := newTestEngine(t, Config{FlushSize: 10}, notFound, store, filepath.Join(t.TempDir(), "ckpt.json"))

	summary, err := e.Run(context.Background(), makeItems(7))
	require.NoError(t, err)
	assert.Equal(t, 7, summary.NotFound)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, store.totalRecords())
	assert.Equal(t, 1.0, summary.SuccessRate)
}

func TestRun_TransientFailuresAreCountedNotFatal(t *testing.T) {
	var mu sync.Mutex
	calls := make(map[string]int)
	flaky := fetcher.Func(func(_ context.Context, item model.WorkItem) (*model.Record, error) {
		mu.Lock()
		calls[item.Key()]++
		n := calls[item.Key()]
		mu.Unlock()
		if item.HouseNumber == "3" {
			return nil, resilience.NewTransientError(eris.New("connection reset by peer"), 0)
		}
		if n == 1 {
			return nil, resilience.NewTransientError(eris.New("i/o timeout"), 0)
		}
		return &model.Record{Key: item.Key(), FetchedAt: time.Now().UTC(), Fields: map[string]any{}}, nil
	})

	store := newMemStore()
	e := newTestEngine(t, Config{FlushSize: 10, MaxRetries: 3}, flaky, store, filepath.Join(t.TempDir(), "ckpt.json"))

	summary, err := e.Run(context.Background(), makeItems(5))
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Succeeded, "items recover on retry")
	assert.Equal(t, 1, summary.Failed, "item 3 exhausts its retry budget")
}

func TestRun_FatalAborts(t *testing.T) {
	var fetches int
	var mu sync.Mutex
	fatal := fetcher.Func(func(_ context.Context, item model.WorkItem) (*model.Record, error) {
		mu.Lock()
		fetches++
		n := fetches
		mu.Unlock()
		if n == 3 {
			return nil, resilience.NewFatalError(eris.New("http 403: key revoked"))
		}
		return &model.Record{Key: item.Key(), FetchedAt: time.Now().UTC(), Fields: map[string]any{}}, nil
	})

	store := newMemStore()
	ckpt := filepath.Join(t.TempDir(), "ckpt.json")
	e := newTestEngine(t, Config{FlushSize: 100}, fatal, store, ckpt)

	_, err := e.Run(context.Background(), makeItems(10))
	require.Error(t, err)

	// The final flush still persisted the work done before the abort.
	assert.Equal(t, 2, store.totalRecords())
	state, cerr := checkpoint.NewManager(ckpt).Load()
	require.NoError(t, cerr)
	assert.Equal(t, 2, state.TotalSuccess)
}

func TestRun_CancellationLosesAtMostOneBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var fetches int
	f := fetcher.Func(func(_ context.Context, item model.WorkItem) (*model.Record, error) {
		mu.Lock()
		fetches++
		if fetches == 25 {
			cancel()
		}
		mu.Unlock()
		return &model.Record{Key: item.Key(), FetchedAt: time.Now().UTC(), Fields: map[string]any{}}, nil
	})

	store := newMemStore()
	ckpt := filepath.Join(t.TempDir(), "ckpt.json")
	e := newTestEngine(t, Config{FlushSize: 10}, f, store, ckpt)

	_, err := e.Run(ctx, makeItems(100))
	require.Error(t, err)

	state, cerr := checkpoint.NewManager(ckpt).Load()
	require.NoError(t, cerr)
	done := len(state.CompletedKeys)
	assert.GreaterOrEqual(t, done, 20, "all flushed batches survive")
	assert.LessOrEqual(t, 100-done, 80)

	// Resume finishes the rest without refetching completed items.
	resumed := newTestEngine(t, Config{FlushSize: 10}, okFetcher(), store, ckpt)
	summary, err := resumed.Run(context.Background(), makeItems(100))
	require.NoError(t, err)
	assert.Equal(t, 100-done, summary.Processed)
	assert.Equal(t, 100, store.totalRecords())
}

func TestRun_WorkerPoolProcessesEachKeyOnce(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	f := fetcher.Func(func(_ context.Context, item model.WorkItem) (*model.Record, error) {
		mu.Lock()
		seen[item.Key()]++
		mu.Unlock()
		return &model.Record{Key: item.Key(), FetchedAt: time.Now().UTC(), Fields: map[string]any{}}, nil
	})

	store := newMemStore()
	e := newTestEngine(t, Config{FlushSize: 25, Workers: 4}, f, store, filepath.Join(t.TempDir(), "ckpt.json"))

	summary, err := e.Run(context.Background(), makeItems(200))
	require.NoError(t, err)
	assert.Equal(t, 200, summary.Succeeded)
	assert.Equal(t, 200, store.totalRecords())

	for key, n := range seen {
		assert.Equal(t, 1, n, "key %s fetched more than once", key)
	}
}

func TestRun_EmptyWorkList(t *testing.T) {
	e := newTestEngine(t, Config{}, okFetcher(), newMemStore(), filepath.Join(t.TempDir(), "ckpt.json"))
	summary, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
	assert.Zero(t, e.Flushes())
}

// End-to-end against the parquet store: the full engine pipeline writes
// partitions keyed by postcode area.
func TestRun_ParquetEndToEnd(t *testing.T) {
	store, err := partition.NewParquetStore(t.TempDir())
	require.NoError(t, err)

	e := newTestEngine(t, Config{FlushSize: 10}, okFetcher(), store, filepath.Join(t.TempDir(), "ckpt.json"))
	summary, err := e.Run(context.Background(), makeItems(30))
	require.NoError(t, err)
	assert.Equal(t, 30, summary.Succeeded)

	keys, err := store.ListPartitions(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, keys)

	total := 0
	for _, k := range keys {
		recs, err := store.ReadPartition(context.Background(), k)
		require.NoError(t, err)
		for _, r := range recs {
			assert.Equal(t, k, partition.DefaultKey(r))
		}
		total += len(recs)
	}
	assert.Equal(t, 30, total)
}
