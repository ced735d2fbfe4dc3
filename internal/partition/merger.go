package partition

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nlgeodata/harvest-cli/internal/model"
)

// MergerOptions configures merge behavior.
type MergerOptions struct {
	// KeyFunc derives the partition key. Default: DefaultKey.
	KeyFunc KeyFunc

	// Dedup collapses records sharing a primary key to the most recently
	// fetched one. Default behavior is set by the caller; the engine enables
	// it unless configured otherwise.
	Dedup bool
}

// MergeStats summarizes one merge.
type MergeStats struct {
	PartitionsTouched int
	RecordsIn         int
	RecordsDeduped    int
}

// Merger folds batches of freshly fetched records into partitioned storage.
// Merge cost grows with partition size, not batch size: every touched
// partition is rewritten wholesale because the files are immutable.
type Merger struct {
	store Storage
	opts  MergerOptions
	log   *zap.Logger
}

// NewMerger creates a Merger over the given storage.
func NewMerger(store Storage, opts MergerOptions) *Merger {
	if opts.KeyFunc == nil {
		opts.KeyFunc = DefaultKey
	}
	return &Merger{
		store: store,
		opts:  opts,
		log:   zap.L().With(zap.String("component", "partition.merger")),
	}
}

// Merge groups the batch by partition key and, for each touched partition,
// reads the existing contents, concatenates the new records, optionally
// deduplicates by record key keeping the most recently fetched, and writes
// the whole partition back atomically.
func (m *Merger) Merge(ctx context.Context, batch []model.Record) (MergeStats, error) {
	stats := MergeStats{RecordsIn: len(batch)}
	if len(batch) == 0 {
		return stats, nil
	}

	byPartition := make(map[string][]model.Record)
	for _, rec := range batch {
		pk := m.opts.KeyFunc(rec)
		byPartition[pk] = append(byPartition[pk], rec)
	}

	// Deterministic partition order keeps reruns byte-comparable.
	keys := make([]string, 0, len(byPartition))
	for pk := range byPartition {
		keys = append(keys, pk)
	}
	sort.Strings(keys)

	for _, pk := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		existing, err := m.store.ReadPartition(ctx, pk)
		if err != nil {
			return stats, eris.Wrapf(err, "merge: read partition %s", pk)
		}

		merged := append(existing, byPartition[pk]...)
		if m.opts.Dedup {
			before := len(merged)
			merged = dedupKeepLatest(merged)
			stats.RecordsDeduped += before - len(merged)
		}

		if err := m.store.WritePartition(ctx, pk, merged); err != nil {
			return stats, eris.Wrapf(err, "merge: write partition %s", pk)
		}
		stats.PartitionsTouched++

		m.log.Debug("partition merged",
			zap.String("partition", pk),
			zap.Int("existing", len(existing)),
			zap.Int("new", len(byPartition[pk])),
			zap.Int("total", len(merged)),
		)
	}

	return stats, nil
}

// dedupKeepLatest collapses records sharing a key to the one with the most
// recent FetchedAt. On a timestamp tie the later occurrence wins, so records
// from the current batch supersede what was already on disk. Output order is
// by first appearance, which keeps partition contents stable across reruns.
func dedupKeepLatest(records []model.Record) []model.Record {
	best := make(map[string]int, len(records))
	order := make([]string, 0, len(records))

	for i, rec := range records {
		j, seen := best[rec.Key]
		if !seen {
			best[rec.Key] = i
			order = append(order, rec.Key)
			continue
		}
		if !rec.FetchedAt.Before(records[j].FetchedAt) {
			best[rec.Key] = i
		}
	}

	out := make([]model.Record, 0, len(order))
	for _, k := range order {
		out = append(out, records[best[k]])
	}
	return out
}
