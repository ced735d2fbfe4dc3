package partition

import (
	"context"

	"github.com/nlgeodata/harvest-cli/internal/model"
)

// Storage is the boundary to the partition files. The merger depends only on
// whole-partition reads and writes; the format underneath is immutable per
// file, so every write replaces the partition wholesale.
type Storage interface {
	// ReadPartition returns all records in the partition. A partition that
	// does not exist yet reads as empty, not as an error.
	ReadPartition(ctx context.Context, key string) ([]model.Record, error)

	// WritePartition replaces the partition's contents. Implementations must
	// write to a temporary location and atomically rename into place so a
	// crash mid-write never corrupts the current file.
	WritePartition(ctx context.Context, key string, records []model.Record) error

	// ListPartitions returns the keys of all existing partitions.
	ListPartitions(ctx context.Context) ([]string, error)
}
