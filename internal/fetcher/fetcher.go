// Package fetcher performs one upstream request per work item and maps the
// raw outcome onto the fetch-result taxonomy.
package fetcher

import (
	"context"

	"github.com/nlgeodata/harvest-cli/internal/model"
)

// Fetcher performs one request for a work item. Errors are classified: the
// caller inspects them with resilience.Classify, so implementations must
// return resilience wrapper errors (or ErrNotFound) rather than raw ones.
type Fetcher interface {
	// Fetch returns the record for the item, or a classified error.
	Fetch(ctx context.Context, item model.WorkItem) (*model.Record, error)

	// Reset tears down the underlying connection so the next call starts
	// fresh. Called between retry attempts after a transient network fault.
	Reset()
}

// Func adapts a function to the Fetcher interface. Reset is a no-op.
type Func func(ctx context.Context, item model.WorkItem) (*model.Record, error)

// Fetch implements Fetcher.
func (f Func) Fetch(ctx context.Context, item model.WorkItem) (*model.Record, error) {
	return f(ctx, item)
}

// Reset implements Fetcher.
func (f Func) Reset() {}
