package model

import (
	"fmt"
	"time"
)

// WorkItem is one unit of fetchable work: a Dutch address identified by
// postcode + house number, plus whatever extra fields the dataset's request
// template needs. Immutable once enqueued.
type WorkItem struct {
	Postcode    string            `json:"postcode"`
	HouseNumber string            `json:"house_number"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Key returns the stable identity key for the item.
func (w WorkItem) Key() string {
	return fmt.Sprintf("%s:%s", w.Postcode, w.HouseNumber)
}

// Record is the normalized output of a successful fetch. Fields carries the
// fetched attributes; the schema is allowed to drift between runs, the
// partition merger reconciles it.
type Record struct {
	Key       string         `json:"key"`
	FetchedAt time.Time      `json:"fetched_at"`
	Fields    map[string]any `json:"fields"`
}

// Outcome classifies the result of one fetch attempt.
type Outcome int

const (
	// OutcomeSuccess means a record was fetched.
	OutcomeSuccess Outcome = iota
	// OutcomeNotFound is a valid negative: the upstream has no data for the
	// item. Recorded, not an error.
	OutcomeNotFound
	// OutcomeTransient is a retryable failure (network fault, 5xx).
	OutcomeTransient
	// OutcomeRateLimited means the upstream is throttling us (429). Never
	// retried locally; escalated to the rate limiter's cooldown.
	OutcomeRateLimited
	// OutcomeFatal indicates misconfiguration; aborts the run.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTransient:
		return "transient"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FetchResult is the tagged outcome of one fetch. Record is non-nil only for
// OutcomeSuccess; Err is nil only for OutcomeSuccess.
type FetchResult struct {
	Outcome Outcome
	Record  *Record
	Err     error
}
