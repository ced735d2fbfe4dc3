// Package progress tracks throughput, projects completion time, and reports
// run totals for long harvest jobs.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Summary is the final report of a run.
type Summary struct {
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	NotFound    int           `json:"not_found"`
	SuccessRate float64       `json:"success_rate"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Tracker accumulates per-item outcomes and computes a live ETA. Safe for
// concurrent use by a worker pool.
type Tracker struct {
	mu        sync.Mutex
	total     int
	succeeded int
	failed    int
	notFound  int
	started   time.Time

	reportEvery int
	metrics     *Metrics
	log         *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewTracker creates a Tracker for a run over total items (the count after
// checkpoint filtering). reportEvery controls how often a progress line is
// logged; 0 disables periodic logging. metrics may be nil.
func NewTracker(total, reportEvery int, metrics *Metrics) *Tracker {
	t := &Tracker{
		total:       total,
		reportEvery: reportEvery,
		metrics:     metrics,
		log:         zap.L().With(zap.String("component", "progress")),
		nowFunc:     time.Now,
	}
	t.started = t.nowFunc()
	return t
}

// Succeed records a successful fetch.
func (t *Tracker) Succeed() { t.record(func() { t.succeeded++ }, "success") }

// Fail records a permanent per-item failure.
func (t *Tracker) Fail() { t.record(func() { t.failed++ }, "failed") }

// NotFound records a valid negative result.
func (t *Tracker) NotFound() { t.record(func() { t.notFound++ }, "not_found") }

func (t *Tracker) record(apply func(), outcome string) {
	t.mu.Lock()
	apply()
	processed := t.succeeded + t.failed + t.notFound
	succeeded, failed, notFound := t.succeeded, t.failed, t.notFound
	report := t.reportEvery > 0 && processed%t.reportEvery == 0
	var eta time.Duration
	if report {
		eta = t.etaLocked()
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ItemsTotal.WithLabelValues(outcome).Inc()
	}

	if report {
		t.log.Info("progress",
			zap.Int("processed", processed),
			zap.Int("total", t.total),
			zap.Int("succeeded", succeeded),
			zap.Int("failed", failed),
			zap.Int("not_found", notFound),
			zap.Duration("eta", eta),
		)
		if t.metrics != nil {
			t.metrics.ETASeconds.Set(eta.Seconds())
		}
	}
}

// ETA projects the remaining run time from the throughput so far. Returns 0
// until at least one item has been processed.
func (t *Tracker) ETA() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.etaLocked()
}

func (t *Tracker) etaLocked() time.Duration {
	processed := t.succeeded + t.failed + t.notFound
	if processed == 0 {
		return 0
	}
	elapsed := t.nowFunc().Sub(t.started)
	perItem := elapsed / time.Duration(processed)
	remaining := t.total - processed
	if remaining <= 0 {
		return 0
	}
	return perItem * time.Duration(remaining)
}

// Summary returns the run totals so far.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	processed := t.succeeded + t.failed + t.notFound
	s := Summary{
		Total:     t.total,
		Processed: processed,
		Succeeded: t.succeeded,
		Failed:    t.failed,
		NotFound:  t.notFound,
		Elapsed:   t.nowFunc().Sub(t.started),
	}
	if processed > 0 {
		s.SuccessRate = float64(t.succeeded+t.notFound) / float64(processed)
	}
	return s
}
