// Package harvest drives a work list through the rate limiter, fetcher,
// batch, partition merger, and checkpoint — the one engine behind every
// long-running acquisition job.
package harvest

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nlgeodata/harvest-cli/internal/checkpoint"
	"github.com/nlgeodata/harvest-cli/internal/fetcher"
	"github.com/nlgeodata/harvest-cli/internal/model"
	"github.com/nlgeodata/harvest-cli/internal/partition"
	"github.com/nlgeodata/harvest-cli/internal/progress"
	"github.com/nlgeodata/harvest-cli/internal/resilience"
	"github.com/nlgeodata/harvest-cli/internal/runlog"
)

// Config tunes one harvest run.
type Config struct {
	// Dataset names the job in logs and the run log.
	Dataset string

	// FlushSize is the batch threshold: when this many successful records
	// have accumulated, they are merged into storage and the checkpoint is
	// saved. It is also the recovery granularity — a crash loses at most
	// one unflushed batch. Default: 100.
	FlushSize int

	// MaxRetries is the attempt budget per item for transient failures.
	// Default: 3.
	MaxRetries int

	// RetryDelay is the fixed pause between attempts. Default: 5s.
	RetryDelay time.Duration

	// MaxRequeue bounds how often a rate-limited item is requeued after a
	// cooldown before it is counted as failed. Default: 3.
	MaxRequeue int

	// Workers is the fetch concurrency. All workers share one limiter and
	// one checkpoint; keys are reserved per worker so no two workers ever
	// process the same item. Default: 1.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.FlushSize <= 0 {
		c.FlushSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxRequeue <= 0 {
		c.MaxRequeue = 3
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

// pendingOutcome is the resolution of an item awaiting the next checkpoint
// save.
type pendingOutcome int

const (
	pendingSuccess pendingOutcome = iota
	pendingFailed
	pendingNotFound
)

// Engine orchestrates one resumable harvest run.
type Engine struct {
	cfg     Config
	fetcher fetcher.Fetcher
	limiter *resilience.Limiter
	merger  *partition.Merger
	ckpt    *checkpoint.Manager
	runs    runlog.Store      // optional
	metrics *progress.Metrics // optional

	reportEvery int
	log         *zap.Logger

	mu      sync.Mutex
	state   *model.CheckpointState
	queue   []model.WorkItem
	head    int
	batch   []model.Record
	pending map[string]pendingOutcome
	requeue map[string]int
	flushes int
	tracker *progress.Tracker
}

// New creates an Engine. runs and metrics may be nil.
func New(cfg Config, f fetcher.Fetcher, limiter *resilience.Limiter, merger *partition.Merger,
	ckpt *checkpoint.Manager, runs runlog.Store, metrics *progress.Metrics, reportEvery int) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		fetcher:     f,
		limiter:     limiter,
		merger:      merger,
		ckpt:        ckpt,
		runs:        runs,
		metrics:     metrics,
		reportEvery: reportEvery,
		log: zap.L().With(
			zap.String("component", "harvest.engine"),
			zap.String("dataset", cfg.Dataset),
		),
	}
}

// Run processes the work list to exhaustion: load checkpoint, filter out
// completed keys, fetch the rest under the rate limit, flush in batches.
// Per-item failures never abort the run; only a fatal (configuration-class)
// error or context cancellation does.
func (e *Engine) Run(ctx context.Context, items []model.WorkItem) (progress.Summary, error) {
	state, err := e.ckpt.Load()
	if err != nil {
		return progress.Summary{}, err
	}

	remaining := make([]model.WorkItem, 0, len(items))
	for _, it := range items {
		if !state.IsCompleted(it.Key()) {
			remaining = append(remaining, it)
		}
	}

	e.mu.Lock()
	e.state = state
	e.queue = remaining
	e.head = 0
	e.batch = nil
	e.pending = make(map[string]pendingOutcome)
	e.requeue = make(map[string]int)
	e.flushes = 0
	e.tracker = progress.NewTracker(len(remaining), e.reportEvery, e.metrics)
	e.mu.Unlock()

	e.log.Info("run starting",
		zap.Int("total", len(items)),
		zap.Int("already_completed", len(items)-len(remaining)),
		zap.Int("remaining", len(remaining)),
		zap.Int("flush_size", e.cfg.FlushSize),
		zap.Int("workers", e.cfg.Workers),
		zap.String("loss_window", "at most one unflushed batch"),
	)

	var runID string
	if e.runs != nil {
		if runID, err = e.runs.Start(ctx, e.cfg.Dataset, e.ckpt.Path()); err != nil {
			e.log.Warn("run log unavailable", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for range e.cfg.Workers {
		g.Go(func() error { return e.worker(gctx) })
	}
	runErr := g.Wait()

	// FINAL_FLUSH: whatever resolved since the last save is persisted even
	// when the run is ending early.
	if ferr := e.flush(context.WithoutCancel(ctx), true); ferr != nil && runErr == nil {
		runErr = ferr
	}

	summary := e.tracker.Summary()
	e.recordRun(ctx, runID, summary, runErr)

	e.log.Info("run finished",
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("not_found", summary.NotFound),
		zap.Float64("success_rate", summary.SuccessRate),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Error(runErr),
	)
	return summary, runErr
}

// worker pops items until the queue is exhausted. Popping reserves the key:
// no two workers can hold the same item.
func (e *Engine) worker(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, ok := e.pop()
		if !ok {
			return nil
		}

		res := e.fetchOne(ctx, item)
		if ctx.Err() != nil {
			// Cancelled mid-item: leave it uncompleted so the next run
			// picks it up again.
			return ctx.Err()
		}

		if err := e.resolve(ctx, item, res); err != nil {
			return err
		}
	}
}

func (e *Engine) pop() (model.WorkItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.head >= len(e.queue) {
		return model.WorkItem{}, false
	}
	item := e.queue[e.head]
	e.head++
	return item, true
}

// fetchOne gates every attempt on the shared limiter and wraps the fetch in
// the retry policy. The limiter sits inside the retry loop so no attempt,
// first or retried, bypasses it.
func (e *Engine) fetchOne(ctx context.Context, item model.WorkItem) model.FetchResult {
	cfg := resilience.RetryConfig{
		MaxAttempts: e.cfg.MaxRetries,
		Delay:       e.cfg.RetryDelay,
		Reset:       e.fetcher.Reset,
		OnRetry: func(attempt int, err error) {
			if e.metrics != nil {
				e.metrics.RetriesTotal.Inc()
			}
			resilience.RetryLogger(e.cfg.Dataset, item.Key())(attempt, err)
		},
	}

	rec, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.Record, error) {
		if err := e.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		return e.fetcher.Fetch(ctx, item)
	})

	return model.FetchResult{Outcome: resilience.Classify(err), Record: rec, Err: err}
}

// resolve applies one fetch result to the run state and flushes when the
// batch threshold is reached.
func (e *Engine) resolve(ctx context.Context, item model.WorkItem, res model.FetchResult) error {
	key := item.Key()

	switch res.Outcome {
	case model.OutcomeSuccess:
		e.limiter.OnSuccess()
		e.mu.Lock()
		e.batch = append(e.batch, *res.Record)
		e.pending[key] = pendingSuccess
		full := len(e.batch) >= e.cfg.FlushSize
		e.mu.Unlock()
		e.tracker.Succeed()
		if full {
			return e.flush(ctx, false)
		}

	case model.OutcomeNotFound:
		// A definitive answer from the upstream, so the limiter resets too.
		e.limiter.OnSuccess()
		e.mu.Lock()
		e.pending[key] = pendingNotFound
		e.mu.Unlock()
		e.tracker.NotFound()

	case model.OutcomeRateLimited:
		e.limiter.OnRateLimited()
		if e.metrics != nil {
			e.metrics.Cooldowns.Inc()
		}
		e.mu.Lock()
		e.requeue[key]++
		tries := e.requeue[key]
		if tries <= e.cfg.MaxRequeue {
			e.queue = append(e.queue, item)
			e.mu.Unlock()
			e.log.Debug("item requeued after throttling",
				zap.String("key", key), zap.Int("attempt", tries))
			return nil
		}
		e.pending[key] = pendingFailed
		e.mu.Unlock()
		e.tracker.Fail()
		e.log.Warn("item failed after repeated throttling", zap.String("key", key))

	case model.OutcomeFatal:
		// Misconfiguration: persist what we have, then stop the run.
		e.log.Error("fatal error, aborting run", zap.String("key", key), zap.Error(res.Err))
		return eris.Wrapf(res.Err, "harvest: fatal error on %s", key)

	default: // OutcomeTransient after exhausted retries
		e.mu.Lock()
		e.pending[key] = pendingFailed
		e.mu.Unlock()
		e.tracker.Fail()
		e.log.Warn("item failed", zap.String("key", key), zap.Error(res.Err))
	}

	return nil
}

// flush merges the batch into partition storage, folds resolved items into
// the checkpoint, and persists it. Failed items are checkpointed as
// completed on purpose: a permanently bad input must not be refetched on
// every subsequent run.
func (e *Engine) flush(ctx context.Context, final bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.batch) == 0 && len(e.pending) == 0 {
		return nil
	}

	if _, err := e.merger.Merge(ctx, e.batch); err != nil {
		// Checkpoint untouched: these items stay uncompleted and will be
		// refetched after restart.
		return eris.Wrap(err, "harvest: flush merge")
	}

	for key, outcome := range e.pending {
		e.state.MarkCompleted(key)
		switch outcome {
		case pendingSuccess:
			e.state.TotalSuccess++
		case pendingNotFound:
			e.state.TotalNotFound++
		default:
			e.state.TotalFailed++
		}
	}
	e.state.LastIndex = e.head

	if err := e.ckpt.Save(e.state.Clone()); err != nil {
		return eris.Wrap(err, "harvest: flush checkpoint")
	}

	e.flushes++
	if e.metrics != nil {
		e.metrics.FlushesTotal.Inc()
	}
	e.log.Info("batch flushed",
		zap.Int("records", len(e.batch)),
		zap.Int("resolved", len(e.pending)),
		zap.Int("flush", e.flushes),
		zap.Bool("final", final),
	)

	e.batch = e.batch[:0]
	e.pending = make(map[string]pendingOutcome)
	return nil
}

func (e *Engine) recordRun(ctx context.Context, runID string, summary progress.Summary, runErr error) {
	if e.runs == nil || runID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if runErr != nil {
		if err := e.runs.Fail(ctx, runID, runErr.Error()); err != nil {
			e.log.Warn("failed to record run failure", zap.Error(err))
		}
		return
	}
	err := e.runs.Complete(ctx, runID, runlog.Result{
		ItemsSucceeded: summary.Succeeded,
		ItemsFailed:    summary.Failed,
	})
	if err != nil {
		e.log.Warn("failed to record run completion", zap.Error(err))
	}
}

// Flushes returns how many flushes the last run performed.
func (e *Engine) Flushes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushes
}
