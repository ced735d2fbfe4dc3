package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LimiterConfig controls outbound request pacing and throttling cooldown.
type LimiterConfig struct {
	// RPS is the requests-per-second ceiling. Default: 1.
	RPS float64

	// Burst is the token-bucket burst size. Default: 1. A burst of 1 keeps
	// calls evenly spaced, which is what most government APIs expect.
	Burst int

	// CooldownBase is the first cooldown delay after a throttling signal.
	// Default: 60s.
	CooldownBase time.Duration

	// CooldownMax caps the escalating cooldown. Default: 15m.
	CooldownMax time.Duration
}

// DefaultLimiterConfig returns the limiter configuration for polite scraping.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		RPS:          1,
		Burst:        1,
		CooldownBase: 60 * time.Second,
		CooldownMax:  15 * time.Minute,
	}
}

// Limiter throttles outbound calls to a configured frequency and escalates
// into cooldown mode under sustained throttling responses. Every call path
// to the upstream must go through Acquire; a single mutex guards all state
// so the limiter can be shared by a worker pool.
type Limiter struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	cfg      LimiterConfig
	cooldown time.Duration // 0 = normal mode
	strikes  int           // consecutive throttling signals

	// sleepFunc allows test injection of time.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a Limiter with the given config.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = 60 * time.Second
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 15 * time.Minute
	}
	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:       cfg,
		sleepFunc: sleepCtx,
	}
}

// Acquire blocks until issuing another call would not exceed the configured
// rate. In cooldown mode it first sleeps the current cooldown delay.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	cd := l.cooldown
	l.mu.Unlock()

	if cd > 0 {
		zap.L().Info("rate limiter in cooldown",
			zap.Duration("delay", cd),
		)
		if err := l.sleepFunc(ctx, cd); err != nil {
			return err
		}
	}

	return l.limiter.Wait(ctx)
}

// OnRateLimited records a throttling signal. The first signal enters
// cooldown at CooldownBase; each further consecutive signal doubles the
// delay, capped at CooldownMax.
func (l *Limiter) OnRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.strikes++
	if l.cooldown == 0 {
		l.cooldown = l.cfg.CooldownBase
	} else {
		l.cooldown *= 2
		if l.cooldown > l.cfg.CooldownMax {
			l.cooldown = l.cfg.CooldownMax
		}
	}

	zap.L().Warn("throttled by upstream, escalating cooldown",
		zap.Int("consecutive", l.strikes),
		zap.Duration("cooldown", l.cooldown),
	)
}

// OnSuccess resets the limiter to baseline after a successful call.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cooldown > 0 {
		zap.L().Info("upstream recovered, leaving cooldown")
	}
	l.cooldown = 0
	l.strikes = 0
}

// Cooldown returns the current cooldown delay (0 in normal mode).
func (l *Limiter) Cooldown() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldown
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
