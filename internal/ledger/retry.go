package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// RetryConfig tunes the conflict-retry executor.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterFactor spreads retry delays by ±factor to avoid synchronized
	// retries under contention. Must be in [0, 1).
	JitterFactor float64
}

// DefaultRetryConfig matches expected contention on a single authorization
// row: short first wait, bounded total budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.1,
	}
}

// RetryMetrics counts operations that needed at least one retry and
// operations that spent the whole budget. It is an explicit object rather
// than package state so tests can assert on isolated instances.
type RetryMetrics struct {
	retried   atomic.Int64
	exhausted atomic.Int64
}

// Retried returns the number of operations that required at least one retry.
func (m *RetryMetrics) Retried() int64 { return m.retried.Load() }

// Exhausted returns the number of operations that ran out of retry budget.
func (m *RetryMetrics) Exhausted() int64 { return m.exhausted.Load() }

// Executor runs a unit-mutating closure and transparently retries
// serialization conflicts with bounded exponential backoff. Business and
// validation errors propagate immediately: retrying a rule rejection would
// never succeed.
type Executor struct {
	cfg     RetryConfig
	metrics *RetryMetrics

	mu  sync.Mutex
	rnd *rand.Rand

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an executor with the given config and metrics sink.
// A nil metrics pointer gets a private instance.
func NewExecutor(cfg RetryConfig, metrics *RetryMetrics) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if cfg.JitterFactor < 0 || cfg.JitterFactor >= 1 {
		cfg.JitterFactor = DefaultRetryConfig().JitterFactor
	}
	if metrics == nil {
		metrics = &RetryMetrics{}
	}
	return &Executor{
		cfg:     cfg,
		metrics: metrics,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
	}
}

// Metrics exposes the executor's metrics sink.
func (e *Executor) Metrics() *RetryMetrics { return e.metrics }

// Execute runs op, retrying serialization conflicts up to the configured
// budget. Any non-conflict error propagates untouched. After the budget is
// spent the final conflict is returned wrapped in RetryExhaustedError.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
		if attempt == 0 {
			e.metrics.retried.Add(1)
		}
		if attempt == e.cfg.MaxAttempts-1 {
			break
		}
		if err := e.sleep(ctx, e.delay(attempt)); err != nil {
			return err
		}
	}
	e.metrics.exhausted.Add(1)
	return &RetryExhaustedError{Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

func (e *Executor) delay(attempt int) time.Duration {
	d := e.cfg.BaseDelay << uint(attempt)
	if d > e.cfg.MaxDelay || d <= 0 {
		d = e.cfg.MaxDelay
	}
	if e.cfg.JitterFactor > 0 {
		e.mu.Lock()
		f := 1 + e.cfg.JitterFactor*(2*e.rnd.Float64()-1)
		e.mu.Unlock()
		d = time.Duration(float64(d) * f)
	}
	return d
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
