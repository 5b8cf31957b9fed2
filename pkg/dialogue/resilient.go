package dialogue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/harunnryd/voicebank/pkg/errorsx"
	"github.com/harunnryd/voicebank/pkg/resilience"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
}

// Resilient wraps an Engine with a circuit breaker and retries on opening
// the stream. Once deltas start flowing nothing is retried, since text may
// already have reached the client.
type Resilient struct {
	inner   Engine
	retry   RetryConfig
	breaker *resilience.CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewResilient(inner Engine, retry RetryConfig, breaker *resilience.CircuitBreaker) *Resilient {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 2
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = 100 * time.Millisecond
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 2 * time.Second
	}
	if retry.IsRetryable == nil {
		retry.IsRetryable = DefaultIsRetryable
	}
	return &Resilient{inner: inner, retry: retry, breaker: breaker, sleep: sleepCtx}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) Respond(ctx context.Context, req Request) (Reply, error) {
	if !r.breaker.Allow() {
		return Reply{}, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonEngineCircuitOpen)
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for i := 0; i < r.retry.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return Reply{}, err
		}
		reply, err := r.inner.Respond(ctx, req)
		if err == nil {
			r.breaker.OnSuccess()
			return reply, nil
		}
		lastErr = err
		r.breaker.OnError(err)
		if !r.retry.IsRetryable(err) || i == r.retry.MaxAttempts-1 || !r.breaker.Allow() {
			break
		}
		if err := r.sleep(ctx, backoffDelay(r.retry.BaseDelay, r.retry.MaxDelay, r.retry.Jitter, i, rnd)); err != nil {
			return Reply{}, err
		}
	}
	if errorsx.Reason(lastErr) != errorsx.ReasonUnknown {
		return Reply{}, lastErr
	}
	return Reply{}, errorsx.Errorf(errorsx.ReasonEngineGenerate, "engine %s: %w", r.inner.Name(), lastErr)
}

func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	return true
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max {
		d = max
	}
	if jitter > 0 {
		return d + time.Duration(float64(d)*jitter*r.Float64())
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
