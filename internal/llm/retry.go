package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	. "github.com/roelfdiedericks/personagate/internal/metrics"
)

// DefaultRetryDelays is the wait before each retry of a rate-limited call.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// RetryPolicy wraps a single client call with bounded retries. Only
// rate_limit failures are retried; every other kind aborts immediately.
type RetryPolicy struct {
	Delays []time.Duration

	// NewTimer builds the timer used for backoff waits. nil = real timers.
	NewTimer func() backoff.Timer
}

// NewRetryPolicy returns a policy with the given schedule, or the default
// 1s/2s/4s schedule when delays is empty.
func NewRetryPolicy(delays []time.Duration) *RetryPolicy {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	return &RetryPolicy{Delays: append([]time.Duration(nil), delays...)}
}

// scheduleBackOff yields a fixed list of delays and then backoff.Stop.
type scheduleBackOff struct {
	delays []time.Duration
	next   int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.delays) {
		return backoff.Stop
	}
	d := b.delays[b.next]
	b.next++
	return d
}

func (b *scheduleBackOff) Reset() { b.next = 0 }

// retryCall runs op under the policy. It returns the value, the number of
// attempts made, and on failure the last *ProviderError seen.
func retryCall[T any](ctx context.Context, p *RetryPolicy, provider string, op func(ctx context.Context) (T, error)) (T, int, error) {
	attempts := 0
	var lastErr *ProviderError

	operation := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = classify(provider, err)
		if !lastErr.Retryable() || ctx.Err() != nil {
			return v, backoff.Permanent(lastErr)
		}
		return v, lastErr
	}
	notify := func(err error, wait time.Duration) {
		MetricInc("llm/"+provider, "retry")
		L_info("retry: rate limited, backing off", "provider", provider, "attempt", attempts, "wait", wait)
	}

	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}

	b := backoff.WithContext(&scheduleBackOff{delays: p.Delays}, ctx)
	v, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, timer)
	if err == nil {
		return v, attempts, nil
	}

	// Context cancellation during a wait surfaces as ctx.Err(); report the
	// provider failure that led to the wait instead.
	if lastErr != nil && !errors.As(err, new(*ProviderError)) {
		err = lastErr
	}
	if lastErr == nil {
		err = classify(provider, err)
	}
	L_debug("retry: giving up", "provider", provider, "attempts", attempts, "errorType", KindOf(err))
	return v, attempts, err
}

// Complete runs client.Complete under the policy.
func (p *RetryPolicy) Complete(ctx context.Context, client Client, req CompletionRequest) (Completion, int, error) {
	return retryCall(ctx, p, client.Name(), func(ctx context.Context) (Completion, error) {
		return complete(ctx, client, req)
	})
}
