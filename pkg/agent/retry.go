package agent

import (
	"context"
	"time"

	"github.com/harun/halte/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
)

// RetryPolicy bounds the first completion of a turn.
type RetryPolicy struct {
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number between attempts.
	BaseDelay time.Duration
	// CallTimeout bounds each attempt.
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 1s base delay, 30s per call.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * p.BaseDelay
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// callOnce runs one completion under the policy's per-call timeout.
func callOnce(ctx context.Context, provider LLMProvider, req LLMRequest, timeout time.Duration, attempt int) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.completion",
		tracing.AttrAttempt.Int(attempt),
		tracing.AttrProvider.String(provider.Provider()),
	)
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := provider.Call(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

// callWithRetry retries any failure until attempts run out or the parent
// context ends. It returns the last error.
func callWithRetry(ctx context.Context, provider LLMProvider, req LLMRequest, policy RetryPolicy, sleep sleepFunc) (*LLMResponse, int, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := callOnce(ctx, provider, req, policy.CallTimeout, attempt)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil || attempt == attempts {
			return nil, attempt, lastErr
		}

		delay := policy.Delay(attempt)
		logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying completion after error")

		if err := sleep(ctx, delay); err != nil {
			return nil, attempt, lastErr
		}
	}
	return nil, attempts, lastErr
}
