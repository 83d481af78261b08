package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Default retry parameters for transient transport faults.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 250 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
)

// RetryConfig tunes a [RetryClient]. Zero-value fields get defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of Send attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Default: 250ms.
	Backoff time.Duration

	// MaxBackoff caps the backoff growth. Default: 2s.
	MaxBackoff time.Duration

	// OnRetry, when non-nil, is called before each re-attempt with the
	// attempt number just failed and the error. Used for metrics.
	OnRetry func(attempt int, err error)
}

// RetryClient wraps a [Client] with bounded exponential backoff for
// [TransportError] failures during session establishment.
//
// Retrying is only safe before any response chunk has been delivered: once
// Send returns a live [Stream], mid-stream failures are surfaced to the
// caller unchanged, never replayed, so a partial response is never rendered
// twice. On exhaustion the last TransportError reaches the caller.
type RetryClient struct {
	inner       Client
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	onRetry     func(int, error)
}

// NewRetryClient wraps inner with the given retry policy.
func NewRetryClient(inner Client, cfg RetryConfig) *RetryClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &RetryClient{
		inner:       inner,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		onRetry:     cfg.OnRetry,
	}
}

// Send implements [Client]. Transport failures are retried up to the
// configured attempt count; request rejections and context cancellation
// propagate immediately.
func (c *RetryClient) Send(ctx context.Context, req Request) (Stream, error) {
	backoff := c.backoff
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		stream, err := c.inner.Send(ctx, req)
		if err == nil {
			return stream, nil
		}

		var transport *TransportError
		if !errors.As(err, &transport) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}

		slog.Debug("gateway: transient send failure, retrying",
			"correlation_id", req.CorrelationID,
			"attempt", attempt,
			"backoff", backoff,
			"err", err,
		)
		if c.onRetry != nil {
			c.onRetry(attempt, err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return nil, lastErr
}
