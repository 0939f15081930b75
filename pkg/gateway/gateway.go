// Package gateway wraps an embedding provider behind a single choke point.
//
// The gateway is the only component allowed to talk to the embedding
// provider. It adds a bounded retry budget, a per-request timeout, and
// in-flight deduplication of identical concurrent requests. Stores treat
// embedding as an enhancement: when the gateway reports the provider as
// unavailable they degrade instead of failing.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/semretrieve/semretrieve-go/pkg/embedder"
)

// ErrProviderUnavailable indicates that no embedding provider is
// configured. This is an expected steady state when the embedding feature
// is disabled, not an exceptional condition.
var ErrProviderUnavailable = errors.New("embedding provider is not configured")

// ProviderError indicates that the embedding provider failed after the
// retry budget was exhausted.
type ProviderError struct {
	// Attempts is the number of attempts made before giving up.
	Attempts int

	// Err is the error from the last attempt.
	Err error
}

// Error returns a formatted error message.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Gateway wraps an embedder.Provider with retries, timeouts, and
// in-flight request coalescing.
//
// Concurrent Embed calls for the same trimmed text share one underlying
// provider call; the in-flight entry is removed once the call settles,
// success or failure. This is burst coalescing only, not a cache: two
// sequential calls for the same text both hit the provider.
type Gateway struct {
	// provider is the wrapped embedding provider (nil when unconfigured).
	provider embedder.Provider

	// timeout bounds each provider attempt.
	timeout time.Duration

	// maxRetries is the number of retries after the first attempt.
	maxRetries int

	// backoff is the fixed delay between attempts.
	backoff time.Duration

	// inflight coalesces concurrent identical requests. Owned by this
	// instance; entries are inserted at call start and removed at
	// settlement.
	inflight singleflight.Group
}

// Config contains configuration for creating a Gateway.
type Config struct {
	// Timeout bounds each provider attempt (default: 30s).
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt
	// (default: 2).
	MaxRetries int

	// Backoff is the fixed delay between attempts (default: 500ms).
	Backoff time.Duration
}

// New creates a new Gateway wrapping the given provider.
//
// A nil provider is allowed and produces a gateway that reports not ready
// and fails every call with ErrProviderUnavailable.
func New(provider embedder.Provider, cfg *Config) *Gateway {
	if cfg == nil {
		cfg = &Config{}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}

	return &Gateway{
		provider:   provider,
		timeout:    timeout,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// IsReady reports whether an embedding provider is configured. A ready
// gateway is not necessarily reachable.
func (g *Gateway) IsReady() bool {
	return g != nil && g.provider != nil
}

// Embed converts text into a vector embedding.
//
// Concurrent calls for the same trimmed text are coalesced into a single
// provider call; every waiter receives the same result. Returns
// ErrProviderUnavailable when no provider is configured, or a
// *ProviderError after the retry budget is exhausted.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if !g.IsReady() {
		return nil, ErrProviderUnavailable
	}

	key := strings.TrimSpace(text)

	v, err, _ := g.inflight.Do(key, func() (interface{}, error) {
		return g.embedWithRetry(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch converts multiple texts into vector embeddings.
//
// The result has the same length and order as the input. Batch calls are
// not coalesced; only single-text bursts overlap in practice.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !g.IsReady() {
		return nil, ErrProviderUnavailable
	}
	if len(texts) == 0 {
		return nil, nil
	}

	var lastErr error
	attempts := g.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := g.wait(ctx); err != nil {
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		vectors, err := g.provider.EmbedBatch(attemptCtx, texts)
		cancel()
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &ProviderError{Attempts: attempts, Err: lastErr}
}

// embedWithRetry runs a single-text embed through the retry budget.
func (g *Gateway) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	attempts := g.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := g.wait(ctx); err != nil {
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		vector, err := g.provider.Embed(attemptCtx, text)
		cancel()
		if err == nil {
			return vector, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &ProviderError{Attempts: attempts, Err: lastErr}
}

// wait sleeps for the fixed backoff or until the context is done.
func (g *Gateway) wait(ctx context.Context) error {
	timer := time.NewTimer(g.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close closes the wrapped provider, if any.
func (g *Gateway) Close() error {
	if g.provider != nil {
		return g.provider.Close()
	}
	return nil
}
