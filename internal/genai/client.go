package genai

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultAttemptTimeout = 15 * time.Second
	defaultMaxRetries     = 3

	backoffBase = time.Second
	backoffCap  = 8 * time.Second
)

// Client enforces the generation call policy over a raw provider: a hard
// timeout per attempt and up to MaxRetries additional attempts on retryable
// failures, with capped exponential backoff between attempts. Terminal
// failures and exhausted budgets surface as the last classified *Error.
type Client struct {
	provider       Generator
	attemptTimeout time.Duration
	maxRetries     int
}

// Option customizes a Client.
type Option func(*Client)

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithMaxRetries overrides the number of additional attempts after the first.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// NewClient wraps a provider with the retry/timeout policy.
func NewClient(provider Generator, opts ...Option) *Client {
	c := &Client{
		provider:       provider,
		attemptTimeout: defaultAttemptTimeout,
		maxRetries:     defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate runs the provider call under the retry policy.
func (c *Client) Generate(ctx context.Context, prompt string, history []Turn) (string, error) {
	var lastErr *Error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			slog.Debug("generation retry scheduled",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"delay", delay,
				"kind", lastErr.Kind)
			select {
			case <-ctx.Done():
				return "", classifyTransport(ctx.Err())
			case <-time.After(delay):
			}
		}

		text, err := c.generateOnce(ctx, prompt, history)
		if err == nil {
			return text, nil
		}

		genErr := AsError(err)
		if ctx.Err() != nil {
			// The caller's context expired, not the attempt's; stop here.
			return "", classifyTransport(ctx.Err())
		}
		if !genErr.Retryable {
			return "", genErr
		}
		lastErr = genErr
	}

	return "", lastErr
}

func (c *Client) generateOnce(ctx context.Context, prompt string, history []Turn) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()
	return c.provider.Generate(attemptCtx, prompt, history)
}

// backoffDelay returns min(1s * 2^n, 8s) for the nth completed attempt.
func backoffDelay(n int) time.Duration {
	delay := backoffBase << n
	if delay > backoffCap || delay <= 0 {
		return backoffCap
	}
	return delay
}
