// Package middleware provides reusable model.Client middlewares, in
// particular the rate limiter that enforces the Mission Orchestrator's
// request-per-minute and token-per-window ceilings ahead of every call to a
// provider adapter.
package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/swarmforge/orchestrator/runtime/model"
)

const (
	// DefaultRPM is the default requests-per-minute ceiling.
	DefaultRPM = 15
	// DefaultTokenWindow is the default token budget replenished every
	// TokenWindowPeriod.
	DefaultTokenWindow = 100000
	// TokenWindowPeriod is the rolling window the token ceiling applies over.
	TokenWindowPeriod = 60 * time.Second
	// DefaultRateWaitMax bounds how long a caller blocks for capacity before
	// the limiter fails the call with model.ErrRateLimited.
	DefaultRateWaitMax = 30 * time.Second
)

type (
	// RateLimiter enforces a hard requests-per-minute ceiling and a soft
	// tokens-per-window ceiling ahead of a model.Client. Unlike an AIMD
	// adaptive limiter, the configured ceilings are fixed; the limiter never
	// raises or lowers them in response to traffic. A 429 observed downstream
	// is the Router's signal to apply a provider cooldown, not this
	// limiter's — RateLimiter only bounds local request pacing.
	RateLimiter struct {
		requests *rate.Limiter
		tokens   *rate.Limiter
		waitMax  time.Duration

		mu        sync.Mutex
		onWaitErr func(err error)
	}

	limitedClient struct {
		next model.Client
		rl   *RateLimiter
	}
)

// New constructs a RateLimiter. rpm <= 0 uses DefaultRPM, tokenWindow <= 0
// uses DefaultTokenWindow, waitMax <= 0 uses DefaultRateWaitMax.
func New(rpm int, tokenWindow int, waitMax time.Duration) *RateLimiter {
	if rpm <= 0 {
		rpm = DefaultRPM
	}
	if tokenWindow <= 0 {
		tokenWindow = DefaultTokenWindow
	}
	if waitMax <= 0 {
		waitMax = DefaultRateWaitMax
	}
	return &RateLimiter{
		requests: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		tokens:   rate.NewLimiter(rate.Limit(float64(tokenWindow)/TokenWindowPeriod.Seconds()), tokenWindow),
		waitMax:  waitMax,
	}
}

// Middleware returns a model.Client wrapper that waits for capacity before
// delegating to next, failing with model.ErrRateLimited if capacity does not
// free up within waitMax.
func (l *RateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, rl: l}
	}
}

func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.rl.wait(ctx, req); err != nil {
		return nil, err
	}
	return c.next.Complete(ctx, req)
}

func (l *RateLimiter) wait(ctx context.Context, req *model.Request) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.waitMax)
	defer cancel()

	if err := l.requests.Wait(waitCtx); err != nil {
		return rateLimitedOr(ctx, err)
	}

	tokens := estimateTokens(req)
	if tokens > l.tokens.Burst() {
		tokens = l.tokens.Burst()
	}
	if err := l.tokens.WaitN(waitCtx, tokens); err != nil {
		return rateLimitedOr(ctx, err)
	}
	return nil
}

// rateLimitedOr maps a limiter timeout to model.ErrRateLimited while
// preserving caller cancellation as a plain context error.
func rateLimitedOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// rate.Limiter refuses up front a wait that would overrun waitCtx's
	// deadline, with its own error rather than context.DeadlineExceeded;
	// either way capacity did not free up within waitMax.
	return errors.Join(model.ErrRateLimited, err)
}

// estimateTokens approximates a request's token cost from character counts
// (roughly one token per three characters) plus a fixed buffer for
// tool/system overhead, since the exact tokenizer is provider-specific and
// unavailable ahead of the call.
func estimateTokens(req *model.Request) int {
	if req == nil {
		return 0
	}
	chars := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok {
				chars += len(t.Text)
			}
		}
	}
	for _, td := range req.Tools {
		chars += len(td.Name) + len(td.Description)
	}
	tokens := chars/3 + 500
	if req.MaxTokens > 0 {
		tokens += req.MaxTokens
	}
	return tokens
}
