package model

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// DefaultProviderCooldown is how long a provider is skipped after returning
// a rate-limited error.
const DefaultProviderCooldown = 90 * time.Second

type (
	// Binding names one provider-backed Client for an LLMCategory, in
	// fallback priority order (index 0 is primary).
	Binding struct {
		Name   string
		Client Client
	}

	// Router wraps a ranked list of Clients for a single category and
	// falls through primary -> secondary -> tertiary on transient failure,
	// applying a cooldown to any provider that was rate limited so
	// subsequent calls skip it until the cooldown elapses.
	Router struct {
		mu       sync.Mutex
		bindings []Binding
		cooldown time.Duration
		until    map[string]time.Time
		now      func() time.Time
	}

	// TraceRecord is emitted by Router for every attempted call, feeding
	// the Darwin Selector's model fitness counters.
	TraceRecord struct {
		Provider  string
		Model     string
		Request   *Request
		Response  *Response
		Err       error
		Latency   time.Duration
		Succeeded bool
	}
)

// NewRouter constructs a Router over bindings in fallback priority order.
// cooldown <= 0 uses DefaultProviderCooldown.
func NewRouter(bindings []Binding, cooldown time.Duration) *Router {
	if cooldown <= 0 {
		cooldown = DefaultProviderCooldown
	}
	return &Router{
		bindings: bindings,
		cooldown: cooldown,
		until:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// Complete tries each binding in order, skipping any still in cooldown,
// until one succeeds or all have been attempted. onTrace, if non-nil, is
// invoked once per attempt (including failures) so callers can record
// provider fitness.
func (r *Router) Complete(ctx context.Context, req *Request, onTrace func(TraceRecord)) (*Response, error) {
	if len(r.bindings) == 0 {
		return nil, errors.New("model: router has no bindings")
	}
	var lastErr error
	for _, b := range r.bindings {
		if r.inCooldown(b.Name) {
			continue
		}
		start := r.now()
		resp, err := b.Client.Complete(ctx, req)
		latency := r.now().Sub(start)
		if err != nil {
			lastErr = err
			// Only a rate-limited provider enters cooldown; a timed-out or
			// unavailable one is skipped for this call but retried on the
			// next, since its condition is not window-shaped.
			if errors.Is(err, ErrRateLimited) {
				r.setCooldown(b.Name)
			}
			if onTrace != nil {
				onTrace(TraceRecord{Provider: b.Name, Model: req.Model, Request: req, Err: err, Latency: latency})
			}
			if isTransient(err) {
				continue
			}
			return nil, err
		}
		if onTrace != nil {
			onTrace(TraceRecord{Provider: b.Name, Model: req.Model, Request: req, Response: resp, Latency: latency, Succeeded: true})
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("model: all providers in cooldown")
	}
	return nil, lastErr
}

// isTransient reports whether the next provider in the chain should be
// tried. Rate limits and provider-unavailable wraps come classified by the
// adapters; a bare deadline or network timeout that escaped an adapter
// unwrapped still counts.
func isTransient(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (r *Router) inCooldown(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.until[name]
	if !ok {
		return false
	}
	if r.now().After(until) {
		delete(r.until, name)
		return false
	}
	return true
}

func (r *Router) setCooldown(name string) {
	r.mu.Lock()
	r.until[name] = r.now().Add(r.cooldown)
	r.mu.Unlock()
}
