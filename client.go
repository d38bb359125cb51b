// Package fallback keeps outbound calls to an unreliable backend usable through
// network failure, overload and rate limiting. It combines retries with
// exponential backoff and jitter, a per-endpoint circuit breaker, a TTL cache
// that can serve stale data, cascading source resolution and an offline queue
// for writes that could not be applied.
//
// Errors from every layer are normalized into *NormalizedError so callers can
// decide between rendering stale data and showing a hard failure.
package fallback

import (
	"context"
)

// ResilientClient defines a generic interface for executing requests.
// The HTTP transport, the circuit breaker wrappers and the Executor all
// implement it, so layers compose by wrapping one another.
//
// Example:
//
//	transport := fallback.NewHTTPTransport(&http.Client{})
//	exec := fallback.NewExecutor(
//	    transport,
//	    fallback.WithRetries(3),
//	    fallback.WithBaseDelay(time.Second),
//	)
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context should be used to control timeouts and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}
