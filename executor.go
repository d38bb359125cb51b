package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"golang.org/x/sync/singleflight"
)

const staleKeyPrefix = "stale:"

// FetchResult is the outcome of one logical call.
//
// When Error is set together with Data, Data is best effort: stale cache or
// a degraded backend payload. When Queued is set the write was accepted into
// the offline queue and Error explains why it could not be applied now.
type FetchResult[T any] struct {
	Data  T
	Error *NormalizedError

	// QueueItemID identifies the queued write when Queued is set.
	QueueItemID string

	Stale  bool
	Cached bool
	Queued bool
}

// Executor runs one logical request: it merges headers, applies the
// per-attempt timeout, routes the attempt through the endpoint's circuit
// breaker, classifies failures and retries with exponential backoff. Around
// that loop it serves fresh cache hits, falls back to last-known-good data,
// and hands failed writes to the offline queue.
type Executor struct {
	client     ResilientClient[*Call, *Response]
	breakers   *BreakerGroup[*Call, *Response]
	config     *ExecutorConfig
	logger     *slog.Logger
	classifier ErrorClassifier
	sink       Sink
	stats      *executorStats
	flight     singleflight.Group
}

type executorStats struct {
	lastAttemptTime time.Time
	lastError       error
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	staleServed     int64
	queued          int64
	mu              sync.RWMutex
}

// NewExecutor creates an Executor over transport. Each endpoint class gets
// its own circuit breaker configured by WithBreakerOptions.
//
// Example:
//
//	cache := fallback.NewTTLCache()
//	exec := fallback.NewExecutor(
//	    fallback.NewHTTPTransport(&http.Client{}),
//	    fallback.WithRetries(3),
//	    fallback.WithCache(cache),
//	    fallback.WithBreakerOptions(fallback.WithFailureThreshold(5)),
//	)
func NewExecutor(transport ResilientClient[*Call, *Response], opts ...ExecutorOption) *Executor {
	config := DefaultExecutorConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier()
	}
	if config.Sink == nil {
		config.Sink = NopSink{}
	}
	if config.Sleeper == nil {
		config.Sleeper = TimerSleep
	}
	if config.Random == nil {
		config.Random = DefaultExecutorConfig().Random
	}
	if config.ClientVersionHeader == "" {
		config.ClientVersionHeader = DefaultClientVersionHeader
	}

	breakerOpts := append([]CircuitBreakerOption{
		WithCircuitBreakerLogger(config.Logger),
		WithCircuitBreakerSink(config.Sink),
	}, config.BreakerOptions...)
	breakers := NewBreakerGroup(transport, func(c *Call) string { return c.EndpointClass }, breakerOpts...)

	e := &Executor{
		client:     breakers,
		breakers:   breakers,
		config:     config,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
		sink:       config.Sink,
		stats:      &executorStats{},
	}

	if config.Queue != nil {
		config.Queue.bindReplayer(e)
	}
	return e
}

// callPolicy is the executor configuration resolved for one descriptor.
type callPolicy struct {
	cacheKey  string
	timeout   time.Duration
	baseDelay time.Duration
	cacheTTL  time.Duration
	staleTTL  time.Duration
	retries   int
	jitter    bool
	cacheable bool
}

func (e *Executor) policy(desc RequestDescriptor) callPolicy {
	p := callPolicy{
		timeout:   e.config.Timeout,
		baseDelay: e.config.BaseDelay,
		cacheTTL:  e.config.CacheTTL,
		staleTTL:  e.config.StaleTTL,
		retries:   e.config.Retries,
		jitter:    e.config.Jitter,
	}
	if cfg := desc.Config; cfg != nil {
		if cfg.Timeout > 0 {
			p.timeout = cfg.Timeout
		}
		if cfg.BaseDelay > 0 {
			p.baseDelay = cfg.BaseDelay
		}
		if cfg.Retries != nil {
			p.retries = *cfg.Retries
		}
		if cfg.Jitter != nil {
			p.jitter = *cfg.Jitter
		}
		if cfg.CacheTTL > 0 {
			p.cacheTTL = cfg.CacheTTL
		}
		if cfg.StaleTTL > 0 {
			p.staleTTL = cfg.StaleTTL
		}
	}
	p.cacheable = e.config.Cache != nil && desc.method() == http.MethodGet && p.cacheTTL > 0
	if p.cacheable {
		p.cacheKey = desc.CacheKey()
	}
	return p
}

// Execute implements ResilientClient. It returns a result whenever data of
// any provenance is available, and a *NormalizedError otherwise.
func (e *Executor) Execute(ctx context.Context, desc RequestDescriptor) (*FetchResult[json.RawMessage], error) {
	if err := ctx.Err(); err != nil {
		return nil, canceledError(err)
	}

	desc = desc.Clone()
	p := e.policy(desc)
	if !p.cacheable {
		return e.fetch(ctx, desc, p)
	}

	if v, ok := e.config.Cache.Get(p.cacheKey); ok {
		if data, ok := v.(json.RawMessage); ok {
			safeRecord(e.sink, EventCacheHit, Properties{"key": p.cacheKey, "url": desc.URL})
			return &FetchResult[json.RawMessage]{Data: data, Cached: true}, nil
		}
	}
	safeRecord(e.sink, EventCacheMiss, Properties{"key": p.cacheKey, "url": desc.URL})

	// Concurrent misses for the same key share one backend call. Each caller
	// still stops waiting when its own context ends.
	ch := e.flight.DoChan(p.cacheKey, func() (any, error) {
		return e.fetch(ctx, desc, p)
	})
	select {
	case <-ctx.Done():
		return nil, canceledError(ctx.Err())
	case shared := <-ch:
		if shared.Err != nil {
			// The caller that started the shared call gave up; callers
			// that are still live fetch on their own.
			if ne := Normalize(shared.Err); ne.Canceled() && ctx.Err() == nil {
				return e.fetch(ctx, desc, p)
			}
			return nil, shared.Err
		}
		res := *shared.Val.(*FetchResult[json.RawMessage])
		return &res, nil
	}
}

func (e *Executor) fetch(ctx context.Context, desc RequestDescriptor, p callPolicy) (*FetchResult[json.RawMessage], error) {
	resp, ne := e.retry(ctx, e.newCall(desc), p)
	if ne == nil {
		data := json.RawMessage(resp.Data)
		if resp.Degraded != nil {
			e.logger.Warn("backend returned degraded payload",
				"url", desc.URL,
				"error", resp.Degraded)
			safeRecord(e.sink, EventStaleServed, Properties{"url": desc.URL, "origin": "backend", "code": string(resp.Degraded.Code)})
			return &FetchResult[json.RawMessage]{Data: data, Stale: true, Error: resp.Degraded}, nil
		}
		if p.cacheable {
			e.config.Cache.Set(p.cacheKey, data, p.cacheTTL)
			e.config.Cache.Set(staleKeyPrefix+p.cacheKey, data, p.staleTTL)
		}
		return &FetchResult[json.RawMessage]{Data: data}, nil
	}

	if p.cacheable && ne.Transient() {
		if v, ok := e.config.Cache.Get(staleKeyPrefix + p.cacheKey); ok {
			if data, ok := v.(json.RawMessage); ok {
				e.stats.record(func(s *executorStats) { s.staleServed++ })
				e.logger.Warn("serving stale data",
					"url", desc.URL,
					"code", ne.Code)
				safeRecord(e.sink, EventStaleServed, Properties{"url": desc.URL, "origin": "cache", "code": string(ne.Code)})
				return &FetchResult[json.RawMessage]{Data: data, Stale: true, Cached: true, Error: ne}, nil
			}
		}
	}

	if desc.QueueOnFailure && e.config.Queue != nil && desc.method() != http.MethodGet && ne.Transient() {
		item, err := e.config.Queue.Enqueue(ctx, desc)
		if err == nil {
			e.stats.record(func(s *executorStats) { s.queued++ })
			return &FetchResult[json.RawMessage]{Queued: true, QueueItemID: item.ID, Error: ne}, nil
		}
		e.logger.Warn("failed to queue write for replay",
			"url", desc.URL,
			"error", err)
	}

	return nil, ne
}

// retry runs attempts sequentially until one succeeds, the error is not
// retryable, or the retry budget is spent.
func (e *Executor) retry(ctx context.Context, call *Call, p callPolicy) (*Response, *NormalizedError) {
	backoff := newBackoff(p.retries, p.baseDelay, e.config.MaxDelay, p.jitter, e.config.Random)

	for attempt := 0; ; attempt++ {
		call.Attempt = attempt
		e.stats.record(func(s *executorStats) {
			s.totalAttempts++
			if attempt > 0 {
				s.totalRetries++
			}
			s.lastAttemptTime = time.Now()
		})

		start := time.Now()
		resp, ne := e.attempt(ctx, call, p)
		elapsed := time.Since(start)
		if ne == nil {
			e.stats.record(func(s *executorStats) { s.totalSuccesses++ })
			if attempt > 0 {
				e.logger.Info("request succeeded after retry",
					"url", call.URL,
					"attempts", attempt+1)
				safeRecord(e.sink, EventRetrySucceeded, Properties{"url": call.URL, "attempts": attempt + 1})
			}
			safeRecord(e.sink, EventRequestSucceeded, Properties{
				"url":              call.URL,
				"endpoint_class":   call.EndpointClass,
				"response_time_ms": elapsed.Milliseconds(),
			})
			return resp, nil
		}

		if ne.Canceled() || !e.classifier.IsRetryable(ne) {
			e.logger.Debug("non-retryable error, giving up",
				"url", call.URL,
				"error", ne,
				"attempts", attempt+1)
			return nil, e.failed(call, ne, attempt+1)
		}

		delay, stop := backoff.Next()
		if stop {
			return nil, e.failed(call, ne, attempt+1)
		}
		// Retry-After does not reset the exponential attempt counter.
		if ne.Code == CodeRateLimited && ne.RetryAfter > delay {
			delay = ne.RetryAfter
		}

		e.logger.Debug("retrying request after delay",
			"url", call.URL,
			"attempt", attempt+1,
			"delay", delay,
			"error", ne)
		safeRecord(e.sink, EventRetryAttempted, Properties{
			"url":      call.URL,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"code":     string(ne.Code),
			"status":   ne.Status,
		})

		if err := e.config.Sleeper(ctx, delay); err != nil {
			return nil, e.failed(call, canceledError(err), attempt+1)
		}
	}
}

func (e *Executor) attempt(ctx context.Context, call *Call, p callPolicy) (*Response, *NormalizedError) {
	attemptCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeoutCause(ctx, p.timeout, errAttemptTimeout)
		defer cancel()
	}

	resp, err := e.client.Execute(attemptCtx, call)
	if err == nil {
		return resp, nil
	}

	switch {
	case ctx.Err() != nil:
		ne := canceledError(ctx.Err())
		ne.Err = errors.Join(ctx.Err(), err)
		return nil, ne
	case attemptCtx.Err() != nil && errors.Is(context.Cause(attemptCtx), errAttemptTimeout):
		return nil, &NormalizedError{
			Code:    CodeTimeout,
			Message: fmt.Sprintf("attempt timed out after %s", p.timeout),
			Err:     errors.Join(jperrors.NewTimeoutError("attempt timed out", call.Method+" "+call.URL, p.timeout), err),
		}
	}
	return nil, Normalize(err)
}

func (e *Executor) failed(call *Call, ne *NormalizedError, attempts int) *NormalizedError {
	e.stats.record(func(s *executorStats) {
		s.totalFailures++
		s.lastError = ne
	})
	e.logger.Warn("request failed",
		"url", call.URL,
		"attempts", attempts,
		"error", ne)
	safeRecord(e.sink, EventRequestFailed, Properties{
		"url":            call.URL,
		"endpoint_class": call.EndpointClass,
		"attempts":       attempts,
		"code":           string(ne.Code),
		"status":         ne.Status,
		"request_id":     ne.RequestID,
	})
	return ne
}

// newCall merges headers: defaults, then descriptor headers, then per-call
// config headers, later layers winning.
func (e *Executor) newCall(desc RequestDescriptor) *Call {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if e.config.ClientVersion != "" {
		h.Set(e.config.ClientVersionHeader, e.config.ClientVersion)
	}
	for k, v := range e.config.DefaultHeaders {
		h.Set(k, v)
	}
	for k, v := range desc.Headers {
		h.Set(k, v)
	}
	if desc.Config != nil {
		for k, v := range desc.Config.Headers {
			h.Set(k, v)
		}
	}

	return &Call{
		Header:        h,
		Method:        desc.method(),
		URL:           desc.URL,
		EndpointClass: desc.endpointClass(),
		Body:          desc.Body,
	}
}

// Replay implements Replayer so an Executor can apply queued writes. The
// item is executed without re-queueing; a degraded answer counts as failure.
func (e *Executor) Replay(ctx context.Context, item QueueItem) error {
	desc := item.Operation.Clone()
	desc.QueueOnFailure = false

	res, err := e.Execute(ctx, desc)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// Breakers exposes the per-endpoint-class circuit breakers.
func (e *Executor) Breakers() *BreakerGroup[*Call, *Response] {
	return e.breakers
}

// Fetch executes desc and decodes the payload into T. A decode failure of
// otherwise good data is returned as an error.
func Fetch[T any](ctx context.Context, e *Executor, desc RequestDescriptor) (*FetchResult[T], error) {
	raw, err := e.Execute(ctx, desc)
	if err != nil {
		return nil, err
	}
	return Decode[T](raw)
}

// Decode converts a raw result into a typed one.
func Decode[T any](raw *FetchResult[json.RawMessage]) (*FetchResult[T], error) {
	out := &FetchResult[T]{
		Error:       raw.Error,
		QueueItemID: raw.QueueItemID,
		Stale:       raw.Stale,
		Cached:      raw.Cached,
		Queued:      raw.Queued,
	}
	if len(raw.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw.Data, &out.Data); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// ExecutorStats holds statistics about executor operations.
type ExecutorStats struct {
	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last error a call failed with (if any)
	LastError error

	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of successful calls
	TotalSuccesses int64

	// TotalFailures is the number of failed calls (after all retries exhausted)
	TotalFailures int64

	// StaleServed counts calls answered from last-known-good cache
	StaleServed int64

	// Queued counts writes handed to the offline queue
	Queued int64
}

// GetStats returns a snapshot of executor statistics.
func (e *Executor) GetStats() ExecutorStats {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()

	return ExecutorStats{
		TotalAttempts:   e.stats.totalAttempts,
		TotalRetries:    e.stats.totalRetries,
		TotalSuccesses:  e.stats.totalSuccesses,
		TotalFailures:   e.stats.totalFailures,
		StaleServed:     e.stats.staleServed,
		Queued:          e.stats.queued,
		LastAttemptTime: e.stats.lastAttemptTime,
		LastError:       e.stats.lastError,
	}
}

func (s *executorStats) record(fn func(*executorStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}
