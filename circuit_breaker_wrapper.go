package fallback

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// errAttemptTimeout is the cancellation cause the Executor attaches to the
// per-attempt deadline. It separates "the backend was too slow" from "the
// caller gave up".
var errAttemptTimeout = errors.New("fallback: attempt deadline exceeded")

// CircuitBreakerWrapper guards a ResilientClient with a closed/open/half-open
// breaker. After FailureThreshold consecutive failures it rejects calls
// without touching the client until Cooldown elapses, then lets exactly one
// trial through: success closes the circuit, failure reopens it.
type CircuitBreakerWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	cb         *gobreaker.TwoStepCircuitBreaker[Resp]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
	name       string
}

// NewCircuitBreakerWrapper creates a new circuit breaker wrapper around a ResilientClient.
//
// Example:
//
//	wrapper := fallback.NewCircuitBreakerWrapper(
//	    client,
//	    fallback.WithFailureThreshold(5),
//	    fallback.WithCooldown(30*time.Second),
//	)
func NewCircuitBreakerWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...CircuitBreakerOption,
) *CircuitBreakerWrapper[Req, Resp] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.Sink == nil {
		config.Sink = NopSink{}
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}

	threshold := config.FailureThreshold
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: 1,
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			safeRecord(config.Sink, stateEvent(to), Properties{
				"endpoint_class": name,
				"from":           from.String(),
				"to":             to.String(),
			})

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
	}

	return &CircuitBreakerWrapper[Req, Resp]{
		client:     client,
		cb:         gobreaker.NewTwoStepCircuitBreaker[Resp](settings),
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
		name:       config.Name,
	}
}

// Execute executes the request through the circuit breaker.
// When the circuit is open the client is not called and a NormalizedError
// with CodeCircuitOpen is returned; it still matches gobreaker.ErrOpenState
// (or ErrTooManyRequests while a half-open trial is in flight) via errors.Is.
func (w *CircuitBreakerWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	done, err := w.cb.Allow()
	if err != nil {
		return zero, w.rejection(err)
	}

	resp, err := w.client.Execute(ctx, req)
	w.report(ctx, done, err)
	if err != nil {
		return zero, err
	}
	return resp, nil
}

// report feeds the outcome back into the breaker. Caller cancellation is
// left out of the statistics. A cancelled half-open trial still has to
// release the trial slot, which rearms the cooldown; the state change resets
// the counts.
func (w *CircuitBreakerWrapper[Req, Resp]) report(ctx context.Context, done func(bool), err error) {
	switch {
	case err == nil:
		done(true)
	case callerCanceled(ctx, err):
		if w.cb.State() == gobreaker.StateHalfOpen {
			// gobreaker has no way to hand the trial slot back unused. Reporting
			// a failure reopens the circuit and rearms the cooldown, so a
			// cancelled trial costs one extra cooldown but never closes the
			// circuit on an unproven backend.
			done(false)
		}
		w.logger.Debug("request canceled by caller, not counted", "name", w.name)
	case w.classifier.ShouldTripCircuit(err):
		done(false)
		w.logger.Debug("request failed through circuit breaker", "name", w.name, "error", err)
	default:
		done(true)
	}
}

func (w *CircuitBreakerWrapper[Req, Resp]) rejection(err error) error {
	counts := w.cb.Counts()
	state := "open"
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		state = "half-open"
		w.logger.Debug("circuit breaker in half-open state, trial already in flight", "name", w.name)
	} else {
		w.logger.Warn("circuit breaker is open, request rejected", "name", w.name, "counts", counts)
	}

	cause := jperrors.NewCircuitBreakerError(
		"request rejected",
		"execute",
		state,
		jperrors.WithCause(err),
		jperrors.WithCounts(jperrors.CircuitCounts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}),
	)
	return &NormalizedError{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeCircuitOpen,
		Message: "circuit " + state + " for " + w.name,
		Err:     cause,
	}
}

// callerCanceled reports whether err comes from the caller's context rather
// than from the per-attempt deadline.
func callerCanceled(ctx context.Context, err error) bool {
	if ne := Normalize(err); ne != nil && ne.Canceled() {
		return true
	}
	if ctx.Err() == nil {
		return false
	}
	return !errors.Is(context.Cause(ctx), errAttemptTimeout)
}

// Name returns the breaker name.
func (w *CircuitBreakerWrapper[Req, Resp]) Name() string {
	return w.name
}

// State returns the current state of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) State() CircuitBreakerState {
	return convertGobreakerState(w.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) Counts() CircuitBreakerCounts {
	counts := w.cb.Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// GetHealth returns the health status of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) GetHealth() HealthStatus {
	return newHealthStatus(w.name, w.State(), w.Counts())
}

func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

func stateEvent(to gobreaker.State) string {
	switch to {
	case gobreaker.StateOpen:
		return EventCircuitOpened
	case gobreaker.StateHalfOpen:
		return EventCircuitHalfOpen
	default:
		return EventCircuitClosed
	}
}

// BreakerGroup keeps one circuit breaker per endpoint class so that an
// unhealthy endpoint does not block unrelated ones.
type BreakerGroup[Req, Resp any] struct {
	client   ResilientClient[Req, Resp]
	classOf  func(Req) string
	breakers map[string]*CircuitBreakerWrapper[Req, Resp]
	opts     []CircuitBreakerOption
	mu       sync.Mutex
}

// NewBreakerGroup creates a group routing each request to the breaker of
// classOf(req). Breakers are created lazily with opts.
func NewBreakerGroup[Req, Resp any](
	client ResilientClient[Req, Resp],
	classOf func(Req) string,
	opts ...CircuitBreakerOption,
) *BreakerGroup[Req, Resp] {
	return &BreakerGroup[Req, Resp]{
		client:   client,
		classOf:  classOf,
		breakers: make(map[string]*CircuitBreakerWrapper[Req, Resp]),
		opts:     opts,
	}
}

// Execute implements ResilientClient.
func (g *BreakerGroup[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return g.Breaker(g.classOf(req)).Execute(ctx, req)
}

// Breaker returns the breaker for class, creating it on first use.
func (g *BreakerGroup[Req, Resp]) Breaker(class string) *CircuitBreakerWrapper[Req, Resp] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[class]; ok {
		return b
	}

	opts := make([]CircuitBreakerOption, 0, len(g.opts)+1)
	opts = append(opts, g.opts...)
	opts = append(opts, WithBreakerName(class))
	b := NewCircuitBreakerWrapper(g.client, opts...)
	g.breakers[class] = b
	return b
}

// Health returns the health of every breaker created so far, sorted by name.
func (g *BreakerGroup[Req, Resp]) Health() []HealthStatus {
	g.mu.Lock()
	breakers := make([]*CircuitBreakerWrapper[Req, Resp], 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	out := make([]HealthStatus, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.GetHealth())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
