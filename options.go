package fallback

import (
	"log/slog"
	"maps"
	"math/rand/v2"
	"time"
)

// Default client-version header sent on every call.
const (
	DefaultClientVersionHeader = "X-Client-Version"
	DefaultClientVersion       = "jp-go-fallback/1.0"
)

// ExecutorConfig holds executor configuration options.
type ExecutorConfig struct {
	// ErrorClassifier determines which errors should trigger retries.
	// Default: HTTPStatusClassifier
	ErrorClassifier ErrorClassifier

	// Logger for executor operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Sink receives monitoring events.
	// Default: NopSink
	Sink Sink

	// Cache stores fresh and last-known-good payloads. Caching is disabled
	// when nil.
	Cache *TTLCache

	// Queue receives writes that fail transiently and ask to be queued.
	Queue *MutationQueue

	// Sleeper waits between attempts.
	// Default: TimerSleep
	Sleeper Sleeper

	// Random returns values in [0, 1) for backoff jitter.
	// Default: math/rand/v2 Float64
	Random func() float64

	// DefaultHeaders are merged under per-call headers.
	DefaultHeaders map[string]string

	// ClientVersionHeader and ClientVersion identify this client.
	ClientVersionHeader string
	ClientVersion       string

	// BreakerOptions configure the per-endpoint-class circuit breakers.
	BreakerOptions []CircuitBreakerOption

	// Timeout bounds each attempt. Zero disables the per-attempt deadline.
	// Default: 10 seconds
	Timeout time.Duration

	// BaseDelay is the backoff delay after the first failed attempt.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps computed backoff delays. Retry-After hints may exceed it.
	// Default: 30 seconds
	MaxDelay time.Duration

	// CacheTTL is the default freshness for cacheable GETs. Zero leaves
	// caching opt-in per call.
	CacheTTL time.Duration

	// StaleTTL is how long last-known-good payloads are kept for stale serving.
	// Default: 24 hours
	StaleTTL time.Duration

	// Retries is the number of retries after the first attempt.
	// Default: 3
	Retries int

	// Jitter enables the [0.5, 1.0] random backoff factor.
	// Default: true
	Jitter bool
}

// ExecutorOption is a functional option for configuring an Executor.
type ExecutorOption func(*ExecutorConfig)

// WithRetries sets the number of retries after the first attempt.
//
// Example:
//
//	fallback.WithRetries(5) // up to 6 calls in total
func WithRetries(retries int) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Retries = retries
	}
}

// WithBaseDelay sets the base backoff delay. Attempt n waits base * 2^n.
func WithBaseDelay(delay time.Duration) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.BaseDelay = delay
	}
}

// WithMaxDelay caps computed backoff delays.
func WithMaxDelay(delay time.Duration) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.MaxDelay = delay
	}
}

// WithJitter toggles backoff jitter.
func WithJitter(enabled bool) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Jitter = enabled
	}
}

// WithJitterSource replaces the random source used for jitter.
func WithJitterSource(random func() float64) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Random = random
	}
}

// WithRequestTimeout sets the per-attempt timeout.
func WithRequestTimeout(timeout time.Duration) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Timeout = timeout
	}
}

// WithClientVersion sets the value of the client-version header.
func WithClientVersion(version string) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.ClientVersion = version
	}
}

// WithDefaultHeaders sets headers sent on every call. Per-call headers win.
func WithDefaultHeaders(headers map[string]string) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.DefaultHeaders = maps.Clone(headers)
	}
}

// WithCache enables response caching and stale serving.
func WithCache(cache *TTLCache) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Cache = cache
	}
}

// WithCacheTTL sets default fresh and stale lifetimes for cached GETs.
func WithCacheTTL(fresh, stale time.Duration) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.CacheTTL = fresh
		c.StaleTTL = stale
	}
}

// WithOfflineQueue enables queueing of writes that fail transiently.
// If the queue has no replayer yet, the executor becomes its replayer.
func WithOfflineQueue(queue *MutationQueue) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Queue = queue
	}
}

// WithSink sets the monitoring sink.
func WithSink(sink Sink) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Sink = sink
	}
}

// WithSleeper replaces the wait between attempts.
//
// Example:
//
//	fallback.WithSleeper(func(ctx context.Context, d time.Duration) error {
//	    return nil // tests: no real waiting
//	})
func WithSleeper(sleeper Sleeper) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Sleeper = sleeper
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
func WithErrorClassifier(classifier ErrorClassifier) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Logger = logger
	}
}

// WithBreakerOptions configures the circuit breakers the executor creates
// for each endpoint class.
func WithBreakerOptions(opts ...CircuitBreakerOption) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.BreakerOptions = append(c.BreakerOptions, opts...)
	}
}

// DefaultExecutorConfig returns executor configuration with sensible defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		Retries:             3,
		Timeout:             10 * time.Second,
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		StaleTTL:            24 * time.Hour,
		Jitter:              true,
		ClientVersionHeader: DefaultClientVersionHeader,
		ClientVersion:       DefaultClientVersion,
		ErrorClassifier:     DefaultErrorClassifier(),
		Logger:              slog.Default(),
		Sink:                NopSink{},
		Sleeper:             TimerSleep,
		Random:              rand.Float64,
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ErrorClassifier determines which errors count as failures.
	// Default: HTTPStatusClassifier
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Sink receives circuit-opened, circuit-half-open and circuit-closed.
	// Default: NopSink
	Sink Sink

	// Name identifies the breaker in logs and events.
	// Default: "default"
	Name string

	// Cooldown is how long the circuit stays open before one trial request
	// is let through.
	// Default: 30 seconds
	Cooldown time.Duration

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	// Default: 5
	FailureThreshold uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means a single trial request may test recovery.
	StateHalfOpen

	// StateOpen means requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithFailureThreshold sets how many consecutive failures open the circuit.
//
// Example:
//
//	fallback.WithFailureThreshold(3)
func WithFailureThreshold(threshold uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.FailureThreshold = threshold
	}
}

// WithCooldown sets how long the circuit stays open.
//
// Example:
//
//	fallback.WithCooldown(60 * time.Second)
func WithCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Cooldown = cooldown
	}
}

// WithBreakerName sets the breaker name used in logs and events.
func WithBreakerName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// WithCircuitBreakerErrorClassifier sets a custom error classifier for circuit breaker decisions.
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
//
// Example:
//
//	fallback.WithStateChangeHandler(func(name string, from, to fallback.CircuitBreakerState) {
//	    log.Printf("Circuit %s changed from %s to %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// WithCircuitBreakerSink sets the sink for circuit state events.
func WithCircuitBreakerSink(sink Sink) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Sink = sink
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ErrorClassifier:  DefaultCircuitBreakerErrorClassifier(),
		Logger:           slog.Default(),
		Sink:             NopSink{},
	}
}

// CacheConfig holds TTL cache options.
type CacheConfig struct {
	// Now supplies the current time. Default: time.Now
	Now func() time.Time
}

// CacheOption is a functional option for configuring a TTLCache.
type CacheOption func(*CacheConfig)

// WithClock replaces the cache's time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *CacheConfig) {
		c.Now = now
	}
}

// QueueConfig holds offline mutation queue options.
type QueueConfig struct {
	// Store persists queued items.
	// Default: in-memory store
	Store QueueStore

	// Replayer applies items during drain. NewExecutor fills it in when the
	// queue is passed with WithOfflineQueue.
	Replayer Replayer

	Logger *slog.Logger
	Sink   Sink

	// Now supplies enqueue timestamps. Default: time.Now
	Now func() time.Time
}

// QueueOption is a functional option for configuring a MutationQueue.
type QueueOption func(*QueueConfig)

// WithQueueStore sets the durable store backing the queue.
func WithQueueStore(store QueueStore) QueueOption {
	return func(c *QueueConfig) {
		c.Store = store
	}
}

// WithReplayer sets the function that applies queued operations.
func WithReplayer(replayer Replayer) QueueOption {
	return func(c *QueueConfig) {
		c.Replayer = replayer
	}
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(c *QueueConfig) {
		c.Logger = logger
	}
}

// WithQueueSink sets the queue's monitoring sink.
func WithQueueSink(sink Sink) QueueOption {
	return func(c *QueueConfig) {
		c.Sink = sink
	}
}

// DefaultQueueConfig returns queue configuration with an in-memory store.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Store:  NewMemoryQueueStore(),
		Logger: slog.Default(),
		Sink:   NopSink{},
		Now:    time.Now,
	}
}

// SinkConfig holds AsyncSink options.
type SinkConfig struct {
	Logger *slog.Logger

	// FlushInterval is the longest an event waits before export.
	// Default: 5 seconds
	FlushInterval time.Duration

	// ExportTimeout bounds one Export call.
	// Default: 10 seconds
	ExportTimeout time.Duration

	// BufferSize is the number of events held before new ones are dropped.
	// Default: 1024
	BufferSize int

	// BatchSize triggers an early flush.
	// Default: 100
	BatchSize int
}

// SinkOption is a functional option for configuring an AsyncSink.
type SinkOption func(*SinkConfig)

// WithSinkBuffer sets the event buffer size.
func WithSinkBuffer(size int) SinkOption {
	return func(c *SinkConfig) {
		c.BufferSize = size
	}
}

// WithBatchSize sets the number of events that triggers a flush.
func WithBatchSize(size int) SinkOption {
	return func(c *SinkConfig) {
		c.BatchSize = size
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(interval time.Duration) SinkOption {
	return func(c *SinkConfig) {
		c.FlushInterval = interval
	}
}

// WithSinkLogger sets the logger used to report export failures.
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(c *SinkConfig) {
		c.Logger = logger
	}
}

// DefaultSinkConfig returns sink configuration with sensible defaults.
func DefaultSinkConfig() *SinkConfig {
	return &SinkConfig{
		FlushInterval: 5 * time.Second,
		ExportTimeout: 10 * time.Second,
		BufferSize:    1024,
		BatchSize:     100,
		Logger:        slog.Default(),
	}
}

// ResolverConfig holds Resolver options.
type ResolverConfig struct {
	Logger *slog.Logger
	Sink   Sink

	// ProbeTimeout bounds each pre-flight probe.
	// Default: 2 seconds
	ProbeTimeout time.Duration
}

// ResolverOption is a functional option for configuring a Resolver.
type ResolverOption func(*ResolverConfig)

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(c *ResolverConfig) {
		c.Logger = logger
	}
}

// WithResolverSink sets the resolver's monitoring sink.
func WithResolverSink(sink Sink) ResolverOption {
	return func(c *ResolverConfig) {
		c.Sink = sink
	}
}

// WithProbeTimeout sets the pre-flight probe timeout.
func WithProbeTimeout(timeout time.Duration) ResolverOption {
	return func(c *ResolverConfig) {
		c.ProbeTimeout = timeout
	}
}

// DefaultResolverConfig returns resolver configuration with sensible defaults.
func DefaultResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		ProbeTimeout: 2 * time.Second,
		Logger:       slog.Default(),
		Sink:         NopSink{},
	}
}
