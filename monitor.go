package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Monitoring event names.
const (
	EventRequestSucceeded   = "request-succeeded"
	EventRequestFailed      = "request-failed"
	EventRetryAttempted     = "retry-attempted"
	EventRetrySucceeded     = "retry-succeeded"
	EventCacheHit           = "cache-hit"
	EventCacheMiss          = "cache-miss"
	EventStaleServed        = "stale-served"
	EventCircuitOpened      = "circuit-opened"
	EventCircuitHalfOpen    = "circuit-half-open"
	EventCircuitClosed      = "circuit-closed"
	EventFallbackSourceUsed = "fallback-source-used"
	EventSourcesExhausted   = "sources-exhausted"
	EventQueueItemAdded     = "queue-item-added"
	EventQueueItemReplayed  = "queue-item-replayed"
	EventQueueReplayFailed  = "queue-replay-failed"
	EventQueueItemDiscarded = "queue-item-discarded"
	EventConnectivity       = "connectivity-changed"
)

// Properties carries event attributes.
type Properties map[string]any

// Sink receives monitoring events. Record has no error result: a sink must
// never fail or block the caller.
type Sink interface {
	Record(event string, props Properties)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event string, props Properties)

// Record implements Sink.
func (f SinkFunc) Record(event string, props Properties) {
	f(event, props)
}

// NopSink discards every event.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(string, Properties) {}

// Event is a recorded monitoring event.
type Event struct {
	Time       time.Time
	Properties Properties
	Name       string
}

// Exporter ships batches of events to a backend. Exporters may fail; the
// AsyncSink logs and drops failed batches.
type Exporter interface {
	Export(ctx context.Context, events []Event) error
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc func(ctx context.Context, events []Event) error

// Export implements Exporter.
func (f ExporterFunc) Export(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// AsyncSink queues events in a bounded buffer and flushes them to an
// Exporter from a background goroutine. When the buffer is full new events
// are dropped and counted.
type AsyncSink struct {
	exporter Exporter
	config   *SinkConfig
	logger   *slog.Logger
	events   chan Event
	quit     chan struct{}
	done     chan struct{}
	stop     sync.Once
	closed   atomic.Bool
	dropped  atomic.Int64
}

// NewAsyncSink starts a sink flushing to exporter. Call Close to flush the
// remaining events and stop the goroutine. Non-positive sizes and intervals
// fall back to usable values.
func NewAsyncSink(exporter Exporter, opts ...SinkOption) *AsyncSink {
	config := DefaultSinkConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	defaults := DefaultSinkConfig()
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.ExportTimeout <= 0 {
		config.ExportTimeout = defaults.ExportTimeout
	}

	s := &AsyncSink{
		exporter: exporter,
		config:   config,
		logger:   config.Logger,
		events:   make(chan Event, config.BufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Record implements Sink. It never blocks.
func (s *AsyncSink) Record(event string, props Properties) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- Event{Name: event, Properties: props, Time: time.Now()}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was
// full or the sink was closed.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes buffered events and stops the flush goroutine.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.stop.Do(func() {
		s.closed.Store(true)
		close(s.quit)
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.config.BatchSize)
	for {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
			if len(batch) >= s.config.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.quit:
			for {
				select {
				case ev := <-s.events:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *AsyncSink) flush(batch []Event) {
	out := make([]Event, len(batch))
	copy(out, batch)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("monitoring exporter panicked", "panic", fmt.Sprint(r), "events", len(out))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ExportTimeout)
	defer cancel()
	if err := s.exporter.Export(ctx, out); err != nil {
		s.logger.Debug("monitoring export failed", "error", err, "events", len(out))
	}
}

// SlogExporter writes events to a structured logger.
type SlogExporter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogExporter creates an exporter logging at level.
func NewSlogExporter(logger *slog.Logger, level slog.Level) *SlogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogExporter{logger: logger, level: level}
}

// Export implements Exporter.
func (e *SlogExporter) Export(ctx context.Context, events []Event) error {
	for _, ev := range events {
		attrs := make([]slog.Attr, 0, len(ev.Properties)+1)
		attrs = append(attrs, slog.Time("at", ev.Time))
		for k, v := range ev.Properties {
			attrs = append(attrs, slog.Any(k, v))
		}
		e.logger.LogAttrs(ctx, e.level, ev.Name, attrs...)
	}
	return nil
}

// safeRecord shields callers from a misbehaving synchronous sink.
func safeRecord(sink Sink, event string, props Properties) {
	if sink == nil {
		return
	}
	defer func() { _ = recover() }()
	sink.Record(event, props)
}
