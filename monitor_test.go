package fallback_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	fallback "github.com/JohnPlummer/jp-go-fallback"
)

// collectingExporter keeps every exported batch.
type collectingExporter struct {
	batches [][]fallback.Event
	mu      sync.Mutex
}

func (c *collectingExporter) Export(_ context.Context, events []fallback.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, events)
	return nil
}

func (c *collectingExporter) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, b := range c.batches {
		for _, ev := range b {
			names = append(names, ev.Name)
		}
	}
	return names
}

func (c *collectingExporter) BatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

var _ = Describe("AsyncSink", func() {
	var (
		ctx      context.Context
		exporter *collectingExporter
	)

	BeforeEach(func() {
		ctx = context.Background()
		exporter = &collectingExporter{}
	})

	It("should flush when a batch fills up", func() {
		sink := fallback.NewAsyncSink(exporter,
			fallback.WithBatchSize(2),
			fallback.WithFlushInterval(time.Hour),
			fallback.WithSinkLogger(quietLogger()),
		)
		DeferCleanup(sink.Close, ctx)

		sink.Record(fallback.EventCacheHit, fallback.Properties{"key": "a"})
		sink.Record(fallback.EventCacheMiss, fallback.Properties{"key": "b"})

		Eventually(exporter.Names).Should(Equal([]string{fallback.EventCacheHit, fallback.EventCacheMiss}))
		Expect(exporter.BatchCount()).To(Equal(1))
	})

	It("should flush partial batches on the interval", func() {
		sink := fallback.NewAsyncSink(exporter,
			fallback.WithBatchSize(100),
			fallback.WithFlushInterval(20*time.Millisecond),
			fallback.WithSinkLogger(quietLogger()),
		)
		DeferCleanup(sink.Close, ctx)

		sink.Record(fallback.EventRetryAttempted, nil)
		Eventually(exporter.Names).Should(ConsistOf(fallback.EventRetryAttempted))
	})

	It("should flush the remainder on Close and drop later events", func() {
		sink := fallback.NewAsyncSink(exporter,
			fallback.WithBatchSize(100),
			fallback.WithFlushInterval(time.Hour),
			fallback.WithSinkLogger(quietLogger()),
		)

		for range 5 {
			sink.Record(fallback.EventRequestSucceeded, nil)
		}
		Expect(sink.Close(ctx)).To(Succeed())
		Expect(exporter.Names()).To(HaveLen(5))

		sink.Record(fallback.EventRequestFailed, nil)
		Expect(sink.Dropped()).To(Equal(int64(1)))
		Expect(sink.Close(ctx)).To(Succeed())
	})

	It("should fall back to the default interval for non-positive settings", func() {
		sink := fallback.NewAsyncSink(exporter,
			fallback.WithFlushInterval(0),
			fallback.WithSinkBuffer(-1),
			fallback.WithBatchSize(-1),
			fallback.WithSinkLogger(quietLogger()),
		)

		sink.Record(fallback.EventCacheHit, nil)
		Eventually(exporter.Names).Should(ConsistOf(fallback.EventCacheHit))
		Expect(sink.Close(ctx)).To(Succeed())

		negative := fallback.NewAsyncSink(exporter,
			fallback.WithFlushInterval(-time.Second),
			fallback.WithSinkLogger(quietLogger()),
		)
		Expect(negative.Close(ctx)).To(Succeed())
	})

	It("should drop and count events when the buffer is full", func() {
		release := make(chan struct{})
		blocking := fallback.ExporterFunc(func(ctx context.Context, events []fallback.Event) error {
			<-release
			return nil
		})
		sink := fallback.NewAsyncSink(blocking,
			fallback.WithSinkBuffer(2),
			fallback.WithBatchSize(1),
			fallback.WithFlushInterval(time.Hour),
			fallback.WithSinkLogger(quietLogger()),
		)

		// The first event is taken by the flusher, which then blocks.
		sink.Record("first", nil)
		Eventually(func() int64 {
			sink.Record("filler", nil)
			return sink.Dropped()
		}).Should(BeNumerically(">", 0))

		close(release)
		Expect(sink.Close(ctx)).To(Succeed())
	})

	It("should survive exporters that fail or panic", func() {
		var calls int
		var mu sync.Mutex
		flaky := fallback.ExporterFunc(func(ctx context.Context, events []fallback.Event) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				panic("exporter bug")
			}
			return errors.New("collector unavailable")
		})
		sink := fallback.NewAsyncSink(flaky,
			fallback.WithBatchSize(1),
			fallback.WithSinkLogger(quietLogger()),
		)

		Expect(func() {
			sink.Record("a", nil)
			sink.Record("b", nil)
		}).NotTo(Panic())
		Expect(sink.Close(ctx)).To(Succeed())

		mu.Lock()
		defer mu.Unlock()
		Expect(calls).To(Equal(2))
	})

	It("should give up waiting when Close's context ends", func() {
		release := make(chan struct{})
		defer close(release)
		blocking := fallback.ExporterFunc(func(ctx context.Context, events []fallback.Event) error {
			<-release
			return nil
		})
		sink := fallback.NewAsyncSink(blocking, fallback.WithBatchSize(1), fallback.WithSinkLogger(quietLogger()))
		sink.Record("stuck", nil)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		Eventually(func() error { return sink.Close(cctx) }).Should(MatchError(context.DeadlineExceeded))
	})
})

var _ = Describe("Sinks", func() {
	It("should adapt functions with SinkFunc", func() {
		var got []string
		sink := fallback.SinkFunc(func(event string, _ fallback.Properties) {
			got = append(got, event)
		})
		sink.Record(fallback.EventStaleServed, nil)
		Expect(got).To(Equal([]string{fallback.EventStaleServed}))
	})

	It("should log events with SlogExporter", func() {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		exporter := fallback.NewSlogExporter(logger, slog.LevelInfo)

		err := exporter.Export(context.Background(), []fallback.Event{{
			Name:       fallback.EventCircuitOpened,
			Time:       time.Now(),
			Properties: fallback.Properties{"endpoint_class": "pricing"},
		}})
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.String()).To(ContainSubstring(`"msg":"circuit-opened"`))
		Expect(buf.String()).To(ContainSubstring(`"endpoint_class":"pricing"`))
	})

	It("should keep a panicking sink away from the request path", func() {
		transport := newMockTransport(respond(`{"ok":true}`))
		exec := fallback.NewExecutor(transport,
			fallback.WithLogger(quietLogger()),
			fallback.WithSink(fallback.SinkFunc(func(string, fallback.Properties) { panic("sink bug") })),
		)

		res, err := exec.Execute(context.Background(), fallback.RequestDescriptor{URL: "https://api.test/ok"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(res.Data)).To(Equal(`{"ok":true}`))
	})
})
