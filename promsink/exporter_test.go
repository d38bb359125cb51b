package promsink_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	fallback "github.com/JohnPlummer/jp-go-fallback"
	"github.com/JohnPlummer/jp-go-fallback/promsink"
)

var _ = Describe("Exporter", func() {
	var (
		reg      *prometheus.Registry
		exporter *promsink.Exporter
	)

	BeforeEach(func() {
		reg = prometheus.NewRegistry()
		var err error
		exporter, err = promsink.New(reg, "storefront")
		Expect(err).NotTo(HaveOccurred())
	})

	It("should count events by name", func() {
		exporter.Record(fallback.EventCacheHit, nil)
		exporter.Record(fallback.EventCacheHit, nil)
		exporter.Record(fallback.EventRetryAttempted, fallback.Properties{"attempt": 1})

		expected := `
# HELP storefront_events_total Total number of resilience events by name
# TYPE storefront_events_total counter
storefront_events_total{event="cache-hit"} 2
storefront_events_total{event="retry-attempted"} 1
`
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "storefront_events_total")).To(Succeed())
	})

	It("should track circuit state per endpoint class", func() {
		exporter.Record(fallback.EventCircuitOpened, fallback.Properties{"endpoint_class": "catalog"})
		exporter.Record(fallback.EventCircuitHalfOpen, fallback.Properties{"endpoint_class": "cart"})

		expected := `
# HELP storefront_circuit_state Circuit breaker state per endpoint class (0 closed, 1 half-open, 2 open)
# TYPE storefront_circuit_state gauge
storefront_circuit_state{endpoint_class="cart"} 1
storefront_circuit_state{endpoint_class="catalog"} 2
`
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "storefront_circuit_state")).To(Succeed())

		exporter.Record(fallback.EventCircuitClosed, fallback.Properties{"endpoint_class": "catalog"})
		Expect(testutil.GatherAndCount(reg, "storefront_circuit_state")).To(Equal(2))
	})

	It("should follow the offline queue depth", func() {
		exporter.Record(fallback.EventQueueItemAdded, nil)
		exporter.Record(fallback.EventQueueItemAdded, nil)
		exporter.Record(fallback.EventQueueItemAdded, nil)
		exporter.Record(fallback.EventQueueItemReplayed, nil)
		exporter.Record(fallback.EventQueueItemDiscarded, nil)

		expected := `
# HELP storefront_offline_queue_depth Writes waiting in the offline queue
# TYPE storefront_offline_queue_depth gauge
storefront_offline_queue_depth 1
`
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "storefront_offline_queue_depth")).To(Succeed())

		exporter.SetQueueDepth(7)
		expected = strings.Replace(expected, "storefront_offline_queue_depth 1", "storefront_offline_queue_depth 7", 1)
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "storefront_offline_queue_depth")).To(Succeed())
	})

	It("should observe response times of successful requests", func() {
		exporter.Record(fallback.EventRequestSucceeded, fallback.Properties{
			"endpoint_class":   "catalog",
			"response_time_ms": int64(120),
		})
		Expect(testutil.GatherAndCount(reg, "storefront_request_duration_seconds")).To(Equal(1))
	})

	It("should work behind an AsyncSink", func() {
		sink := fallback.NewAsyncSink(exporter, fallback.WithFlushInterval(10*time.Millisecond))
		sink.Record(fallback.EventFallbackSourceUsed, fallback.Properties{"source": "mirror"})
		Expect(sink.Close(context.Background())).To(Succeed())

		Expect(testutil.GatherAndCount(reg, "storefront_events_total")).To(Equal(1))
	})

	It("should reject duplicate registration", func() {
		_, err := promsink.New(reg, "storefront")
		Expect(err).To(HaveOccurred())
	})

	It("should serve metrics over HTTP", func() {
		exporter.Record(fallback.EventCacheMiss, nil)

		srv := httptest.NewServer(promsink.Handler(reg))
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring(`storefront_events_total{event="cache-miss"} 1`))
	})
})
