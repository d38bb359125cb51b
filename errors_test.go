package fallback_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker/v2"

	fallback "github.com/JohnPlummer/jp-go-fallback"
)

var _ = Describe("Normalize", func() {
	It("should return nil for nil", func() {
		Expect(fallback.Normalize(nil)).To(BeNil())
	})

	It("should return an existing NormalizedError unchanged", func() {
		ne := &fallback.NormalizedError{Status: 502, Code: fallback.CodeServerError}
		Expect(fallback.Normalize(fmt.Errorf("wrapped: %w", ne))).To(BeIdenticalTo(ne))
	})

	DescribeTable("maps errors to codes",
		func(err error, code fallback.ErrorCode, status int) {
			ne := fallback.Normalize(err)
			Expect(ne.Code).To(Equal(code))
			Expect(ne.Status).To(Equal(status))
			Expect(errors.Is(ne, err)).To(BeTrue())
		},
		Entry("deadline", context.DeadlineExceeded, fallback.CodeTimeout, 0),
		Entry("jp-go-errors timeout", jperrors.NewTimeoutError("slow", "op", time.Second), fallback.CodeTimeout, 0),
		Entry("open circuit", gobreaker.ErrOpenState, fallback.CodeCircuitOpen, http.StatusServiceUnavailable),
		Entry("half-open busy", gobreaker.ErrTooManyRequests, fallback.CodeCircuitOpen, http.StatusServiceUnavailable),
		Entry("rate limited sentinel", jperrors.ErrRateLimited, fallback.CodeRateLimited, http.StatusTooManyRequests),
		Entry("status 500", fallback.NewStatusCodeError(500, errors.New("boom")), fallback.CodeServerError, 500),
		Entry("status 404", fallback.NewStatusCodeError(404, errors.New("missing")), fallback.CodeClientError, 404),
		Entry("plain transport error", errors.New("connection refused"), fallback.CodeNetwork, 0),
	)

	It("should flag caller cancellation", func() {
		ne := fallback.Normalize(context.Canceled)
		Expect(ne.Code).To(Equal(fallback.CodeTimeout))
		Expect(ne.Canceled()).To(BeTrue())
		Expect(ne.Transient()).To(BeFalse())
	})

	It("should match the jp-go-errors rate limit sentinel", func() {
		ne := fallback.NormalizeResponse(http.StatusTooManyRequests, nil, nil)
		Expect(errors.Is(ne, jperrors.ErrRateLimited)).To(BeTrue())
		Expect(fallback.IsCode(ne, fallback.CodeRateLimited)).To(BeTrue())
	})
})

var _ = Describe("NormalizeResponse", func() {
	It("should capture Retry-After and X-Request-ID from a 429", func() {
		h := http.Header{}
		h.Set("Retry-After", "5")
		h.Set("X-Request-ID", "abc-123")

		ne := fallback.NormalizeResponse(http.StatusTooManyRequests, h, nil)
		Expect(ne.Status).To(Equal(429))
		Expect(ne.Code).To(Equal(fallback.CodeRateLimited))
		Expect(ne.RetryAfter).To(Equal(5 * time.Second))
		Expect(ne.RequestID).To(Equal("abc-123"))
		Expect(ne.Error()).To(ContainSubstring("request_id=abc-123"))
	})

	It("should default Retry-After to 60s", func() {
		Expect(fallback.NormalizeResponse(429, http.Header{}, nil).RetryAfter).To(Equal(60 * time.Second))
	})

	It("should take the message from an error envelope", func() {
		body := []byte(`{"success":false,"error":{"code":"OUT_OF_STOCK","message":"item unavailable"}}`)
		ne := fallback.NormalizeResponse(http.StatusConflict, nil, body)
		Expect(ne.Code).To(Equal(fallback.CodeClientError))
		Expect(ne.Message).To(Equal("item unavailable"))
	})

	It("should treat a 2xx failure envelope as a server error", func() {
		ne := fallback.NormalizeResponse(http.StatusOK, nil, []byte(`{"success":false,"error":"db down"}`))
		Expect(ne.Status).To(Equal(500))
		Expect(ne.Code).To(Equal(fallback.CodeServerError))
		Expect(ne.Message).To(Equal("db down"))
	})
})

var _ = Describe("ParseRetryAfter", func() {
	DescribeTable("parses header values",
		func(value string, expected time.Duration) {
			Expect(fallback.ParseRetryAfter(value)).To(Equal(expected))
		},
		Entry("seconds", "5", 5*time.Second),
		Entry("zero", "0", time.Duration(0)),
		Entry("padded", " 12 ", 12*time.Second),
		Entry("empty", "", fallback.DefaultRetryAfter),
		Entry("garbage", "soon", fallback.DefaultRetryAfter),
		Entry("negative", "-3", fallback.DefaultRetryAfter),
		Entry("past date", "Mon, 02 Jan 2006 15:04:05 GMT", time.Duration(0)),
	)

	It("should parse an HTTP date in the future", func() {
		at := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
		d := fallback.ParseRetryAfter(at)
		Expect(d).To(BeNumerically(">", 80*time.Second))
		Expect(d).To(BeNumerically("<=", 90*time.Second))
	})
})

var _ = Describe("HTTPStatusClassifier", func() {
	var classifier *fallback.HTTPStatusClassifier

	BeforeEach(func() {
		classifier = fallback.NewHTTPStatusClassifier()
	})

	DescribeTable("IsRetryable",
		func(err error, expected bool) {
			Expect(classifier.IsRetryable(err)).To(Equal(expected))
		},
		Entry("nil", nil, false),
		Entry("500", fallback.NormalizeResponse(500, nil, nil), true),
		Entry("503", fallback.NormalizeResponse(503, nil, nil), true),
		Entry("429", fallback.NormalizeResponse(429, nil, nil), true),
		Entry("400", fallback.NormalizeResponse(400, nil, nil), false),
		Entry("404", fallback.NormalizeResponse(404, nil, nil), false),
		Entry("timeout", context.DeadlineExceeded, true),
		Entry("transport", errors.New("connection reset"), true),
		Entry("caller cancelled", context.Canceled, false),
		Entry("circuit open", gobreaker.ErrOpenState, false),
	)

	DescribeTable("ShouldTripCircuit",
		func(err error, expected bool) {
			Expect(classifier.ShouldTripCircuit(err)).To(Equal(expected))
		},
		Entry("nil", nil, false),
		Entry("500", fallback.NormalizeResponse(500, nil, nil), true),
		Entry("429", fallback.NormalizeResponse(429, nil, nil), false),
		Entry("404", fallback.NormalizeResponse(404, nil, nil), false),
		Entry("timeout", context.DeadlineExceeded, true),
		Entry("transport", errors.New("no route to host"), true),
		Entry("caller cancelled", context.Canceled, false),
	)

	It("should honour custom retryable statuses", func() {
		classifier.RetryableStatuses = []int{502}
		Expect(classifier.IsRetryable(fallback.NormalizeResponse(502, nil, nil))).To(BeTrue())
		Expect(classifier.IsRetryable(fallback.NormalizeResponse(500, nil, nil))).To(BeFalse())
		Expect(classifier.IsRetryable(context.DeadlineExceeded)).To(BeTrue())
	})

	It("should honour custom trip statuses", func() {
		classifier.CircuitTripStatuses = []int{503, 404}
		Expect(classifier.ShouldTripCircuit(fallback.NormalizeResponse(404, nil, nil))).To(BeTrue())
		Expect(classifier.ShouldTripCircuit(fallback.NormalizeResponse(500, nil, nil))).To(BeFalse())
	})
})
