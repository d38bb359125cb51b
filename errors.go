package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// ErrorCode classifies a NormalizedError.
type ErrorCode string

const (
	// CodeTimeout covers attempt deadlines and caller cancellation.
	CodeTimeout ErrorCode = "timeout"

	// CodeNetwork covers transport failures that produced no HTTP status.
	CodeNetwork ErrorCode = "network_error"

	// CodeRateLimited is an HTTP 429 from the backend.
	CodeRateLimited ErrorCode = "rate_limited"

	// CodeServerError is an HTTP 5xx from the backend.
	CodeServerError ErrorCode = "server_error"

	// CodeClientError is an HTTP 4xx other than 429. It is never retried.
	CodeClientError ErrorCode = "client_error"

	// CodeCircuitOpen means the request was rejected without a network call.
	CodeCircuitOpen ErrorCode = "circuit_open"

	// CodeAllSourcesExhausted is raised only by Resolver after every source failed.
	CodeAllSourcesExhausted ErrorCode = "all_sources_exhausted"

	// CodeQueueReplayFailed is raised by MutationQueue when a replayed item fails.
	CodeQueueReplayFailed ErrorCode = "queue_replay_failed"
)

// DefaultRetryAfter is used for 429 responses with a missing or malformed
// Retry-After header.
const DefaultRetryAfter = 60 * time.Second

const (
	headerRequestID  = "X-Request-ID"
	headerRetryAfter = "Retry-After"
)

// NormalizedError is the single error shape produced by this package.
// Status is always populated for HTTP failures; transport failures, timeouts
// and queue failures without an HTTP cause carry status 0.
type NormalizedError struct {
	// Err is the underlying cause, if any.
	Err error

	Code      ErrorCode
	Message   string
	RequestID string

	// RetryAfter is the backend's rate-limit hint. Zero means absent.
	RetryAfter time.Duration

	Status int

	canceled bool
}

// Error implements the error interface.
func (e *NormalizedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (status %d): %s", e.Code, e.Status, e.Message)
	if e.RequestID != "" {
		fmt.Fprintf(&b, " [request_id=%s]", e.RequestID)
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *NormalizedError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status. This implements the HTTPError interface.
func (e *NormalizedError) StatusCode() int {
	return e.Status
}

// Is lets rate-limited errors match the jp-go-errors sentinel.
func (e *NormalizedError) Is(target error) bool {
	return target == jperrors.ErrRateLimited && e.Code == CodeRateLimited
}

// Canceled reports whether the error was caused by the caller's own context
// being cancelled or reaching its deadline. Such errors are never retried and
// never counted against a circuit breaker.
func (e *NormalizedError) Canceled() bool {
	return e.canceled
}

// Transient reports whether the error describes backend unhealth that may
// clear on its own.
func (e *NormalizedError) Transient() bool {
	if e.canceled {
		return false
	}
	switch e.Code {
	case CodeTimeout, CodeNetwork, CodeRateLimited, CodeServerError, CodeCircuitOpen:
		return true
	default:
		return false
	}
}

// IsCode reports whether err normalizes to the given code.
func IsCode(err error, code ErrorCode) bool {
	ne := Normalize(err)
	return ne != nil && ne.Code == code
}

// Normalize maps any error into a NormalizedError. It returns nil for nil.
// Errors that already are (or wrap) a NormalizedError are returned as is.
func Normalize(err error) *NormalizedError {
	if err == nil {
		return nil
	}

	var ne *NormalizedError
	if errors.As(err, &ne) {
		return ne
	}

	switch {
	case errors.Is(err, context.Canceled):
		return canceledError(err)
	case errors.Is(err, context.DeadlineExceeded), jperrors.IsTimeout(err):
		return &NormalizedError{Code: CodeTimeout, Message: err.Error(), Err: err}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &NormalizedError{Status: http.StatusServiceUnavailable, Code: CodeCircuitOpen, Message: err.Error(), Err: err}
	case errors.Is(err, jperrors.ErrRateLimited):
		return &NormalizedError{
			Status:     http.StatusTooManyRequests,
			Code:       CodeRateLimited,
			Message:    err.Error(),
			RetryAfter: DefaultRetryAfter,
			Err:        err,
		}
	}

	if status := extractStatusCode(err); status != 0 {
		ne := fromStatus(status, nil)
		ne.Message = err.Error()
		ne.Err = err
		return ne
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &NormalizedError{Code: CodeTimeout, Message: err.Error(), Err: err}
	}

	return &NormalizedError{Code: CodeNetwork, Message: err.Error(), Err: err}
}

// NormalizeResponse builds the error for a failed HTTP response. The request
// id and Retry-After hint are captured from headers; a JSON error envelope in
// the body supplies the message when present.
func NormalizeResponse(status int, header http.Header, body []byte) *NormalizedError {
	if status < http.StatusBadRequest {
		// A 2xx/3xx carrying success:false has no usable status of its own.
		status = http.StatusInternalServerError
	}

	ne := fromStatus(status, header)
	ne.Message = http.StatusText(status)
	if env, ok := parseEnvelope(body); ok {
		if msg := env.errorMessage(); msg != "" {
			ne.Message = msg
		}
	}
	return ne
}

func fromStatus(status int, header http.Header) *NormalizedError {
	ne := &NormalizedError{Status: status}
	if header != nil {
		ne.RequestID = header.Get(headerRequestID)
	}

	switch {
	case status == http.StatusTooManyRequests:
		ne.Code = CodeRateLimited
		ne.RetryAfter = DefaultRetryAfter
		if header != nil {
			ne.RetryAfter = ParseRetryAfter(header.Get(headerRetryAfter))
		}
	case status >= http.StatusInternalServerError:
		ne.Code = CodeServerError
	default:
		ne.Code = CodeClientError
	}
	return ne
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Absent or malformed values yield DefaultRetryAfter.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

func canceledError(err error) *NormalizedError {
	return &NormalizedError{
		Code:     CodeTimeout,
		Message:  "request canceled: " + err.Error(),
		Err:      err,
		canceled: true,
	}
}

// envelope is the generic success/error wrapper some backends use:
// {success, data, error, meta: {stale}}.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
	Meta    struct {
		Stale bool `json:"stale"`
	} `json:"meta"`
}

func parseEnvelope(body []byte) (envelope, bool) {
	var env envelope
	if len(body) == 0 || body[0] != '{' {
		return env, false
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Success == nil {
		return env, false
	}
	return env, true
}

// degraded reports a failed envelope that still carries a stale payload.
func (e envelope) degraded() bool {
	return e.Success != nil && !*e.Success && e.Meta.Stale && len(e.Data) > 0 && string(e.Data) != "null"
}

func (e envelope) errorMessage() string {
	if len(e.Error) == 0 {
		return ""
	}
	var msg string
	if err := json.Unmarshal(e.Error, &msg); err == nil {
		return msg
	}
	var detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Error, &detail); err == nil {
		if detail.Message != "" {
			return detail.Message
		}
		return detail.Code
	}
	return ""
}

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should count as
// a circuit breaker failure.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error is evidence that the
	// backend is unhealthy.
	ShouldTripCircuit(err error) bool
}

// HTTPStatusClassifier classifies errors by their normalized code and status.
type HTTPStatusClassifier struct {
	// RetryableStatuses lists HTTP status codes that should trigger retries.
	// If nil, 429 and every 5xx are retryable.
	RetryableStatuses []int

	// CircuitTripStatuses lists HTTP status codes that count as breaker failures.
	// If nil, every 5xx counts.
	CircuitTripStatuses []int
}

// HTTPError represents an error with an associated HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// NewHTTPStatusClassifier creates an HTTPStatusClassifier with default mappings.
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{}
}

// IsRetryable implements ErrorClassifier.
// Timeouts and transport failures are retried; caller cancellation, client
// errors and open circuits are not.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	ne := Normalize(err)
	if ne == nil || ne.Canceled() {
		return false
	}

	switch ne.Code {
	case CodeTimeout, CodeNetwork:
		return true
	case CodeRateLimited, CodeServerError, CodeClientError:
		if c.RetryableStatuses != nil {
			return containsStatus(c.RetryableStatuses, ne.Status)
		}
		return ne.Status == http.StatusTooManyRequests || ne.Status >= http.StatusInternalServerError
	default:
		return false
	}
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
// Rate limits and client errors prove the backend is answering, so they do
// not count. Cancellation by the caller never counts.
func (c *HTTPStatusClassifier) ShouldTripCircuit(err error) bool {
	ne := Normalize(err)
	if ne == nil || ne.Canceled() {
		return false
	}

	switch ne.Code {
	case CodeTimeout, CodeNetwork:
		return true
	case CodeServerError, CodeClientError:
		if c.CircuitTripStatuses != nil {
			return containsStatus(c.CircuitTripStatuses, ne.Status)
		}
		return ne.Status >= http.StatusInternalServerError
	default:
		return false
	}
}

// extractStatusCode attempts to extract an HTTP status code from various error types.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}

	type httpStatusProvider interface {
		StatusCode() int
	}
	var statusProvider httpStatusProvider
	if errors.As(err, &statusProvider) {
		return statusProvider.StatusCode()
	}

	return 0
}

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultErrorClassifier retries timeouts, transport failures, 429 and 5xx.
func DefaultErrorClassifier() ErrorClassifier {
	return NewHTTPStatusClassifier()
}

// DefaultCircuitBreakerErrorClassifier counts timeouts, transport failures and
// 5xx responses as breaker failures.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return NewHTTPStatusClassifier()
}

// StatusCodeError wraps an error with an HTTP status code.
// Use this when a source reports failures without a status of its own.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	return fallback.NewStatusCodeError(http.StatusServiceUnavailable, err)
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}
