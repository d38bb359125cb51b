package fallback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBodyBytes caps how much of a response body the transport reads.
const DefaultMaxBodyBytes = 10 << 20

// Doer executes an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransport adapts a Doer to ResilientClient[*Call, *Response].
// Non-2xx responses become *NormalizedError, except envelopes that carry a
// stale payload, which come back as a Response with Degraded set.
type HTTPTransport struct {
	doer    Doer
	maxBody int64
}

// TransportOption is a functional option for configuring an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithMaxBodyBytes caps the response body size. Larger bodies fail with a
// server error instead of being truncated.
// Default: DefaultMaxBodyBytes
func WithMaxBodyBytes(n int64) TransportOption {
	return func(t *HTTPTransport) {
		t.maxBody = n
	}
}

// NewHTTPTransport wraps doer. A nil doer uses http.DefaultClient.
func NewHTTPTransport(doer Doer, opts ...TransportOption) *HTTPTransport {
	if doer == nil {
		doer = http.DefaultClient
	}
	t := &HTTPTransport{doer: doer, maxBody: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxBody <= 0 {
		t.maxBody = DefaultMaxBodyBytes
	}
	return t
}

// Execute implements ResilientClient.
func (t *HTTPTransport) Execute(ctx context.Context, call *Call) (*Response, error) {
	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		// A malformed request is a caller defect, not backend unhealth.
		return nil, &NormalizedError{
			Status:  http.StatusBadRequest,
			Code:    CodeClientError,
			Message: fmt.Sprintf("build request: %v", err),
			Err:     err,
		}
	}
	if call.Header != nil {
		req.Header = call.Header.Clone()
	}

	resp, err := t.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > t.maxBody {
		return nil, &NormalizedError{
			Status:    http.StatusBadGateway,
			Code:      CodeServerError,
			Message:   fmt.Sprintf("response body exceeds %d bytes", t.maxBody),
			RequestID: resp.Header.Get(headerRequestID),
		}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       raw,
		Data:       raw,
	}

	env, isEnvelope := parseEnvelope(raw)
	switch {
	case isEnvelope && env.degraded():
		out.Data = env.Data
		out.Degraded = NormalizeResponse(resp.StatusCode, resp.Header, raw)
		return out, nil
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return nil, NormalizeResponse(resp.StatusCode, resp.Header, raw)
	case isEnvelope && !*env.Success:
		return nil, NormalizeResponse(resp.StatusCode, resp.Header, raw)
	case isEnvelope:
		out.Data = env.Data
	}
	return out, nil
}
