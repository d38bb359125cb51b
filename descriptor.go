package fallback

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
)

// CallConfig overrides executor defaults for one call. Zero or nil fields
// inherit the executor's configuration.
type CallConfig struct {
	Headers map[string]string `json:"headers,omitempty"`

	// Retries is the number of retries after the first attempt.
	Retries *int `json:"retries,omitempty"`

	// Jitter toggles the [0.5, 1.0] random factor applied to backoff delays.
	Jitter *bool `json:"jitter,omitempty"`

	Timeout   time.Duration `json:"timeout,omitempty"`
	BaseDelay time.Duration `json:"base_delay,omitempty"`

	// CacheTTL enables caching of successful GET responses.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`

	// StaleTTL is how long the last good response may be served as stale data.
	StaleTTL time.Duration `json:"stale_ttl,omitempty"`
}

// Int returns a pointer to n, for CallConfig.Retries.
func Int(n int) *int { return &n }

// Bool returns a pointer to b, for CallConfig.Jitter.
func Bool(b bool) *bool { return &b }

// RequestDescriptor describes one logical outbound call. It is treated as
// immutable once issued: the Executor and MutationQueue work on clones.
type RequestDescriptor struct {
	Headers map[string]string `json:"headers,omitempty"`
	Config  *CallConfig       `json:"config,omitempty"`

	Method string `json:"method"`
	URL    string `json:"url"`

	// EndpointClass selects the circuit breaker. Defaults to the URL host.
	EndpointClass string `json:"endpoint_class,omitempty"`

	// Namespace is the logical model identifier mixed into the cache key.
	Namespace string `json:"namespace,omitempty"`

	Body []byte `json:"body,omitempty"`

	// QueueOnFailure sends a write that fails transiently to the offline queue.
	QueueOnFailure bool `json:"queue_on_failure,omitempty"`
}

// Clone returns a deep copy of the descriptor.
func (d RequestDescriptor) Clone() RequestDescriptor {
	out := d
	out.Headers = maps.Clone(d.Headers)
	if d.Body != nil {
		out.Body = append([]byte(nil), d.Body...)
	}
	if d.Config != nil {
		cfg := *d.Config
		cfg.Headers = maps.Clone(d.Config.Headers)
		if d.Config.Retries != nil {
			cfg.Retries = Int(*d.Config.Retries)
		}
		if d.Config.Jitter != nil {
			cfg.Jitter = Bool(*d.Config.Jitter)
		}
		out.Config = &cfg
	}
	return out
}

func (d RequestDescriptor) method() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(d.Method)
}

func (d RequestDescriptor) endpointClass() string {
	if d.EndpointClass != "" {
		return d.EndpointClass
	}
	if u, err := url.Parse(d.URL); err == nil && u.Host != "" {
		return strings.ToLower(u.Host)
	}
	return "default"
}

// CacheKey returns the cache key for the descriptor.
func (d RequestDescriptor) CacheKey() string {
	return CacheKey(d.Namespace, d.method(), d.URL)
}

// CacheKey derives a deterministic key from a namespace and the normalized
// request target. Byte-identical inputs always produce the same key, and
// query parameter order does not matter.
func CacheKey(namespace, method, target string) string {
	if namespace == "" {
		namespace = "default"
	}
	h1, h2 := murmur3.Sum128([]byte(strings.ToUpper(method) + " " + normalizeTarget(target)))
	return fmt.Sprintf("%s:%016x%016x", namespace, h1, h2)
}

func normalizeTarget(target string) string {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return strings.TrimSpace(target)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// Call is a descriptor prepared for the wire: defaults resolved and headers
// merged. The Executor builds one per logical request.
type Call struct {
	Header        http.Header
	Method        string
	URL           string
	EndpointClass string
	Body          []byte

	// Attempt is zero for the first try and increments on each retry.
	Attempt int
}

// Response is what a transport returns for a completed exchange.
type Response struct {
	Header http.Header

	// Degraded is set when the backend answered success:false but still
	// supplied a stale payload.
	Degraded *NormalizedError

	// Data is the payload: the envelope's data field when the body is a
	// success envelope, the raw body otherwise.
	Data []byte
	Body []byte

	StatusCode int
}
