package fallback

// HealthStatus represents the health status of a circuit breaker.
type HealthStatus struct {
	// Name is the breaker's endpoint class.
	Name string `json:"name"`

	// Status is a short string description of the state ("closed", "half-open", "open", "unknown").
	Status string `json:"status"`

	// Healthy is true for closed and half-open states, false for open state.
	Healthy bool `json:"healthy"`

	// Requests is the number of requests in the current generation.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the number of successful requests in the current generation.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the number of failed requests in the current generation.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

func newHealthStatus(name string, state CircuitBreakerState, counts CircuitBreakerCounts) HealthStatus {
	return HealthStatus{
		Name:                 name,
		Status:               state.String(),
		Healthy:              state != StateOpen,
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}
