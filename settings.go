package fallback

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the file-based configuration of a fallback stack. Durations
// use Go syntax ("250ms", "30s"). Zero values keep the library defaults.
//
// Example:
//
//	client_version: storefront/2.3
//	executor:
//	  retries: 3
//	  timeout: 10s
//	  base_delay: 1s
//	breaker:
//	  failure_threshold: 5
//	  cooldown: 30s
//	cache:
//	  ttl: 1m
//	  stale_ttl: 24h
//	queue:
//	  redis_addr: localhost:6379
//	  key: storefront:offline
type Settings struct {
	DefaultHeaders map[string]string `yaml:"default_headers"`
	ClientVersion  string            `yaml:"client_version"`

	Executor ExecutorSettings `yaml:"executor"`
	Breaker  BreakerSettings  `yaml:"breaker"`
	Cache    CacheSettings    `yaml:"cache"`
	Queue    QueueSettings    `yaml:"queue"`
	Sink     SinkSettings     `yaml:"sink"`
}

// ExecutorSettings configures the Executor.
type ExecutorSettings struct {
	Retries   *int          `yaml:"retries"`
	Jitter    *bool         `yaml:"jitter"`
	Timeout   time.Duration `yaml:"timeout"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// BreakerSettings configures the per-endpoint-class circuit breakers.
type BreakerSettings struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// CacheSettings configures response caching.
type CacheSettings struct {
	TTL             time.Duration `yaml:"ttl"`
	StaleTTL        time.Duration `yaml:"stale_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// QueueSettings locates the durable offline queue.
type QueueSettings struct {
	RedisAddr string `yaml:"redis_addr"`
	Key       string `yaml:"key"`
}

// SinkSettings configures the AsyncSink.
type SinkSettings struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoadSettings reads and parses a YAML settings file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings parses YAML settings and validates them.
func ParseSettings(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects negative values.
func (s *Settings) Validate() error {
	switch {
	case s.Executor.Retries != nil && *s.Executor.Retries < 0:
		return fmt.Errorf("executor.retries must be >= 0, got %d", *s.Executor.Retries)
	case s.Executor.Timeout < 0, s.Executor.BaseDelay < 0, s.Executor.MaxDelay < 0:
		return fmt.Errorf("executor durations must be >= 0")
	case s.Breaker.Cooldown < 0:
		return fmt.Errorf("breaker.cooldown must be >= 0, got %s", s.Breaker.Cooldown)
	case s.Cache.TTL < 0, s.Cache.StaleTTL < 0, s.Cache.JanitorInterval < 0:
		return fmt.Errorf("cache durations must be >= 0")
	case s.Sink.BufferSize < 0, s.Sink.BatchSize < 0, s.Sink.FlushInterval < 0:
		return fmt.Errorf("sink settings must be >= 0")
	}
	return nil
}

// ExecutorOptions converts the settings into executor options. Breaker
// settings are included via WithBreakerOptions.
func (s *Settings) ExecutorOptions() []ExecutorOption {
	var opts []ExecutorOption
	if s.ClientVersion != "" {
		opts = append(opts, WithClientVersion(s.ClientVersion))
	}
	if len(s.DefaultHeaders) > 0 {
		opts = append(opts, WithDefaultHeaders(s.DefaultHeaders))
	}
	if s.Executor.Retries != nil {
		opts = append(opts, WithRetries(*s.Executor.Retries))
	}
	if s.Executor.Jitter != nil {
		opts = append(opts, WithJitter(*s.Executor.Jitter))
	}
	if s.Executor.Timeout > 0 {
		opts = append(opts, WithRequestTimeout(s.Executor.Timeout))
	}
	if s.Executor.BaseDelay > 0 {
		opts = append(opts, WithBaseDelay(s.Executor.BaseDelay))
	}
	if s.Executor.MaxDelay > 0 {
		opts = append(opts, WithMaxDelay(s.Executor.MaxDelay))
	}
	if s.Cache.TTL > 0 || s.Cache.StaleTTL > 0 {
		stale := s.Cache.StaleTTL
		if stale == 0 {
			stale = DefaultExecutorConfig().StaleTTL
		}
		opts = append(opts, WithCacheTTL(s.Cache.TTL, stale))
	}
	if bo := s.CircuitBreakerOptions(); len(bo) > 0 {
		opts = append(opts, WithBreakerOptions(bo...))
	}
	return opts
}

// CircuitBreakerOptions converts the breaker settings into options.
func (s *Settings) CircuitBreakerOptions() []CircuitBreakerOption {
	var opts []CircuitBreakerOption
	if s.Breaker.FailureThreshold > 0 {
		opts = append(opts, WithFailureThreshold(s.Breaker.FailureThreshold))
	}
	if s.Breaker.Cooldown > 0 {
		opts = append(opts, WithCooldown(s.Breaker.Cooldown))
	}
	return opts
}

// SinkOptions converts the sink settings into options.
func (s *Settings) SinkOptions() []SinkOption {
	var opts []SinkOption
	if s.Sink.BufferSize > 0 {
		opts = append(opts, WithSinkBuffer(s.Sink.BufferSize))
	}
	if s.Sink.BatchSize > 0 {
		opts = append(opts, WithBatchSize(s.Sink.BatchSize))
	}
	if s.Sink.FlushInterval > 0 {
		opts = append(opts, WithFlushInterval(s.Sink.FlushInterval))
	}
	return opts
}
