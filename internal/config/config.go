// Package config loads the consumer configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/ccsr/internal/kafka"
)

// Environment variables that override file values.
const (
	EnvBootstrapServers = "CCSR_BOOTSTRAP_SERVERS"
	EnvSASLUsername     = "CCSR_SASL_USERNAME"
	EnvSASLPassword     = "CCSR_SASL_PASSWORD"
	EnvRegistryURL      = "CCSR_SCHEMA_REGISTRY_URL"
	EnvRegistryUserInfo = "CCSR_SCHEMA_REGISTRY_USER_INFO"
	EnvTopic            = "CCSR_TOPIC"
	EnvGroupID          = "CCSR_GROUP_ID"
)

// Registry client implementations.
const (
	RegistryClientHTTP  = "http"
	RegistryClientFranz = "franz"
)

// Config is the top-level consumer configuration.
type Config struct {
	Kafka          kafka.ClusterConfig `yaml:"kafka"`
	Topic          string              `yaml:"topic"`
	GroupID        string              `yaml:"groupId"`
	OffsetReset    string              `yaml:"offsetReset"`
	SchemaRegistry RegistryConfig      `yaml:"schemaRegistry"`
	Consumer       ConsumerConfig      `yaml:"consumer"`
	DeadLetter     DeadLetterConfig    `yaml:"deadLetter"`
	MetricsAddr    string              `yaml:"metricsAddr"`
	LogLevel       string              `yaml:"logLevel"`
}

// RegistryConfig configures schema registry access and the schema cache.
type RegistryConfig struct {
	URL string `yaml:"url"`
	// BasicAuthUserInfo is "key:secret", as issued for Confluent Cloud.
	BasicAuthUserInfo string        `yaml:"basicAuthUserInfo"`
	Client            string        `yaml:"client"` // http or franz
	Timeout           time.Duration `yaml:"timeout"`
	MaxCacheSize      int           `yaml:"maxCacheSize"` // 0 = unbounded
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	ReaderSchemaFile  string        `yaml:"readerSchemaFile"`
	CircuitBreaker    BreakerConfig `yaml:"circuitBreaker"`
}

// BreakerConfig configures the registry circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// ConsumerConfig tunes the consume loop.
type ConsumerConfig struct {
	PollTimeout      time.Duration `yaml:"pollTimeout"`
	CommitInterval   time.Duration `yaml:"commitInterval"`
	MaxSchemaRetries int           `yaml:"maxSchemaRetries"`
	RetryBackoff     time.Duration `yaml:"retryBackoff"`
	MaxRetryBackoff  time.Duration `yaml:"maxRetryBackoff"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
	MaxPollRecords   int           `yaml:"maxPollRecords"`
	ValueField       string        `yaml:"valueField"`
	KeyField         string        `yaml:"keyField"`
}

// DeadLetterConfig enables forwarding of skipped records.
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"` // default ccsr-dlq-<topic>
}

// Defaults returns the configuration used for anything the file leaves out.
func Defaults() Config {
	return Config{
		Kafka: kafka.ClusterConfig{
			ClientID: "ccsr-consumer",
		},
		Topic:       "test1",
		GroupID:     "ccsr_example_group_1",
		OffsetReset: "earliest",
		SchemaRegistry: RegistryConfig{
			Client:            RegistryClientHTTP,
			Timeout:           10 * time.Second,
			RequestsPerSecond: 50,
			Burst:             10,
			CircuitBreaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 1,
				ResetTimeout:     30 * time.Second,
			},
		},
		Consumer: ConsumerConfig{
			PollTimeout:      time.Second,
			CommitInterval:   5 * time.Second,
			MaxSchemaRetries: 3,
			RetryBackoff:     200 * time.Millisecond,
			MaxRetryBackoff:  5 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			MaxPollRecords:   500,
			ValueField:       "count",
			KeyField:         "name",
		},
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from the CCSR_* variables found by lookup.
// Setting SASL credentials without a mechanism implies PLAIN over TLS, the
// Confluent Cloud setup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBootstrapServers); ok && v != "" {
		c.Kafka.Brokers = kafka.ParseBrokers(v)
	}
	if v, ok := lookup(EnvSASLUsername); ok && v != "" {
		c.Kafka.Auth.Username = v
	}
	if v, ok := lookup(EnvSASLPassword); ok && v != "" {
		c.Kafka.Auth.Password = v
	}
	if c.Kafka.Auth.Username != "" && c.Kafka.Auth.Mechanism == "" {
		c.Kafka.Auth.Mechanism = kafka.MechanismPlain
		c.Kafka.TLS.Enabled = true
	}
	if v, ok := lookup(EnvRegistryURL); ok && v != "" {
		c.SchemaRegistry.URL = v
	}
	if v, ok := lookup(EnvRegistryUserInfo); ok && v != "" {
		c.SchemaRegistry.BasicAuthUserInfo = v
	}
	if v, ok := lookup(EnvTopic); ok && v != "" {
		c.Topic = v
	}
	if v, ok := lookup(EnvGroupID); ok && v != "" {
		c.GroupID = v
	}
}

// DeadLetterTopic returns the configured dead-letter topic, or "" when disabled.
func (c *Config) DeadLetterTopic() string {
	if !c.DeadLetter.Enabled {
		return ""
	}
	if c.DeadLetter.Topic != "" {
		return c.DeadLetter.Topic
	}
	return "ccsr-dlq-" + c.Topic
}

// Validate checks the Config for errors. Returns all errors found, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("groupId is required"))
	}
	switch strings.ToLower(c.OffsetReset) {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("offsetReset %q is not valid (must be earliest or latest)", c.OffsetReset))
	}

	sr := c.SchemaRegistry
	if sr.URL == "" {
		errs = append(errs, errors.New("schemaRegistry.url is required"))
	} else if u, err := url.Parse(sr.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("schemaRegistry.url %q is not an absolute URL", sr.URL))
	}
	if sr.BasicAuthUserInfo != "" && !strings.Contains(sr.BasicAuthUserInfo, ":") {
		errs = append(errs, errors.New("schemaRegistry.basicAuthUserInfo must be user:password"))
	}
	if sr.Client != RegistryClientHTTP && sr.Client != RegistryClientFranz {
		errs = append(errs, fmt.Errorf("schemaRegistry.client %q is not valid (must be http or franz)", sr.Client))
	}
	if sr.MaxCacheSize < 0 {
		errs = append(errs, errors.New("schemaRegistry.maxCacheSize must be >= 0"))
	}
	if sr.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("schemaRegistry.requestsPerSecond must be >= 0"))
	}
	if sr.Burst < 0 {
		errs = append(errs, errors.New("schemaRegistry.burst must be >= 0"))
	}

	cc := c.Consumer
	if cc.PollTimeout <= 0 {
		errs = append(errs, errors.New("consumer.pollTimeout must be > 0"))
	}
	if cc.CommitInterval < 0 {
		errs = append(errs, errors.New("consumer.commitInterval must be >= 0"))
	}
	if cc.MaxSchemaRetries < 0 {
		errs = append(errs, errors.New("consumer.maxSchemaRetries must be >= 0"))
	}
	if cc.ValueField == "" {
		errs = append(errs, errors.New("consumer.valueField is required"))
	}

	return errors.Join(errs...)
}
