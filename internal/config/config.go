// Package config loads flowengine's runtime settings: the Redis connection
// the Queue Client uses, worker concurrency, retry policy, and telemetry
// toggles. Values come from environment variables by default and can be
// overridden from a config file via viper, following the same
// env-var-with-optional-prefix pattern the rest of the ambient stack uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Env provides prefixed environment-variable lookups with typed defaults.
type Env struct {
	prefix string
}

// NewEnv creates an environment loader. prefix, when non-empty, is
// prepended (with an underscore) to every key looked up.
func NewEnv(prefix string) *Env {
	return &Env{prefix: prefix}
}

func (e *Env) buildKey(key string) string {
	if e.prefix == "" {
		return key
	}
	return e.prefix + "_" + key
}

// String returns the named variable, or defaultValue when unset.
func (e *Env) String(key, defaultValue string) string {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

// MustString returns the named variable or panics when unset.
func (e *Env) MustString(key string) string {
	full := e.buildKey(key)
	v := os.Getenv(full)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", full))
	}
	return v
}

// Int returns the named variable parsed as an int, or defaultValue when
// unset or unparseable.
func (e *Env) Int(key string, defaultValue int) int {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// Bool returns the named variable parsed as a bool, or defaultValue when
// unset or unparseable.
func (e *Env) Bool(key string, defaultValue bool) bool {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// Duration returns the named variable parsed as a time.Duration, or
// defaultValue when unset or unparseable.
func (e *Env) Duration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(e.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// QueueConfig is the Queue Client's configuration: where Redis lives, how
// jobs are retried, and how long a dequeued job may run before its lease is
// considered abandoned.
type QueueConfig struct {
	RedisURL       string
	KeyPrefix      string
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	LeaseTimeout   time.Duration
	DequeueTimeout time.Duration
}

// DefaultQueueConfig returns the Queue Client defaults used when neither a
// config file nor environment variables override them.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		RedisURL:       "redis://localhost:6379/0",
		KeyPrefix:      "flowengine",
		MaxRetries:     5,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		LeaseTimeout:   60 * time.Second,
		DequeueTimeout: 5 * time.Second,
	}
}

// LoadQueueConfig builds a QueueConfig from environment variables prefixed
// with "FLOWENGINE", falling back to DefaultQueueConfig for anything unset.
func LoadQueueConfig() QueueConfig {
	env := NewEnv("FLOWENGINE")
	d := DefaultQueueConfig()
	return QueueConfig{
		RedisURL:       env.String("REDIS_URL", d.RedisURL),
		KeyPrefix:      env.String("KEY_PREFIX", d.KeyPrefix),
		MaxRetries:     env.Int("MAX_RETRIES", d.MaxRetries),
		BaseBackoff:    env.Duration("BASE_BACKOFF", d.BaseBackoff),
		MaxBackoff:     env.Duration("MAX_BACKOFF", d.MaxBackoff),
		LeaseTimeout:   env.Duration("LEASE_TIMEOUT", d.LeaseTimeout),
		DequeueTimeout: env.Duration("DEQUEUE_TIMEOUT", d.DequeueTimeout),
	}
}

// LoadQueueConfigFile reads a QueueConfig from the named file (any format
// viper supports: yaml, json, toml), layering environment variables with
// the "FLOWENGINE" prefix on top of whatever the file sets. An empty path
// is equivalent to LoadQueueConfig.
func LoadQueueConfigFile(path string) (QueueConfig, error) {
	d := DefaultQueueConfig()
	if path == "" {
		return LoadQueueConfig(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FLOWENGINE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("redis_url", d.RedisURL)
	v.SetDefault("key_prefix", d.KeyPrefix)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("base_backoff", d.BaseBackoff)
	v.SetDefault("max_backoff", d.MaxBackoff)
	v.SetDefault("lease_timeout", d.LeaseTimeout)
	v.SetDefault("dequeue_timeout", d.DequeueTimeout)

	if err := v.ReadInConfig(); err != nil {
		return QueueConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	return QueueConfig{
		RedisURL:       v.GetString("redis_url"),
		KeyPrefix:      v.GetString("key_prefix"),
		MaxRetries:     v.GetInt("max_retries"),
		BaseBackoff:    v.GetDuration("base_backoff"),
		MaxBackoff:     v.GetDuration("max_backoff"),
		LeaseTimeout:   v.GetDuration("lease_timeout"),
		DequeueTimeout: v.GetDuration("dequeue_timeout"),
	}, nil
}

// TelemetryConfig controls the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled       bool
	ServiceName   string
	OTLPEndpoint  string
	SamplingRatio float64
	Environment   string
}

// LoadTelemetryConfig builds a TelemetryConfig from OTEL_* environment
// variables, matching the variable names operators already use for any
// OTel-instrumented service.
func LoadTelemetryConfig(serviceName string) TelemetryConfig {
	env := NewEnv("")
	ratio := 1.0
	if v := os.Getenv("OTEL_SAMPLING_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			ratio = f
		}
	}
	return TelemetryConfig{
		Enabled:       env.Bool("OTEL_ENABLED", false),
		ServiceName:   env.String("OTEL_SERVICE_NAME", serviceName),
		OTLPEndpoint:  env.String("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		SamplingRatio: ratio,
		Environment:   env.String("OTEL_ENVIRONMENT", "development"),
	}
}
