// Package config loads server configuration from defaults, an optional file and ORDERFLOW_ environment
// variables.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"orderflow/internal/logging"
	"orderflow/internal/resilience"
)

// EnvPrefix prefixes every environment override, e.g. ORDERFLOW_HTTP_ADDR.
const EnvPrefix = "ORDERFLOW"

// Dependency names with their own resilience settings.
var dependencyNames = []string{"inventory", "payment", "orders"}

// Config is the full server configuration.
type Config struct {
	HTTP             HTTPConfig
	GRPC             GRPCConfig
	Observability    ObservabilityConfig
	DatabaseURL      string
	JournalRetention time.Duration
	Redis            RedisConfig
	Downstream       DownstreamConfig
	Log              logging.Config
	Dependencies     map[string]DependencyConfig
}

// HTTPConfig holds the order API listener.
type HTTPConfig struct {
	Addr            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// GRPCConfig holds the health listener and its ingress rate limit.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
	Reflection        bool
}

// ObservabilityConfig holds the HTTP address for metrics endpoints.
type ObservabilityConfig struct {
	Addr string
}

// RedisConfig holds Redis connection and event stream settings. An empty URL disables the stream.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	PoolSize           int
	MinIdleConns       int
	MaxRetries         int
	HealthcheckTimeout time.Duration
	SagaTTL            time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// DownstreamConfig locates the inventory and payment services. An empty URL selects the in-memory client.
type DownstreamConfig struct {
	InventoryURL   string
	PaymentURL     string
	InventoryStock map[string]int
	PaymentLimit   float64
}

// DependencyConfig is the breaker, retry and throttling policy for one dependency.
type DependencyConfig struct {
	FailureThreshold  int
	ResetTimeout      time.Duration
	HalfOpenSuccesses int
	CallTimeout       time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	Multiplier        float64
	MaxDelay          time.Duration
	Jitter            float64
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// Resilience converts the settings into an executor dependency config.
func (d DependencyConfig) Resilience(name string) resilience.DependencyConfig {
	return resilience.DependencyConfig{
		Name:                     name,
		FailureThreshold:         d.FailureThreshold,
		ResetTimeout:             d.ResetTimeout,
		HalfOpenSuccessThreshold: d.HalfOpenSuccesses,
		CallTimeout:              d.CallTimeout,
		Retry: resilience.RetryConfig{
			MaxAttempts:    d.MaxAttempts,
			BaseDelay:      d.BaseDelay,
			MaxDelay:       d.MaxDelay,
			Multiplier:     d.Multiplier,
			JitterFraction: d.Jitter,
		},
		RateLimitInterval: d.RateLimitInterval,
		RateLimitBurst:    d.RateLimitBurst,
	}
}

// Load reads configuration. Priority: environment > config file > defaults. configPath may be empty.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "DATABASE_URL", EnvPrefix+"_DATABASE_URL")
	_ = v.BindEnv("redis.url", "REDIS_URL", EnvPrefix+"_REDIS_URL")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	return build(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.request_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)

	v.SetDefault("grpc.addr", ":50051")
	v.SetDefault("grpc.rate_limit_interval", 0)
	v.SetDefault("grpc.rate_limit_burst", 0)
	v.SetDefault("grpc.reflection", false)

	v.SetDefault("observability.addr", ":9090")
	v.SetDefault("database.url", "")
	v.SetDefault("journal.retention", 24*time.Hour)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stream", "saga_events")
	v.SetDefault("redis.dial_timeout", 0)
	v.SetDefault("redis.read_timeout", 0)
	v.SetDefault("redis.write_timeout", 0)
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("redis.min_idle_conns", 0)
	v.SetDefault("redis.max_retries", 0)
	v.SetDefault("redis.healthcheck_timeout", 2*time.Second)
	v.SetDefault("redis.saga_ttl", 24*time.Hour)
	v.SetDefault("redis.stream_maxlen", 10000)
	v.SetDefault("redis.otel", false)
	v.SetDefault("redis.tls.ca_file", "")
	v.SetDefault("redis.tls.cert_file", "")
	v.SetDefault("redis.tls.key_file", "")
	v.SetDefault("redis.tls.server_name", "")
	v.SetDefault("redis.tls.insecure_skip_verify", "")

	v.SetDefault("downstream.inventory_url", "")
	v.SetDefault("downstream.payment_url", "")
	v.SetDefault("downstream.inventory_stock", map[string]any{"laptop": 10, "mouse": 50, "keyboard": 30})
	v.SetDefault("downstream.payment_limit", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.max_backups", 3)

	for _, name := range dependencyNames {
		prefix := "dependencies." + name + "."
		v.SetDefault(prefix+"failure_threshold", 3)
		v.SetDefault(prefix+"reset_timeout", 15*time.Second)
		v.SetDefault(prefix+"half_open_successes", 1)
		v.SetDefault(prefix+"call_timeout", 3*time.Second)
		v.SetDefault(prefix+"max_attempts", 5)
		v.SetDefault(prefix+"base_delay", time.Second)
		v.SetDefault(prefix+"multiplier", 2.0)
		v.SetDefault(prefix+"max_delay", 8*time.Second)
		v.SetDefault(prefix+"jitter", 0.5)
		v.SetDefault(prefix+"rate_limit_interval", 0)
		v.SetDefault(prefix+"rate_limit_burst", 0)
	}
}

// reader accumulates the first conversion error so build reads linearly.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) string(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) duration(key string) time.Duration {
	val, err := cast.ToDurationE(r.v.Get(key))
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return 0
	}
	if val < 0 {
		r.fail(fmt.Errorf("%s must be >= 0", key))
	}
	return val
}

func (r *reader) int(key string) int {
	val, err := cast.ToIntE(r.v.Get(key))
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return 0
	}
	if val < 0 {
		r.fail(fmt.Errorf("%s must be >= 0", key))
	}
	return val
}

func (r *reader) float(key string) float64 {
	val, err := cast.ToFloat64E(r.v.Get(key))
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return 0
	}
	if val < 0 {
		r.fail(fmt.Errorf("%s must be >= 0", key))
	}
	return val
}

func (r *reader) bool(key string) bool {
	raw := r.v.Get(key)
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return false
	}
	val, err := cast.ToBoolE(raw)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
	}
	return val
}

func build(v *viper.Viper) (Config, error) {
	r := &reader{v: v}

	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            r.string("http.addr"),
			RequestTimeout:  r.duration("http.request_timeout"),
			ShutdownTimeout: r.duration("http.shutdown_timeout"),
		},
		GRPC: GRPCConfig{
			Addr:              r.string("grpc.addr"),
			RateLimitInterval: r.duration("grpc.rate_limit_interval"),
			RateLimitBurst:    r.int("grpc.rate_limit_burst"),
			Reflection:        r.bool("grpc.reflection"),
		},
		Observability:    ObservabilityConfig{Addr: r.string("observability.addr")},
		DatabaseURL:      r.string("database.url"),
		JournalRetention: r.duration("journal.retention"),
		Redis: RedisConfig{
			URL:                r.string("redis.url"),
			Stream:             r.string("redis.stream"),
			DialTimeout:        r.duration("redis.dial_timeout"),
			ReadTimeout:        r.duration("redis.read_timeout"),
			WriteTimeout:       r.duration("redis.write_timeout"),
			PoolSize:           r.int("redis.pool_size"),
			MinIdleConns:       r.int("redis.min_idle_conns"),
			MaxRetries:         r.int("redis.max_retries"),
			HealthcheckTimeout: r.duration("redis.healthcheck_timeout"),
			SagaTTL:            r.duration("redis.saga_ttl"),
			StreamMaxLen:       int64(r.int("redis.stream_maxlen")),
			EnableOTel:         r.bool("redis.otel"),
		},
		Downstream: DownstreamConfig{
			InventoryURL: r.string("downstream.inventory_url"),
			PaymentURL:   r.string("downstream.payment_url"),
			PaymentLimit: r.float("downstream.payment_limit"),
		},
		Log: logging.Config{
			Level:      r.string("log.level"),
			Format:     r.string("log.format"),
			File:       r.string("log.file"),
			MaxSizeMB:  r.int("log.max_size_mb"),
			MaxAgeDays: r.int("log.max_age_days"),
			MaxBackups: r.int("log.max_backups"),
		},
		Dependencies: make(map[string]DependencyConfig, len(dependencyNames)),
	}

	stock, err := cast.ToStringMapIntE(v.Get("downstream.inventory_stock"))
	if err != nil {
		r.fail(fmt.Errorf("downstream.inventory_stock: %w", err))
	}
	cfg.Downstream.InventoryStock = stock

	for _, name := range dependencyNames {
		prefix := "dependencies." + name + "."
		cfg.Dependencies[name] = DependencyConfig{
			FailureThreshold:  r.int(prefix + "failure_threshold"),
			ResetTimeout:      r.duration(prefix + "reset_timeout"),
			HalfOpenSuccesses: r.int(prefix + "half_open_successes"),
			CallTimeout:       r.duration(prefix + "call_timeout"),
			MaxAttempts:       r.int(prefix + "max_attempts"),
			BaseDelay:         r.duration(prefix + "base_delay"),
			Multiplier:        r.float(prefix + "multiplier"),
			MaxDelay:          r.duration(prefix + "max_delay"),
			Jitter:            r.float(prefix + "jitter"),
			RateLimitInterval: r.duration(prefix + "rate_limit_interval"),
			RateLimitBurst:    r.int(prefix + "rate_limit_burst"),
		}
	}
	if r.err != nil {
		return Config{}, r.err
	}

	tlsConfig, err := loadRedisTLS(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Redis.TLSConfig = tlsConfig

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting by its config key.
func (c Config) Validate() error {
	var problems []string
	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr is required")
	}
	if c.JournalRetention <= 0 {
		problems = append(problems, "journal.retention must be > 0")
	}
	for _, name := range dependencyNames {
		dep := c.Dependencies[name]
		prefix := "dependencies." + name + "."
		if dep.FailureThreshold < 1 {
			problems = append(problems, prefix+"failure_threshold must be >= 1")
		}
		if dep.MaxAttempts < 1 {
			problems = append(problems, prefix+"max_attempts must be >= 1")
		}
		if dep.CallTimeout <= 0 {
			problems = append(problems, prefix+"call_timeout must be > 0")
		}
		if dep.Multiplier < 1 {
			problems = append(problems, prefix+"multiplier must be >= 1")
		}
		if dep.Jitter > 1 {
			problems = append(problems, prefix+"jitter must be <= 1")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func loadRedisTLS(v *viper.Viper) (*tls.Config, error) {
	caFile := strings.TrimSpace(v.GetString("redis.tls.ca_file"))
	certFile := strings.TrimSpace(v.GetString("redis.tls.cert_file"))
	keyFile := strings.TrimSpace(v.GetString("redis.tls.key_file"))
	serverName := strings.TrimSpace(v.GetString("redis.tls.server_name"))
	insecureStr := strings.TrimSpace(v.GetString("redis.tls.insecure_skip_verify"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("redis.tls.cert_file and redis.tls.key_file must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := cast.ToBoolE(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("redis.tls.insecure_skip_verify: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read redis.tls.ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("redis.tls.ca_file contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
