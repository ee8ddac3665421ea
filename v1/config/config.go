// Package config loads broker settings from the environment. Every
// value has a default except the credential pool, which must be
// configured or startup fails with a ConfigurationError.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigurationError is fatal at startup: the process cannot broker
// credentials it does not have.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "keygate: invalid configuration: " + e.Reason
}

// Settings holds the process configuration, loaded once at startup.
type Settings struct {
	ServiceName string
	Host        string
	Port        int

	RedisAddr     string
	RedisDB       int
	RedisPassword string

	PrimaryCredential string
	Credentials       []string
	CredentialPrefix  string

	DefaultLockTTL time.Duration
	MaxLockTTL     time.Duration

	RetryAttempts     int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	StatsEnabled   bool
	StatsRetention time.Duration
	StatsSink      string // "redis" or "kafka"
	KafkaBrokers   []string
	KafkaTopic     string

	BusBackend string // "memory" or "nats"
	NATSURL    string

	JanitorInterval  time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration

	TraceStdout bool
}

// Load reads settings from KEYGATE_* environment variables.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("KEYGATE")
	v.AutomaticEnv()

	v.SetDefault("service_name", "keygate")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8004)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_password", "")
	v.SetDefault("primary_credential", "")
	v.SetDefault("credentials", "")
	v.SetDefault("credential_prefix", "")
	v.SetDefault("default_lock_timeout", 300)
	v.SetDefault("max_lock_timeout", 1800)
	v.SetDefault("retry_count", 3)
	v.SetDefault("retry_delay_ms", 200)
	v.SetDefault("retry_max_delay_ms", 2000)
	v.SetDefault("stats_enabled", true)
	v.SetDefault("stats_retention_days", 30)
	v.SetDefault("stats_sink", "redis")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "keygate-stats")
	v.SetDefault("bus_backend", "memory")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("janitor_interval", 60)
	v.SetDefault("breaker_threshold", 5)
	v.SetDefault("breaker_timeout", 30)
	v.SetDefault("trace_stdout", false)

	s := &Settings{
		ServiceName:       v.GetString("service_name"),
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		RedisAddr:         v.GetString("redis_addr"),
		RedisDB:           v.GetInt("redis_db"),
		RedisPassword:     v.GetString("redis_password"),
		PrimaryCredential: strings.TrimSpace(v.GetString("primary_credential")),
		Credentials:       splitList(v.GetString("credentials")),
		CredentialPrefix:  v.GetString("credential_prefix"),
		DefaultLockTTL:    time.Duration(v.GetInt("default_lock_timeout")) * time.Second,
		MaxLockTTL:        time.Duration(v.GetInt("max_lock_timeout")) * time.Second,
		RetryAttempts:     v.GetInt("retry_count"),
		RetryInitialDelay: time.Duration(v.GetInt("retry_delay_ms")) * time.Millisecond,
		RetryMaxDelay:     time.Duration(v.GetInt("retry_max_delay_ms")) * time.Millisecond,
		StatsEnabled:      v.GetBool("stats_enabled"),
		StatsRetention:    time.Duration(v.GetInt("stats_retention_days")) * 24 * time.Hour,
		StatsSink:         v.GetString("stats_sink"),
		KafkaBrokers:      splitList(v.GetString("kafka_brokers")),
		KafkaTopic:        v.GetString("kafka_topic"),
		BusBackend:        v.GetString("bus_backend"),
		NATSURL:           v.GetString("nats_url"),
		JanitorInterval:   time.Duration(v.GetInt("janitor_interval")) * time.Second,
		BreakerThreshold:  v.GetInt("breaker_threshold"),
		BreakerTimeout:    time.Duration(v.GetInt("breaker_timeout")) * time.Second,
		TraceStdout:       v.GetBool("trace_stdout"),
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// PoolCredentials combines the primary credential and the pool list in
// configuration order.
func (s *Settings) PoolCredentials() []string {
	out := make([]string, 0, len(s.Credentials)+1)
	if s.PrimaryCredential != "" {
		out = append(out, s.PrimaryCredential)
	}
	return append(out, s.Credentials...)
}

func (s *Settings) validate() error {
	if len(s.PoolCredentials()) == 0 {
		return &ConfigurationError{Reason: "no credentials configured; set KEYGATE_PRIMARY_CREDENTIAL or KEYGATE_CREDENTIALS"}
	}
	if s.MaxLockTTL <= 0 {
		return &ConfigurationError{Reason: "max_lock_timeout must be positive"}
	}
	if s.DefaultLockTTL > s.MaxLockTTL {
		return &ConfigurationError{Reason: "default_lock_timeout exceeds max_lock_timeout"}
	}
	switch s.StatsSink {
	case "redis", "kafka":
	default:
		return &ConfigurationError{Reason: "stats_sink must be redis or kafka"}
	}
	if s.StatsSink == "kafka" && len(s.KafkaBrokers) == 0 {
		return &ConfigurationError{Reason: "kafka stats sink requires KEYGATE_KAFKA_BROKERS"}
	}
	switch s.BusBackend {
	case "memory", "nats":
	default:
		return &ConfigurationError{Reason: "bus_backend must be memory or nats"}
	}
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
