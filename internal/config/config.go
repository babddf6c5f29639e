// Package config reads the matcher configuration from the environment using
// viper. Durations are given in milliseconds, matching the deployment manifests.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Recognized configuration keys. Each key is read from the environment
// variable of the same name.
const (
	KeyMatchingInterval   = "MATCHING_INTERVAL"
	KeyRelaxationInterval = "RELAXATION_INTERVAL"
	KeyMatchTimeout       = "MATCH_TIMEOUT"
	KeyRedisAddr          = "REDIS_ADDR"
	KeyNATSURL            = "NATS_URL"
	KeyDatabaseURL        = "DATABASE_URL"
	KeyRoomAllocatorURL   = "ROOM_ALLOCATOR_URL"
	KeyAdminAddr          = "ADMIN_ADDR"
	KeyLogLevel           = "LOG_LEVEL"
	KeyLogFormat          = "LOG_FORMAT"
	KeySweepLockEnabled   = "SWEEP_LOCK_ENABLED"
	KeyEventStream        = "EVENT_STREAM"
	KeyEnqueueRateLimit   = "ENQUEUE_RATE_LIMIT"
)

// Config holds the runtime settings of the matcher process.
type Config struct {
	MatchingInterval   time.Duration // sweep period
	RelaxationInterval time.Duration // relaxation unit
	MatchTimeout       time.Duration // eviction bound

	RedisAddr        string
	NATSURL          string
	DatabaseURL      string // empty disables PostgreSQL persistence
	RoomAllocatorURL string // empty selects the local allocator
	AdminAddr        string

	LogLevel  string
	LogFormat string

	SweepLockEnabled bool   // serialize sweeps across instances
	EventStream      string // JetStream stream holding match events
	EnqueueRateLimit int    // enqueue requests per participant per minute
}

// New returns a viper instance bound to the environment with every default set.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(KeyMatchingInterval, 3000)
	v.SetDefault(KeyRelaxationInterval, 10000)
	v.SetDefault(KeyMatchTimeout, 30000)
	v.SetDefault(KeyRedisAddr, "localhost:6379")
	v.SetDefault(KeyNATSURL, "nats://localhost:4222")
	v.SetDefault(KeyDatabaseURL, "")
	v.SetDefault(KeyRoomAllocatorURL, "")
	v.SetDefault(KeyAdminAddr, ":9090")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeySweepLockEnabled, false)
	v.SetDefault(KeyEventStream, "MATCH_EVENTS")
	v.SetDefault(KeyEnqueueRateLimit, 10)
	return v
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return FromViper(New())
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		MatchingInterval:   millis(v, KeyMatchingInterval),
		RelaxationInterval: millis(v, KeyRelaxationInterval),
		MatchTimeout:       millis(v, KeyMatchTimeout),
		RedisAddr:          v.GetString(KeyRedisAddr),
		NATSURL:            v.GetString(KeyNATSURL),
		DatabaseURL:        v.GetString(KeyDatabaseURL),
		RoomAllocatorURL:   v.GetString(KeyRoomAllocatorURL),
		AdminAddr:          v.GetString(KeyAdminAddr),
		LogLevel:           v.GetString(KeyLogLevel),
		LogFormat:          v.GetString(KeyLogFormat),
		SweepLockEnabled:   v.GetBool(KeySweepLockEnabled),
		EventStream:        v.GetString(KeyEventStream),
		EnqueueRateLimit:   v.GetInt(KeyEnqueueRateLimit),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the matcher cannot run with.
func (c *Config) Validate() error {
	if c.MatchingInterval <= 0 {
		return fmt.Errorf("config: %s must be positive, got %v", KeyMatchingInterval, c.MatchingInterval)
	}
	if c.RelaxationInterval <= 0 {
		return fmt.Errorf("config: %s must be positive, got %v", KeyRelaxationInterval, c.RelaxationInterval)
	}
	if c.MatchTimeout <= 0 {
		return fmt.Errorf("config: %s must be positive, got %v", KeyMatchTimeout, c.MatchTimeout)
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("config: %s is required", KeyRedisAddr)
	}
	if c.EventStream == "" {
		return fmt.Errorf("config: %s is required", KeyEventStream)
	}
	if c.EnqueueRateLimit < 0 {
		return fmt.Errorf("config: %s must not be negative", KeyEnqueueRateLimit)
	}
	return nil
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}
