package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "GPUFLEET"

// Config holds all configuration for the control plane.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Health     HealthConfig     `mapstructure:"health"`
	Router     RouterConfig     `mapstructure:"router"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Failover   FailoverConfig   `mapstructure:"failover"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	TraceQueries    bool          `mapstructure:"trace_queries"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type BlobConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

type BrokerConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type EtcdConfig struct {
	Endpoints       []string      `mapstructure:"endpoints"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	HeartbeatPrefix string        `mapstructure:"heartbeat_prefix"`
}

type AuthConfig struct {
	Keys               []APIKey `mapstructure:"keys"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
}

// APIKey is a bcrypt-hashed bearer token with its scopes.
type APIKey struct {
	Name   string   `mapstructure:"name"`
	Hash   string   `mapstructure:"hash"`
	Scopes []string `mapstructure:"scopes"`
}

type HealthConfig struct {
	ProbeMode        string        `mapstructure:"probe_mode"`
	Interval         time.Duration `mapstructure:"interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	LatencyThreshold time.Duration `mapstructure:"latency_threshold"`
	SuspectAfter     int           `mapstructure:"suspect_after"`
	FailAfter        int           `mapstructure:"fail_after"`
	RecoverAfter     int           `mapstructure:"recover_after"`
	Window           int           `mapstructure:"window"`
	Concurrency      int           `mapstructure:"concurrency"`
	HeartbeatTTL     time.Duration `mapstructure:"heartbeat_ttl"`
	PrometheusURL    string        `mapstructure:"prometheus_url"`
}

type RouterConfig struct {
	Freshness       time.Duration `mapstructure:"freshness"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout"`
	LatencyRef      time.Duration `mapstructure:"latency_ref"`
	DecisionLogSize int           `mapstructure:"decision_log_size"`
	Weights         Weights       `mapstructure:"weights"`
}

// Weights are the relative importance of each routing score component.
type Weights struct {
	Spec        float64 `mapstructure:"spec"`
	Performance float64 `mapstructure:"performance"`
	Load        float64 `mapstructure:"load"`
	Proximity   float64 `mapstructure:"proximity"`
	Price       float64 `mapstructure:"price"`
}

type CheckpointConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type FailoverConfig struct {
	SLATarget    time.Duration `mapstructure:"sla_target"`
	Concurrency  int           `mapstructure:"concurrency"`
	RetryInitial time.Duration `mapstructure:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
}

type JobsConfig struct {
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

var (
	validDrivers      = map[string]bool{"postgres": true, "memory": true}
	validBlobBackends = map[string]bool{"memory": true, "fs": true, "redis": true}
	validProbeModes   = map[string]bool{"http": true, "push": true, "etcd": true}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.trace_queries", false)

	v.SetDefault("redis.url", "")

	v.SetDefault("blob.backend", "redis")
	v.SetDefault("blob.dir", "./data/checkpoints")
	v.SetDefault("blob.prefix", "gpufleet:blob:")

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.exchange", "fleet.events")

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.heartbeat_prefix", "/gpufleet/heartbeats/")

	v.SetDefault("auth.keys", []map[string]any{})
	v.SetDefault("auth.rate_limit_per_minute", 120)

	v.SetDefault("health.probe_mode", "http")
	v.SetDefault("health.interval", 5*time.Second)
	v.SetDefault("health.probe_timeout", 2*time.Second)
	v.SetDefault("health.latency_threshold", 500*time.Millisecond)
	v.SetDefault("health.suspect_after", 3)
	v.SetDefault("health.fail_after", 2)
	v.SetDefault("health.recover_after", 2)
	v.SetDefault("health.window", 20)
	v.SetDefault("health.concurrency", 16)
	v.SetDefault("health.heartbeat_ttl", 15*time.Second)
	v.SetDefault("health.prometheus_url", "")

	v.SetDefault("router.freshness", 10*time.Second)
	v.SetDefault("router.refresh_timeout", 3*time.Second)
	v.SetDefault("router.latency_ref", 100*time.Millisecond)
	v.SetDefault("router.decision_log_size", 256)
	v.SetDefault("router.weights.spec", 0.20)
	v.SetDefault("router.weights.performance", 0.30)
	v.SetDefault("router.weights.load", 0.25)
	v.SetDefault("router.weights.proximity", 0.15)
	v.SetDefault("router.weights.price", 0.10)

	v.SetDefault("checkpoint.queue_size", 128)
	v.SetDefault("checkpoint.workers", 4)
	v.SetDefault("checkpoint.max_attempts", 5)
	v.SetDefault("checkpoint.initial_backoff", 200*time.Millisecond)
	v.SetDefault("checkpoint.max_backoff", 5*time.Second)

	v.SetDefault("failover.sla_target", 30*time.Second)
	v.SetDefault("failover.concurrency", 8)
	v.SetDefault("failover.retry_initial", 200*time.Millisecond)
	v.SetDefault("failover.retry_max", 10*time.Second)

	v.SetDefault("jobs.status_ttl", 5*time.Second)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// AutomaticEnv yields a single string for list keys.
	if len(cfg.Etcd.Endpoints) == 1 && strings.Contains(cfg.Etcd.Endpoints[0], ",") {
		cfg.Etcd.Endpoints = strings.Split(cfg.Etcd.Endpoints[0], ",")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads configuration from the optional YAML file at path, overlays
// GPUFLEET_* environment variables and returns a validated Config.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch reloads the file at path on every change and hands the new validated
// Config to onChange. Invalid edits are logged and skipped.
func Watch(path string, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("watch config: no config file")
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func (c *Config) validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of postgres, memory; got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when database.driver is postgres")
	}

	if !validBlobBackends[c.Blob.Backend] {
		return fmt.Errorf("blob.backend must be one of memory, fs, redis; got %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "fs" && c.Blob.Dir == "" {
		return fmt.Errorf("blob.dir is required when blob.backend is fs")
	}

	if !validProbeModes[c.Health.ProbeMode] {
		return fmt.Errorf("health.probe_mode must be one of http, push, etcd; got %q", c.Health.ProbeMode)
	}
	if c.Health.ProbeMode == "etcd" && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required when health.probe_mode is etcd")
	}
	needsRedis := c.Database.Driver == "postgres" || c.Blob.Backend == "redis"
	if needsRedis && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required unless database.driver is memory and blob.backend is not redis")
	}

	if c.Health.Interval <= 0 || c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health.interval and health.probe_timeout must be positive")
	}
	if c.Health.SuspectAfter < 1 || c.Health.FailAfter < 1 || c.Health.RecoverAfter < 1 {
		return fmt.Errorf("health thresholds must be at least 1")
	}
	if c.Health.Concurrency < 1 {
		return fmt.Errorf("health.concurrency must be at least 1, got %d", c.Health.Concurrency)
	}

	if err := c.Router.Weights.validate(); err != nil {
		return err
	}

	if c.Checkpoint.QueueSize < 1 || c.Checkpoint.Workers < 1 || c.Checkpoint.MaxAttempts < 1 {
		return fmt.Errorf("checkpoint.queue_size, workers and max_attempts must be at least 1")
	}
	if c.Failover.SLATarget <= 0 {
		return fmt.Errorf("failover.sla_target must be positive")
	}
	if c.Failover.RetryInitial <= 0 || c.Failover.RetryMax < c.Failover.RetryInitial {
		return fmt.Errorf("failover.retry_initial must be positive and no larger than retry_max")
	}

	for _, k := range c.Auth.Keys {
		if k.Name == "" || k.Hash == "" {
			return fmt.Errorf("auth.keys entries need a name and a bcrypt hash")
		}
	}
	return nil
}

func (w Weights) validate() error {
	for name, v := range map[string]float64{
		"spec": w.Spec, "performance": w.Performance, "load": w.Load,
		"proximity": w.Proximity, "price": w.Price,
	} {
		if v < 0 {
			return fmt.Errorf("router.weights.%s must not be negative, got %v", name, v)
		}
	}
	if w.Spec+w.Performance+w.Load+w.Proximity+w.Price == 0 {
		return fmt.Errorf("router.weights must not all be zero")
	}
	return nil
}
