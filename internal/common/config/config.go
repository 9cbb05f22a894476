// Package config loads service configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence (last wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	NATS       NATSConfig       `yaml:"nats"`
	Redis      RedisConfig      `yaml:"redis"`
	Escalation EscalationConfig `yaml:"escalation"`
	Rules      RulesConfig      `yaml:"rules"`
	Tracing    TracingConfig    `yaml:"tracing"`
	LogLevel   string           `yaml:"log_level"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// DatabaseConfig selects the store. Driver "memory" runs without Postgres.
type DatabaseConfig struct {
	Driver      string        `yaml:"driver"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"ssl_mode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
	AutoMigrate bool          `yaml:"auto_migrate"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Port int `yaml:"port"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	RuleTTL  time.Duration `yaml:"rule_ttl"`
}

type EscalationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// RatePerSecond paces escalation fan-out. Zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type RulesConfig struct {
	File string `yaml:"file"`
}

type TracingConfig struct {
	Stdout bool `yaml:"stdout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-plt-workflows",
			Version:     "0.1.0",
			Environment: "development",
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Password:    "postgres",
			Database:    "workflows",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		Server: ServerConfig{
			Port:            8086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		GRPC: GRPCConfig{Port: 9086},
		NATS: NATSConfig{SubjectPrefix: "workflows.push"},
		Redis: RedisConfig{
			RuleTTL: 5 * time.Minute,
		},
		Escalation: EscalationConfig{
			Enabled:  true,
			Interval: time.Hour,
			Burst:    1,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration. CONFIG_FILE, when set, names a YAML file
// applied on top of the defaults; environment variables override both.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Service.Name, "SERVICE_NAME")
	setString(&c.Service.Version, "SERVICE_VERSION")
	setString(&c.Service.Environment, "ENVIRONMENT")
	setString(&c.LogLevel, "LOG_LEVEL")

	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Database, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")

	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Rules.File, "RULES_FILE")

	for _, f := range []func() error{
		func() error { return setInt(&c.Database.Port, "DB_PORT") },
		func() error { return setInt(&c.Server.Port, "HTTP_PORT") },
		func() error { return setInt(&c.GRPC.Port, "GRPC_PORT") },
		func() error { return setInt(&c.Redis.DB, "REDIS_DB") },
		func() error { return setBool(&c.Database.AutoMigrate, "DB_AUTO_MIGRATE") },
		func() error { return setBool(&c.Escalation.Enabled, "ESCALATION_ENABLED") },
		func() error { return setBool(&c.Tracing.Stdout, "TRACING_STDOUT") },
		func() error { return setDuration(&c.Escalation.Interval, "ESCALATION_INTERVAL") },
		func() error { return setDuration(&c.Redis.RuleTTL, "REDIS_RULE_TTL") },
		func() error { return setDuration(&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT") },
		func() error { return setFloat(&c.Escalation.RatePerSecond, "ESCALATION_RATE_PER_SECOND") },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Escalation.Enabled && c.Escalation.Interval <= 0 {
		return fmt.Errorf("escalation interval must be positive, got %s", c.Escalation.Interval)
	}
	if c.Escalation.RatePerSecond < 0 {
		return fmt.Errorf("escalation rate must not be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
