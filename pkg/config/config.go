package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/repoperm/pkg/observability"
)

// EnvConfigFile names the optional YAML file loaded before environment overrides.
const EnvConfigFile = "REPOPERM_CONFIG"

// Cache backends
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Audit         AuditConfig         `yaml:"audit"`
	Repair        RepairConfig        `yaml:"repair"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`

	// CORSOrigins lists origins allowed to call the API; empty disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns the API listen address.
func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }

// HealthAddr returns the health and metrics listen address.
func (s ServerConfig) HealthAddr() string { return s.Host + ":" + s.HealthPort }

// DatabaseConfig selects the permission store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres or sqlite3
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig configures the resolution cache.
type CacheConfig struct {
	Type string        `yaml:"type"`
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`

	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPoolSize int    `yaml:"redis_pool_size"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// AuditConfig selects audit sinks. Every enabled sink receives every event.
type AuditConfig struct {
	Dir      string `yaml:"dir"` // JSON-lines files; empty disables
	Rotate   bool   `yaml:"rotate"`
	Database bool   `yaml:"database"` // user_logs table
	Log      bool   `yaml:"log"`      // application log
}

// RepairConfig schedules the default-permission self-repair job.
type RepairConfig struct {
	// Schedule is a cron spec or descriptor such as "@hourly"; empty disables the job.
	Schedule string `yaml:"schedule"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level returns the parsed log level.
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// OTel returns the tracing configuration.
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "file:repoperm.db?_foreign_keys=on",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheConfig{
			Type:          CacheMemory,
			Size:          4096,
			TTL:           5 * time.Minute,
			RedisPoolSize: 10,
			RedisPrefix:   "repoperm",
		},
		Audit: AuditConfig{
			Rotate: true,
			Log:    true,
		},
		Repair: RepairConfig{
			Schedule: "@hourly",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "repoperm",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig loads configuration from the optional REPOPERM_CONFIG file and
// then from environment variables, which take precedence.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(EnvConfigFile))
}

// Load builds configuration from defaults, the YAML file at path when path is
// not empty, and environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("REPOPERM_HOST", s.Host)
	s.Port = getEnv("REPOPERM_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("REPOPERM_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("REPOPERM_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("REPOPERM_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("REPOPERM_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("REPOPERM_HEALTH_PORT", s.HealthPort)
	s.CORSOrigins = getEnvList("REPOPERM_CORS_ORIGINS", s.CORSOrigins)

	d := &c.Database
	d.Driver = getEnv("REPOPERM_DB_DRIVER", d.Driver)
	d.DSN = getEnv("REPOPERM_DB_DSN", d.DSN)
	d.MaxOpenConns = getEnvInt("REPOPERM_DB_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("REPOPERM_DB_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("REPOPERM_DB_CONN_MAX_LIFETIME", d.ConnMaxLifetime)

	ca := &c.Cache
	ca.Type = strings.ToLower(getEnv("REPOPERM_CACHE_TYPE", ca.Type))
	ca.Size = getEnvInt("REPOPERM_CACHE_SIZE", ca.Size)
	ca.TTL = getEnvDuration("REPOPERM_CACHE_TTL", ca.TTL)
	ca.RedisURL = getEnv("REPOPERM_REDIS_URL", ca.RedisURL)
	ca.RedisPassword = getEnv("REPOPERM_REDIS_PASSWORD", ca.RedisPassword)
	ca.RedisDB = getEnvInt("REPOPERM_REDIS_DB", ca.RedisDB)
	ca.RedisPoolSize = getEnvInt("REPOPERM_REDIS_POOL_SIZE", ca.RedisPoolSize)
	ca.RedisPrefix = getEnv("REPOPERM_REDIS_PREFIX", ca.RedisPrefix)

	a := &c.Audit
	a.Dir = getEnv("REPOPERM_AUDIT_DIR", a.Dir)
	a.Rotate = getEnvBool("REPOPERM_AUDIT_ROTATE", a.Rotate)
	a.Database = getEnvBool("REPOPERM_AUDIT_DATABASE", a.Database)
	a.Log = getEnvBool("REPOPERM_AUDIT_LOG", a.Log)

	// An explicitly empty schedule disables the job.
	if v, ok := os.LookupEnv("REPOPERM_REPAIR_SCHEDULE"); ok {
		c.Repair.Schedule = v
	}

	o := &c.Observability
	o.LogLevel = getEnv("REPOPERM_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("REPOPERM_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("REPOPERM_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("REPOPERM_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("REPOPERM_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("REPOPERM_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("REPOPERM_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("REPOPERM_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database pool sizes must not be negative")
	}

	switch c.Cache.Type {
	case CacheNone:
	case CacheMemory:
		if c.Cache.Size <= 0 {
			return fmt.Errorf("cache size must be positive for the memory cache")
		}
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis cache")
		}
		if c.Cache.RedisPrefix == "" {
			return fmt.Errorf("redis prefix is required for the redis cache")
		}
	default:
		return fmt.Errorf("invalid cache type: %s (must be none, memory, or redis)", c.Cache.Type)
	}
	if c.Cache.Type != CacheNone && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if c.Repair.Schedule != "" {
		if _, err := cron.ParseStandard(c.Repair.Schedule); err != nil {
			return fmt.Errorf("invalid repair schedule %q: %w", c.Repair.Schedule, err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
