// Package config provides configuration management for ash.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Modes the process can run in.
const (
	ModeStandalone  = "standalone"
	ModeCoordinator = "coordinator"
)

// Config holds all configuration sections for ash.
type Config struct {
	Mode           string            `mapstructure:"mode"`
	Tenant         string            `mapstructure:"tenant"`
	DataDir        string            `mapstructure:"dataDir"`
	InternalSecret string            `mapstructure:"internalSecret"`
	Server         ServerConfig      `mapstructure:"server"`
	Database       DatabaseConfig    `mapstructure:"database"`
	Pool           PoolConfig        `mapstructure:"pool"`
	Bridge         BridgeConfig      `mapstructure:"bridge"`
	Limits         LimitsConfig      `mapstructure:"limits"`
	SSE            SSEConfig         `mapstructure:"sse"`
	Coordinator    CoordinatorConfig `mapstructure:"coordinator"`
	Runner         RunnerConfig      `mapstructure:"runner"`
	Snapshot       SnapshotConfig    `mapstructure:"snapshot"`
	NATS           NATSConfig        `mapstructure:"nats"`
	Logging        LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds; 0 disables (required for SSE)
}

// DatabaseConfig holds database configuration. An empty URL selects the
// embedded SQLite file; a URL switches the DAO to PostgreSQL.
type DatabaseConfig struct {
	URL  string `mapstructure:"url"`
	Path string `mapstructure:"path"`
}

// PoolConfig holds sandbox pool configuration.
type PoolConfig struct {
	MaxSandboxes        int   `mapstructure:"maxSandboxes"`
	IdleTimeoutMs       int64 `mapstructure:"idleTimeoutMs"`
	IdleSweepIntervalMs int64 `mapstructure:"idleSweepIntervalMs"`
	ColdCleanupTTLMs    int64 `mapstructure:"coldCleanupTtlMs"`
	ColdSweepIntervalMs int64 `mapstructure:"coldSweepIntervalMs"`
}

// BridgeConfig holds bridge child-process configuration.
type BridgeConfig struct {
	Command         string   `mapstructure:"command"`
	Args            []string `mapstructure:"args"`
	ReadyTimeoutMs  int64    `mapstructure:"readyTimeoutMs"`
	ShutdownGraceMs int64    `mapstructure:"shutdownGraceMs"`
}

// LimitsConfig holds per-sandbox resource limits.
type LimitsConfig struct {
	MemoryMB        int64  `mapstructure:"memoryMb"`
	CPUPercent      int    `mapstructure:"cpuPercent"`
	MaxPids         int    `mapstructure:"maxPids"`
	DiskMB          int64  `mapstructure:"diskMb"`
	DiskSweepMs     int64  `mapstructure:"diskSweepMs"`
	DisableCgroups  bool   `mapstructure:"disableCgroups"`
	CgroupParentDir string `mapstructure:"cgroupParentDir"`
}

// SSEConfig holds server-sent-events configuration.
type SSEConfig struct {
	WriteTimeoutMs int64 `mapstructure:"writeTimeoutMs"`
}

// CoordinatorConfig holds runner-registry configuration.
type CoordinatorConfig struct {
	LivenessTimeoutMs   int64 `mapstructure:"livenessTimeoutMs"`
	HeartbeatIntervalMs int64 `mapstructure:"heartbeatIntervalMs"`
	SweepIntervalMs     int64 `mapstructure:"sweepIntervalMs"`
}

// RunnerConfig identifies this process as a runner when CoordinatorURL is set.
type RunnerConfig struct {
	ID             string `mapstructure:"id"`
	CoordinatorURL string `mapstructure:"coordinatorUrl"`
	AdvertiseHost  string `mapstructure:"advertiseHost"`
	AdvertisePort  int    `mapstructure:"advertisePort"`
}

// SnapshotConfig holds workspace snapshot mirroring configuration.
// URL schemes: s3://bucket/prefix, gs://bucket/prefix, file:///path.
type SnapshotConfig struct {
	URL string `mapstructure:"url"`
}

// NATSConfig holds NATS messaging configuration.
// Empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeout returns the waiting→cold idle cutoff.
func (p *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutMs) * time.Millisecond
}

// IdleSweepInterval returns the idle sweep cadence.
func (p *PoolConfig) IdleSweepInterval() time.Duration {
	return time.Duration(p.IdleSweepIntervalMs) * time.Millisecond
}

// ColdCleanupTTL returns the cold-row retention TTL.
func (p *PoolConfig) ColdCleanupTTL() time.Duration {
	return time.Duration(p.ColdCleanupTTLMs) * time.Millisecond
}

// ColdSweepInterval returns the cold cleanup cadence.
func (p *PoolConfig) ColdSweepInterval() time.Duration {
	return time.Duration(p.ColdSweepIntervalMs) * time.Millisecond
}

// ReadyTimeout returns the bridge startup cap.
func (b *BridgeConfig) ReadyTimeout() time.Duration {
	return time.Duration(b.ReadyTimeoutMs) * time.Millisecond
}

// ShutdownGrace returns the terminate→kill grace window.
func (b *BridgeConfig) ShutdownGrace() time.Duration {
	return time.Duration(b.ShutdownGraceMs) * time.Millisecond
}

// DiskSweepInterval returns the workspace disk sweep cadence.
func (l *LimitsConfig) DiskSweepInterval() time.Duration {
	return time.Duration(l.DiskSweepMs) * time.Millisecond
}

// WriteTimeout returns the dead-client SSE cutoff.
func (s *SSEConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// LivenessTimeout returns the runner dead-after window.
func (c *CoordinatorConfig) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the runner heartbeat cadence.
func (c *CoordinatorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// SweepInterval returns the liveness sweep cadence.
func (c *CoordinatorConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// SQLitePath returns the SQLite file path, derived from DataDir when unset.
func (c *Config) SQLitePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "ash.db")
}

// SandboxesDir returns the root of live sandbox workspaces.
func (c *Config) SandboxesDir() string {
	return filepath.Join(c.DataDir, "sandboxes")
}

// SessionsDir returns the root of local workspace snapshots.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// AgentsDir returns the root that tenant-relative agent paths resolve
// against, one subdirectory per tenant.
func (c *Config) AgentsDir() string {
	return filepath.Join(c.DataDir, "agents")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ASH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeStandalone)
	v.SetDefault("tenant", "default")
	v.SetDefault("dataDir", "data")
	v.SetDefault("internalSecret", "")

	// Server defaults. WriteTimeout stays 0: SSE streams outlive any
	// fixed response deadline; the SSE proxy enforces its own.
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// Database defaults - empty URL means embedded SQLite
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "")

	// Pool defaults
	v.SetDefault("pool.maxSandboxes", 1000)
	v.SetDefault("pool.idleTimeoutMs", 30*60*1000)
	v.SetDefault("pool.idleSweepIntervalMs", 60*1000)
	v.SetDefault("pool.coldCleanupTtlMs", 2*60*60*1000)
	v.SetDefault("pool.coldSweepIntervalMs", 5*60*1000)

	// Bridge defaults
	v.SetDefault("bridge.command", "ash-bridge")
	v.SetDefault("bridge.args", []string{})
	v.SetDefault("bridge.readyTimeoutMs", 10*1000)
	v.SetDefault("bridge.shutdownGraceMs", 2*1000)

	// Resource limit defaults
	v.SetDefault("limits.memoryMb", 2048)
	v.SetDefault("limits.cpuPercent", 100)
	v.SetDefault("limits.maxPids", 64)
	v.SetDefault("limits.diskMb", 1024)
	v.SetDefault("limits.diskSweepMs", 30*1000)
	v.SetDefault("limits.disableCgroups", false)
	v.SetDefault("limits.cgroupParentDir", "/sys/fs/cgroup/ash")

	// SSE defaults
	v.SetDefault("sse.writeTimeoutMs", 30*1000)

	// Coordinator defaults
	v.SetDefault("coordinator.livenessTimeoutMs", 30*1000)
	v.SetDefault("coordinator.heartbeatIntervalMs", 10*1000)
	v.SetDefault("coordinator.sweepIntervalMs", 30*1000)

	// Runner defaults - empty coordinatorUrl means this node does not register
	v.SetDefault("runner.id", "")
	v.SetDefault("runner.coordinatorUrl", "")
	v.SetDefault("runner.advertiseHost", "127.0.0.1")
	v.SetDefault("runner.advertisePort", 0)

	// Snapshot defaults - empty means no cloud mirror
	v.SetDefault("snapshot.url", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ash")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ASH_ with snake_case naming; the
// documented flat option names (MAX_SANDBOXES, DATABASE_URL, ...) are bound
// as unprefixed aliases.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat option names from the deployment surface. Each maps to exactly
	// one config key; the ASH_-prefixed form also works.
	_ = v.BindEnv("pool.maxSandboxes", "MAX_SANDBOXES", "ASH_POOL_MAX_SANDBOXES")
	_ = v.BindEnv("pool.idleTimeoutMs", "IDLE_TIMEOUT_MS", "ASH_POOL_IDLE_TIMEOUT_MS")
	_ = v.BindEnv("pool.coldCleanupTtlMs", "COLD_CLEANUP_TTL_MS", "ASH_POOL_COLD_CLEANUP_TTL_MS")
	_ = v.BindEnv("coordinator.livenessTimeoutMs", "LIVENESS_TIMEOUT_MS", "ASH_COORDINATOR_LIVENESS_TIMEOUT_MS")
	_ = v.BindEnv("coordinator.heartbeatIntervalMs", "HEARTBEAT_INTERVAL_MS", "ASH_COORDINATOR_HEARTBEAT_INTERVAL_MS")
	_ = v.BindEnv("sse.writeTimeoutMs", "SSE_WRITE_TIMEOUT_MS", "ASH_SSE_WRITE_TIMEOUT_MS")
	_ = v.BindEnv("bridge.readyTimeoutMs", "BRIDGE_READY_TIMEOUT_MS", "ASH_BRIDGE_READY_TIMEOUT_MS")
	_ = v.BindEnv("bridge.command", "BRIDGE_COMMAND", "ASH_BRIDGE_COMMAND")
	_ = v.BindEnv("snapshot.url", "SNAPSHOT_URL", "ASH_SNAPSHOT_URL")
	_ = v.BindEnv("database.url", "DATABASE_URL", "ASH_DATABASE_URL")
	_ = v.BindEnv("mode", "MODE", "ASH_MODE")
	_ = v.BindEnv("internalSecret", "INTERNAL_SECRET", "ASH_INTERNAL_SECRET")
	_ = v.BindEnv("dataDir", "DATA_DIR", "ASH_DATA_DIR")
	_ = v.BindEnv("runner.coordinatorUrl", "COORDINATOR_URL", "ASH_RUNNER_COORDINATOR_URL")
	_ = v.BindEnv("runner.id", "RUNNER_ID", "ASH_RUNNER_ID")
	_ = v.BindEnv("runner.advertiseHost", "ASH_RUNNER_ADVERTISE_HOST")
	_ = v.BindEnv("runner.advertisePort", "ASH_RUNNER_ADVERTISE_PORT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ash/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Mode != ModeStandalone && cfg.Mode != ModeCoordinator {
		errs = append(errs, fmt.Sprintf("mode must be %q or %q", ModeStandalone, ModeCoordinator))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Pool.MaxSandboxes <= 0 {
		errs = append(errs, "pool.maxSandboxes must be positive")
	}
	if cfg.Pool.IdleTimeoutMs <= 0 {
		errs = append(errs, "pool.idleTimeoutMs must be positive")
	}
	if cfg.Pool.ColdCleanupTTLMs <= 0 {
		errs = append(errs, "pool.coldCleanupTtlMs must be positive")
	}

	if cfg.Bridge.Command == "" {
		errs = append(errs, "bridge.command is required")
	}

	if cfg.Snapshot.URL != "" {
		if !strings.HasPrefix(cfg.Snapshot.URL, "s3://") &&
			!strings.HasPrefix(cfg.Snapshot.URL, "gs://") &&
			!strings.HasPrefix(cfg.Snapshot.URL, "file://") {
			errs = append(errs, "snapshot.url must use scheme s3://, gs:// or file://")
		}
	}

	if cfg.Mode == ModeCoordinator && cfg.Runner.CoordinatorURL != "" {
		errs = append(errs, "runner.coordinatorUrl is only valid in standalone mode")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
