// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server              ServerConfig              `mapstructure:"server"`
	Database            DatabaseConfig            `mapstructure:"database"`
	NATS                NATSConfig                `mapstructure:"nats"`
	Events              EventsConfig              `mapstructure:"events"`
	Docker              DockerConfig              `mapstructure:"docker"`
	Logging             LoggingConfig             `mapstructure:"logging"`
	Timeouts            TimeoutsConfig            `mapstructure:"timeouts"`
	Reaper              ReaperConfig              `mapstructure:"reaper"`
	TreeLock            TreeLockConfig            `mapstructure:"treeLock"`
	RepositoryDiscovery RepositoryDiscoveryConfig `mapstructure:"repositoryDiscovery"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration for working-directory provisioning.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TimeoutsConfig holds the suspension-point timeouts that bound agent
// execution, workflow progress, and pause waits.
type TimeoutsConfig struct {
	AgentMinutes    int `mapstructure:"agentMinutes"`    // per-agent-step timeout
	WorkflowHours   int `mapstructure:"workflowHours"`   // workflow-without-progress timeout
	PauseMinutes    int `mapstructure:"pauseMinutes"`    // pause-wait timeout
	TreeLockSeconds int `mapstructure:"treeLockSeconds"` // TreeLock TTL
}

// AgentTimeout returns the agent-step timeout as a time.Duration.
func (t TimeoutsConfig) AgentTimeout() time.Duration {
	return time.Duration(t.AgentMinutes) * time.Minute
}

// WorkflowTimeout returns the workflow-stall timeout as a time.Duration.
func (t TimeoutsConfig) WorkflowTimeout() time.Duration {
	return time.Duration(t.WorkflowHours) * time.Hour
}

// PauseTimeout returns the pause-wait timeout as a time.Duration.
func (t TimeoutsConfig) PauseTimeout() time.Duration {
	return time.Duration(t.PauseMinutes) * time.Minute
}

// TreeLockTTL returns the tree lock TTL as a time.Duration.
func (t TimeoutsConfig) TreeLockTTL() time.Duration {
	return time.Duration(t.TreeLockSeconds) * time.Second
}

// ReaperConfig holds the stuck-work reaper's cadence.
type ReaperConfig struct {
	IntervalMinutes int `mapstructure:"intervalMinutes"`
}

// Interval returns the reaper sweep interval as a time.Duration.
func (r ReaperConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// TreeLockConfig holds tree-lock-store configuration (colocated with Database).
type TreeLockConfig struct {
	// TableName names the Postgres lock table. The lock store and the schema
	// migration always use the table tree_locks and do not read this value.
	TableName string `mapstructure:"tableName"`
}

// RepositoryDiscoveryConfig drives which target modules auto-start on boot
// as root workflows, mirroring a "module_settings.auto_load" setting.
type RepositoryDiscoveryConfig struct {
	AutoLoadModules []string `mapstructure:"autoLoadModules"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCHESTRATOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchestrator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "orchestrator-cluster")
	v.SetDefault("nats.clientId", "orchestrator-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "orchestrator-network")
	v.SetDefault("docker.volumeBasePath", "/var/lib/orchestrator/volumes")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Timeouts
	v.SetDefault("timeouts.agentMinutes", 60)
	v.SetDefault("timeouts.workflowHours", 2)
	v.SetDefault("timeouts.pauseMinutes", 30)
	v.SetDefault("timeouts.treeLockSeconds", 300)

	// Reaper
	v.SetDefault("reaper.intervalMinutes", 15)

	v.SetDefault("treeLock.tableName", "tree_locks")

	v.SetDefault("repositoryDiscovery.autoLoadModules", []string{})
}

// DefaultDockerHost returns the Docker socket path, respecting DOCKER_HOST.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCHESTRATOR_ followed by the upper-cased
// config path with dots replaced by underscores (e.g. ORCHESTRATOR_TIMEOUTS_AGENTMINUTES).
// Config file should be named config.yaml and placed in the current directory or /etc/orchestrator/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env naming doesn't mechanically derive from the
	// camelCase config path.
	_ = v.BindEnv("logging.level", "ORCHESTRATOR_LOG_LEVEL")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("events.namespace", "ORCHESTRATOR_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "database.port must be between 1 and 65535")
	}
	if cfg.Database.User == "" {
		errs = append(errs, "database.user is required")
	}
	if cfg.Database.DBName == "" {
		errs = append(errs, "database.dbName is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Timeouts.AgentMinutes <= 0 {
		errs = append(errs, "timeouts.agentMinutes must be positive")
	}
	if cfg.Timeouts.WorkflowHours <= 0 {
		errs = append(errs, "timeouts.workflowHours must be positive")
	}
	if cfg.Timeouts.TreeLockSeconds <= 0 {
		errs = append(errs, "timeouts.treeLockSeconds must be positive")
	}
	if cfg.Reaper.IntervalMinutes <= 0 {
		errs = append(errs, "reaper.intervalMinutes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
