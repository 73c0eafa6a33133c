// Package config provides configuration management for agentplane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentplane.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	MCP          MCPConfig          `mapstructure:"mcp"`
	Bus          BusConfig          `mapstructure:"bus"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Balancer     BalancerConfig     `mapstructure:"balancer"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Collab       CollabConfig       `mapstructure:"collab"`
	Applog       ApplogConfig       `mapstructure:"applog"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// BusConfig holds communication bus configuration.
// Type "memory" runs the in-process bus; "nats" connects to a NATS server.
type BusConfig struct {
	Type          string `mapstructure:"type"`
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	QueueDepth    int    `mapstructure:"queueDepth"`   // per-subscription buffer
	HistoryDepth  int    `mapstructure:"historyDepth"` // bounded message history
}

// RegistryConfig holds agent registry configuration.
type RegistryConfig struct {
	MaxAgents    int  `mapstructure:"maxAgents"`
	SeedDefaults bool `mapstructure:"seedDefaults"` // load the built-in agent type catalog
}

// BalancerConfig holds load balancer configuration.
type BalancerConfig struct {
	Strategy string `mapstructure:"strategy"` // round-robin, least-loaded, weighted-performance, capability-score
	RNGSeed  int64  `mapstructure:"rngSeed"`  // 0 means time-seeded
}

// RetryConfig holds dispatch retry configuration.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BackoffBase time.Duration `mapstructure:"backoffBase"`
	BackoffCap  time.Duration `mapstructure:"backoffCap"`
}

// AgentHealthConfig holds the rolling success-rate health check configuration.
type AgentHealthConfig struct {
	Window    int     `mapstructure:"window"`    // number of recent dispatches considered
	Threshold float64 `mapstructure:"threshold"` // success rate below this marks the agent errored
}

// OrchestratorConfig holds orchestrator configuration.
type OrchestratorConfig struct {
	Workers         int               `mapstructure:"workers"`
	QueueSize       int               `mapstructure:"queueSize"`
	DispatchTimeout time.Duration     `mapstructure:"dispatchTimeout"`
	RequeueDelay    time.Duration     `mapstructure:"requeueDelay"` // backoff when all agents are full
	CancelGrace     time.Duration     `mapstructure:"cancelGrace"`  // wait for agent cancel ack
	Retry           RetryConfig       `mapstructure:"retry"`
	AgentHealth     AgentHealthConfig `mapstructure:"agentHealth"`
}

// CollabConfig holds collaboration session configuration.
type CollabConfig struct {
	SessionTimeout        time.Duration `mapstructure:"sessionTimeout"`
	MaxConcurrentSessions int           `mapstructure:"maxConcurrentSessions"`
	MaxSwarmSubtasks      int           `mapstructure:"maxSwarmSubtasks"`
}

// ApplogConfig holds the lifecycle event journal configuration.
type ApplogConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	DSN      string `mapstructure:"dsn"`    // file path for sqlite, connection string for postgres
	MaxConns int    `mapstructure:"maxConns"`
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

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 8090)

	// Bus defaults - memory bus unless a NATS URL is configured
	v.SetDefault("bus.type", "memory")
	v.SetDefault("bus.url", "nats://localhost:4222")
	v.SetDefault("bus.clientId", "agentplane")
	v.SetDefault("bus.maxReconnects", 10)
	v.SetDefault("bus.queueDepth", 256)
	v.SetDefault("bus.historyDepth", 256)

	// Registry defaults
	v.SetDefault("registry.maxAgents", 10)
	v.SetDefault("registry.seedDefaults", true)

	// Balancer defaults
	v.SetDefault("balancer.strategy", "least-loaded")
	v.SetDefault("balancer.rngSeed", 0)

	// Orchestrator defaults
	v.SetDefault("orchestrator.workers", 3)
	v.SetDefault("orchestrator.queueSize", 1024)
	v.SetDefault("orchestrator.dispatchTimeout", "30s")
	v.SetDefault("orchestrator.requeueDelay", "100ms")
	v.SetDefault("orchestrator.cancelGrace", "5s")
	v.SetDefault("orchestrator.retry.maxAttempts", 3)
	v.SetDefault("orchestrator.retry.backoffBase", "200ms")
	v.SetDefault("orchestrator.retry.backoffCap", "5s")
	v.SetDefault("orchestrator.agentHealth.window", 20)
	v.SetDefault("orchestrator.agentHealth.threshold", 0.5)

	// Collaboration defaults
	v.SetDefault("collab.sessionTimeout", "120s")
	v.SetDefault("collab.maxConcurrentSessions", 4)
	v.SetDefault("collab.maxSwarmSubtasks", 25)

	// Applog defaults - sqlite journal next to the process
	v.SetDefault("applog.enabled", true)
	v.SetDefault("applog.driver", "sqlite")
	v.SetDefault("applog.dsn", "agentplane.db")
	v.SetDefault("applog.maxConns", 4)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTPLANE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("bus.queueDepth", "AGENTPLANE_BUS_QUEUE_DEPTH")
	_ = v.BindEnv("registry.maxAgents", "AGENTPLANE_REGISTRY_MAX_AGENTS")
	_ = v.BindEnv("orchestrator.dispatchTimeout", "AGENTPLANE_ORCHESTRATOR_DISPATCH_TIMEOUT")
	_ = v.BindEnv("applog.dsn", "AGENTPLANE_APPLOG_DSN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentplane/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	switch cfg.Bus.Type {
	case "memory", "nats":
	default:
		errs = append(errs, "bus.type must be one of: memory, nats")
	}
	if cfg.Bus.Type == "nats" && cfg.Bus.URL == "" {
		errs = append(errs, "bus.url is required when bus.type is nats")
	}
	if cfg.Bus.QueueDepth <= 0 {
		errs = append(errs, "bus.queueDepth must be positive")
	}
	if cfg.Bus.HistoryDepth <= 0 {
		errs = append(errs, "bus.historyDepth must be positive")
	}

	if cfg.Registry.MaxAgents <= 0 {
		errs = append(errs, "registry.maxAgents must be positive")
	}

	switch cfg.Balancer.Strategy {
	case "round-robin", "least-loaded", "weighted-performance", "capability-score":
	default:
		errs = append(errs, "balancer.strategy must be one of: round-robin, least-loaded, weighted-performance, capability-score")
	}

	if cfg.Orchestrator.Workers <= 0 {
		errs = append(errs, "orchestrator.workers must be positive")
	}
	if cfg.Orchestrator.QueueSize <= 0 {
		errs = append(errs, "orchestrator.queueSize must be positive")
	}
	if cfg.Orchestrator.DispatchTimeout <= 0 {
		errs = append(errs, "orchestrator.dispatchTimeout must be positive")
	}
	if cfg.Orchestrator.Retry.MaxAttempts < 0 {
		errs = append(errs, "orchestrator.retry.maxAttempts must not be negative")
	}
	if cfg.Orchestrator.Retry.BackoffBase <= 0 {
		errs = append(errs, "orchestrator.retry.backoffBase must be positive")
	}
	if cfg.Orchestrator.Retry.BackoffCap < cfg.Orchestrator.Retry.BackoffBase {
		errs = append(errs, "orchestrator.retry.backoffCap must be >= backoffBase")
	}
	if cfg.Orchestrator.AgentHealth.Window <= 0 {
		errs = append(errs, "orchestrator.agentHealth.window must be positive")
	}
	if cfg.Orchestrator.AgentHealth.Threshold <= 0 || cfg.Orchestrator.AgentHealth.Threshold > 1 {
		errs = append(errs, "orchestrator.agentHealth.threshold must be in (0, 1]")
	}

	if cfg.Collab.SessionTimeout <= 0 {
		errs = append(errs, "collab.sessionTimeout must be positive")
	}
	if cfg.Collab.MaxConcurrentSessions <= 0 {
		errs = append(errs, "collab.maxConcurrentSessions must be positive")
	}
	if cfg.Collab.MaxSwarmSubtasks <= 0 {
		errs = append(errs, "collab.maxSwarmSubtasks must be positive")
	}

	if cfg.Applog.Enabled {
		switch cfg.Applog.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, "applog.driver must be one of: sqlite, postgres")
		}
		if cfg.Applog.DSN == "" {
			errs = append(errs, "applog.dsn is required when applog is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
