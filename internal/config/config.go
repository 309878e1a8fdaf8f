// Package config provides configuration for the orchestrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort        int           `mapstructure:"http_port"`
	RPCPort         int           `mapstructure:"rpc_port"`
	PublicURL       string        `mapstructure:"public_url"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Database
	DatabaseDriver string `mapstructure:"database_driver"`
	DatabaseURL    string `mapstructure:"database_url"`

	// Event bus
	EventBus          string `mapstructure:"event_bus"`
	NATSURL           string `mapstructure:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`
	NATSEmbedded      bool   `mapstructure:"nats_embedded"`

	// Agents
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AgentOfflineAfter time.Duration `mapstructure:"agent_offline_after"`
	AgentAckTimeout   time.Duration `mapstructure:"agent_ack_timeout"`

	// Tasks
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	TaskSweepInterval time.Duration `mapstructure:"task_sweep_interval"`

	// Workflows
	WorkflowDir     string        `mapstructure:"workflow_dir"`
	WorkflowTimeout time.Duration `mapstructure:"workflow_timeout"`
	WorkflowWatch   bool          `mapstructure:"workflow_watch"`

	// Action catalog and admission policy
	CatalogFile string `mapstructure:"catalog_file"`
	PolicyFile  string `mapstructure:"policy_file"`

	// Logging and tracing
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	OTelExporter string `mapstructure:"otel_exporter"`
	OTelEndpoint string `mapstructure:"otel_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("rpc_port", 8081)
	v.SetDefault("public_url", "")
	v.SetDefault("rate_limit", 0)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("database_driver", "sqlite3")
	v.SetDefault("database_url", "file:orchestrator.db?cache=shared&mode=rwc")

	v.SetDefault("event_bus", "memory")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("nats_subject_prefix", "events")
	v.SetDefault("nats_embedded", false)

	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("agent_offline_after", 90*time.Second)
	v.SetDefault("agent_ack_timeout", 10*time.Second)

	v.SetDefault("task_timeout", 5*time.Minute)
	v.SetDefault("task_sweep_interval", 500*time.Millisecond)

	v.SetDefault("workflow_dir", "")
	v.SetDefault("workflow_timeout", 30*time.Minute)
	v.SetDefault("workflow_watch", false)

	v.SetDefault("catalog_file", "")
	v.SetDefault("policy_file", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("otel_exporter", "none")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("service_name", "dropship-orchestrator")
}

// Load reads built-in defaults, then the optional YAML file named by path
// (or ORCHESTRATOR_CONFIG when path is empty), then environment variables
// such as HTTP_PORT or DATABASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("ORCHESTRATOR_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make the orchestrator misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort <= 0 {
		errs = append(errs, fmt.Errorf("http_port must be positive"))
	}
	switch c.EventBus {
	case "memory", "nats":
	default:
		errs = append(errs, fmt.Errorf("event_bus must be memory or nats, got %q", c.EventBus))
	}
	if c.AgentOfflineAfter <= 0 {
		errs = append(errs, fmt.Errorf("agent_offline_after must be positive"))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("task_timeout must be positive"))
	}
	if c.TaskSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("task_sweep_interval must be positive"))
	}
	if c.WorkflowTimeout <= 0 {
		errs = append(errs, fmt.Errorf("workflow_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// CallbackBaseURL is the URL agents use to report back.
func (c *Config) CallbackBaseURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return fmt.Sprintf("http://localhost:%d", c.HTTPPort)
}
