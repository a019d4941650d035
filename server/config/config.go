package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration
type Config struct {
	AgentID          string          `env:"AGENT_ID,default=fabric-agent"`
	AgentName        string          `env:"AGENT_NAME,default=Fabric Agent"`
	AgentDescription string          `env:"AGENT_DESCRIPTION,default=A hierarchical multi-agent fabric node"`
	AgentVersion     string          // Build-time metadata, not configurable via environment
	AgentURL         string          `env:"AGENT_URL" description:"Public base URL advertised in the agent card"`
	Greeting         string          `env:"AGENT_GREETING" description:"Greeting line included in the agent card"`
	Instructions     string          `env:"AGENT_INSTRUCTIONS" description:"Operator instructions included in the agent card"`
	Debug            bool            `env:"DEBUG,default=false"`
	Timezone         string          `env:"TIMEZONE,default=UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	AgentConfig      AgentConfig     `env:",prefix=AGENT_CLIENT_"`
	RegistryConfig   RegistryConfig  `env:",prefix=REGISTRY_"`
	AuthConfig       AuthConfig      `env:",prefix=AUTH_"`
	SessionConfig    SessionConfig   `env:",prefix=SESSION_"`
	TaskConfig       TaskConfig      `env:",prefix=TASK_"`
	ServerConfig     ServerConfig    `env:",prefix=SERVER_"`
	StorageConfig    StorageConfig   `env:",prefix=STORAGE_"`
	TelemetryConfig  TelemetryConfig `env:",prefix=TELEMETRY_"`
}

// AgentConfig holds LLM client configuration
type AgentConfig struct {
	Provider            string        `env:"PROVIDER,default=openai" description:"LLM provider name"`
	Model               string        `env:"MODEL" description:"LLM model name"`
	BaseURL             string        `env:"BASE_URL" description:"Base URL for the LLM provider API"`
	APIKey              string        `env:"API_KEY" description:"API key for authentication"`
	Timeout             time.Duration `env:"TIMEOUT,default=30s" description:"Client timeout for requests"`
	MaxRetries          int           `env:"MAX_RETRIES,default=3" description:"Maximum number of retries"`
	MaxToolCallsPerTurn int           `env:"MAX_TOOL_CALLS_PER_TURN,default=16" description:"Maximum capability invocations within one turn"`
	TurnDeadline        time.Duration `env:"TURN_DEADLINE,default=120s" description:"Wall-clock deadline for one full turn"`
	MaxTokens           int           `env:"MAX_TOKENS,default=4096" description:"Maximum tokens for completion"`
	Temperature         float64       `env:"TEMPERATURE,default=0.7" description:"Temperature for completion"`
	SystemPrompt        string        `env:"SYSTEM_PROMPT,default=You are a helpful AI assistant in an agent fabric. Use the available functions when they help you answer. Please provide helpful and accurate responses." description:"System prompt for LLM interactions"`
	UserAgent           string        `env:"USER_AGENT,default=fabric-agent/1.0" description:"User agent string"`
}

// RegistryConfig holds capability registry configuration
type RegistryConfig struct {
	InitialCapabilityURLs []string      `env:"INITIAL_CAPABILITY_URLS" description:"Comma-separated capability URLs attached at startup"`
	ProbeTimeout          time.Duration `env:"PROBE_TIMEOUT,default=10s" description:"Timeout for probing a capability URL during add"`
	PeerCallTimeout       time.Duration `env:"PEER_CALL_TIMEOUT,default=60s" description:"Timeout for delegated calls to peer agents"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enable       bool   `env:"ENABLE,default=false"`
	IssuerURL    string `env:"ISSUER_URL,default=http://keycloak:8080/realms/fabric-realm"`
	ClientID     string `env:"CLIENT_ID,default=fabric-agent-client"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// SessionConfig holds session store configuration
type SessionConfig struct {
	MaxSessions int `env:"MAX_SESSIONS,default=0" description:"Maximum number of live sessions; least-recently-used sessions are evicted beyond it (0 = unlimited)"`
	MaxHistory  int `env:"MAX_HISTORY,default=0" description:"Maximum turns retained per session (0 = unlimited)"`
}

// TaskConfig defines how many terminal tasks to retain
type TaskConfig struct {
	MaxCompletedTasks int           `env:"MAX_COMPLETED_TASKS,default=100" description:"Maximum number of completed tasks to retain (0 = unlimited)"`
	MaxFailedTasks    int           `env:"MAX_FAILED_TASKS,default=50" description:"Maximum number of failed or cancelled tasks to retain (0 = unlimited)"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL,default=5m" description:"How often to run cleanup (0 = manual cleanup only)"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host                  string        `env:"HOST,default=" description:"HTTP server host (empty for all interfaces)"`
	Port                  string        `env:"PORT,default=8080" description:"HTTP server port"`
	ReadTimeout           time.Duration `env:"READ_TIMEOUT,default=120s" description:"HTTP server read timeout"`
	WriteTimeout          time.Duration `env:"WRITE_TIMEOUT,default=120s" description:"HTTP server write timeout"`
	IdleTimeout           time.Duration `env:"IDLE_TIMEOUT,default=120s" description:"HTTP server idle timeout"`
	DisableHealthcheckLog bool          `env:"DISABLE_HEALTHCHECK_LOG,default=true" description:"Disable logging for health check requests"`
}

// StorageConfig holds task and session storage configuration
type StorageConfig struct {
	Provider string            `env:"PROVIDER,default=memory" description:"Storage provider (memory, redis)"`
	URL      string            `env:"URL" description:"Connection URL for the storage backend"`
	Options  map[string]string `env:"OPTIONS" description:"Provider-specific configuration options"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Port         string        `env:"PORT,default=9090" description:"Metrics server port"`
	Host         string        `env:"HOST,default=" description:"Metrics server host (empty for all interfaces)"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT,default=30s" description:"Metrics server read timeout"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT,default=30s" description:"Metrics server write timeout"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT,default=60s" description:"Metrics server idle timeout"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enable        bool          `env:"ENABLE,default=false" description:"Enable telemetry collection"`
	MetricsConfig MetricsConfig `env:",prefix=METRICS_"`
}

// Load loads configuration from environment variables, merging with the provided base config.
func Load(ctx context.Context, baseConfig *Config) (*Config, error) {
	return LoadWithLookuper(ctx, baseConfig, envconfig.OsLookuper())
}

// LoadWithLookuper creates and loads configuration using a custom lookuper and merges with user config
func LoadWithLookuper(ctx context.Context, baseConfig *Config, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config

	if baseConfig != nil {
		cfg = *baseConfig
	}

	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// NewWithDefaults creates a new config with defaults applied from struct tags.
func NewWithDefaults(ctx context.Context, baseConfig *Config) (*Config, error) {
	return LoadWithLookuper(ctx, baseConfig, &emptyLookuper{})
}

// emptyLookuper ensures that only default values from struct tags are used
type emptyLookuper struct{}

func (e *emptyLookuper) Lookup(key string) (string, bool) {
	return "", false
}

// Validate validates the configuration and applies corrections for invalid values
func (c *Config) Validate() error {
	if c.AgentConfig.MaxToolCallsPerTurn < 1 {
		c.AgentConfig.MaxToolCallsPerTurn = 1
	}

	if c.AgentConfig.TurnDeadline <= 0 {
		c.AgentConfig.TurnDeadline = 120 * time.Second
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}

	return nil
}

// GetTimezone returns the timezone location for timestamps
func (c *Config) GetTimezone() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
