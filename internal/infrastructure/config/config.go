package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the single struct every tunable of the orchestration core is
// sourced from. It is loaded once at bootstrap and passed down; nothing
// reads viper (or the environment) after that.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Rate     RateConfig     `mapstructure:"rate"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Circuit  CircuitConfig  `mapstructure:"circuit_breaker"`
	Database DatabaseConfig `mapstructure:"database"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      LogConfig      `mapstructure:"log"`
}

// AgentConfig fixes the per-run defaults every spawned engine starts from.
type AgentConfig struct {
	DefaultProvider      string           `mapstructure:"default_provider"`
	DefaultModel         string           `mapstructure:"default_model"`
	DefaultMaxIterations int              `mapstructure:"default_max_iterations"`
	DefaultTokenBudget   int64            `mapstructure:"default_token_budget"` // <0 = unbounded
	StreamDefault        bool             `mapstructure:"stream_default"`
	Workspace            string           `mapstructure:"workspace"`
	MaxSpawnDepth        int              `mapstructure:"max_spawn_depth"`
	LoopDetectThreshold  int              `mapstructure:"loop_detect_threshold"`
	ContextMaxTokens     int              `mapstructure:"context_max_tokens"`
	ContextTrimFraction  float64          `mapstructure:"context_trim_fraction"`
	ToolTimeout          time.Duration    `mapstructure:"tool_timeout"`
	MaxParallelTools     int              `mapstructure:"max_parallel_tools"`
	Providers            []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig configures one upstream model backend for the llm.Router.
type ProviderConfig struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"` // "openai" (default) | "anthropic" | "gemini"
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// RateConfig sizes the shared tokens-per-minute budget the coordinator
// partitions across concurrent agents.
type RateConfig struct {
	Enabled         bool  `mapstructure:"enabled"`
	TokensPerMinute int64 `mapstructure:"tokens_per_minute"`
}

// RetryConfig bounds the engine's provider-error retry policy.
type RetryConfig struct {
	RateLimitMaxRetries int           `mapstructure:"rate_limit_max_retries"`
	ServerMaxRetries    int           `mapstructure:"server_max_retries"`
	BackoffInitial      time.Duration `mapstructure:"backoff_initial"`
	BackoffCap          time.Duration `mapstructure:"backoff_cap"`
}

// CircuitConfig tunes the per-model circuit breakers.
type CircuitConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// DatabaseConfig selects the conversation store backing.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// AdminConfig binds the read-only introspection HTTP surface.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"` // debug, release
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config.yaml from (in precedence order, low to high) built-in
// defaults, the user's home config directory, a workspace-local
// .agentcore/config.yaml, and AGENTCORE_* environment variables. An
// explicit path bypasses the search entirely. A missing file is not an
// error — defaults stand.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", explicitPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(HomeDir())
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}

		// Workspace-local overrides win over the home config.
		if wd, err := os.Getwd(); err == nil {
			local := filepath.Join(wd, WorkspaceDirName, "config.yaml")
			if _, err := os.Stat(local); err == nil {
				v2 := viper.New()
				v2.SetConfigFile(local)
				if err := v2.ReadInConfig(); err == nil {
					_ = v.MergeConfigMap(v2.AllSettings())
				}
			}
		}
	}

	v.SetEnvPrefix("AGENTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.default_provider", "openai")
	v.SetDefault("agent.default_model", "gpt-4o-mini")
	v.SetDefault("agent.default_max_iterations", 30)
	v.SetDefault("agent.default_token_budget", -1)
	v.SetDefault("agent.stream_default", true)
	v.SetDefault("agent.max_spawn_depth", 5)
	v.SetDefault("agent.loop_detect_threshold", 3)
	v.SetDefault("agent.context_max_tokens", 128000)
	v.SetDefault("agent.context_trim_fraction", 0.7)
	v.SetDefault("agent.tool_timeout", "60s")
	v.SetDefault("agent.max_parallel_tools", 4)

	v.SetDefault("rate.enabled", true)
	v.SetDefault("rate.tokens_per_minute", 60000)

	v.SetDefault("retry.rate_limit_max_retries", 5)
	v.SetDefault("retry.server_max_retries", 3)
	v.SetDefault("retry.backoff_initial", "250ms")
	v.SetDefault("retry.backoff_cap", "8s")

	v.SetDefault("circuit_breaker.max_failures", 5)
	v.SetDefault("circuit_breaker.cooldown", "30s")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "agentcore.db")

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 18790)
	v.SetDefault("admin.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
