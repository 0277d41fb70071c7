package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "agentcore"

// WorkspaceDirName is the directory name used for workspace-level config.
// Place .agentcore/ in a project root for project-specific overrides.
const WorkspaceDirName = "." + AppName

// HomeDir returns the user's agentcore configuration home: ~/.agentcore
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the ~/.agentcore directory exists with all default
// content. Called once at startup. Safe to call multiple times — only
// creates missing items.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "logs"),
		filepath.Join(root, "data"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	// Default files — only written if they don't already exist (never overwrite user edits)
	defaults := map[string]string{
		filepath.Join(root, "config.yaml"): defaultConfig,
		filepath.Join(root, "engine.yaml"): defaultEngineOverrides,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue // Already exists, skip
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("agentcore bootstrap complete",
			zap.String("home", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("agentcore home directory OK", zap.String("home", root))
	}

	return nil
}

const defaultConfig = `# agentcore configuration
# Auto-generated on first launch — feel free to edit.
# Environment variables prefixed AGENTCORE_ override any value here.

agent:
  default_provider: openai
  default_model: gpt-4o-mini
  default_max_iterations: 30
  default_token_budget: -1     # <0 = unbounded per run
  stream_default: true
  max_spawn_depth: 5
  loop_detect_threshold: 3
  context_max_tokens: 128000
  context_trim_fraction: 0.7
  tool_timeout: 60s
  max_parallel_tools: 4
  providers: []
  # Example:
  # providers:
  #   - name: openai
  #     type: openai           # openai | anthropic | gemini
  #     base_url: "https://api.openai.com/v1"
  #     api_key: "sk-..."
  #     models:
  #       - "gpt-4o-mini"
  #     priority: 1

rate:
  enabled: true
  tokens_per_minute: 60000

retry:
  rate_limit_max_retries: 5
  server_max_retries: 3
  backoff_initial: 250ms
  backoff_cap: 8s

circuit_breaker:
  max_failures: 5
  cooldown: 30s

database:
  type: sqlite                 # sqlite | postgres
  dsn: agentcore.db            # File path (sqlite) or connection string (postgres)

admin:
  enabled: false
  host: 127.0.0.1
  port: 18790
  mode: release                # debug | release

log:
  level: info                  # debug | info | warn | error
  format: json                 # json | console
`

const defaultEngineOverrides = `# Hot-reloadable engine overrides, re-read on each write by a ConfigWatcher.
# The agentcli run command does not start a watcher on this file.
# Only the fields set here override the built-in engine defaults.
# model: gpt-4o-mini
# maxRetries: 3
# loopDetectThreshold: 3
`
