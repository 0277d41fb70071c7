package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/service"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/config"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
	"github.com/ngoclaw/agentcore/internal/infrastructure/logger"
	"github.com/ngoclaw/agentcore/internal/infrastructure/persistence"
	httpapi "github.com/ngoclaw/agentcore/internal/interfaces/http"
)

const (
	cliVersion = "0.1.0"
	cliName    = "agentcli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName + " [task]",
		Short: "agentcore — multi-agent orchestration runner",
		Long:  "Drives one root agent (and whatever sub-agents it spawns) against the configured model providers until the task completes.",
		Args:  cobra.ArbitraryArgs,
		RunE:  runTask,
	}

	rootCmd.Flags().StringP("config", "c", "", "explicit config file path")
	rootCmd.Flags().StringP("model", "m", "", "model override for this run")
	rootCmd.Flags().StringP("system", "s", "You are a helpful coding agent.", "system prompt")
	rootCmd.Flags().IntP("max-iterations", "n", 0, "iteration cap (accepted but not applied: root runs always use the 30-iteration default)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "start the admin/introspection HTTP surface",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads config, builds the logger, and wires the provider router.
func bootstrap(cmd *cobra.Command) (*config.Config, *zap.Logger, service.Provider, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stderr",
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	if err := config.Bootstrap(log); err != nil {
		log.Warn("bootstrap incomplete", zap.Error(err))
	}

	router := llm.NewRouter(log)
	for _, p := range cfg.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, log)
		if err != nil {
			log.Warn("skipping provider", zap.String("name", p.Name), zap.Error(err))
			continue
		}
		router.AddProvider(provider)
	}

	return cfg, log, llm.NewProviderAdapter(router, cfg.Agent.DefaultModel), nil
}

func orchestratorConfig(cfg *config.Config) service.OrchestratorConfig {
	ocfg := service.DefaultOrchestratorConfig()
	ocfg.TotalTokensPerMinute = cfg.Rate.TokensPerMinute
	ocfg.CircuitFailureThreshold = cfg.Circuit.MaxFailures
	ocfg.CircuitCooldown = cfg.Circuit.Cooldown
	ocfg.MaxSpawnDepth = cfg.Agent.MaxSpawnDepth
	ocfg.Engine.Model = cfg.Agent.DefaultModel
	ocfg.Engine.MaxTokenBudget = cfg.Agent.DefaultTokenBudget
	ocfg.Engine.ContextMaxTokens = cfg.Agent.ContextMaxTokens
	ocfg.Engine.ContextWarnRatio = cfg.Agent.ContextTrimFraction
	ocfg.Engine.LoopDetectThreshold = cfg.Agent.LoopDetectThreshold
	ocfg.Engine.ToolTimeout = cfg.Agent.ToolTimeout
	ocfg.Engine.MaxParallelTools = cfg.Agent.MaxParallelTools
	ocfg.Engine.MaxRetries = cfg.Retry.ServerMaxRetries
	ocfg.Engine.RateLimitMaxRetries = cfg.Retry.RateLimitMaxRetries
	ocfg.Engine.RetryBaseWait = cfg.Retry.BackoffInitial
	ocfg.Engine.RetryWaitCap = cfg.Retry.BackoffCap
	return ocfg
}

func runTask(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s [task]", cliName)
	}
	task := strings.Join(args, " ")

	cfg, log, provider, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ocfg := orchestratorConfig(cfg)
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		ocfg.Engine.Model = model
	}

	orch := service.NewOrchestrator(provider, domaintool.NewInMemoryRegistry(), consoleObserver{}, ocfg, log)

	if db, err := persistence.NewDBConnection(&cfg.Database); err != nil {
		log.Warn("conversation store unavailable, transcripts will not persist", zap.Error(err))
	} else {
		orch.WithContextStore(persistence.NewGormContextStore(db))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("interrupt received, cancelling run")
		cancel()
	}()

	system, _ := cmd.Flags().GetString("system")
	result, err := orch.Run(ctx, system, task)
	if err != nil {
		return err
	}

	fmt.Println()
	if !result.Success {
		return fmt.Errorf("run failed after %d iterations: %s", result.Iterations, strings.Join(result.Errors, "; "))
	}
	log.Info("run complete",
		zap.Int("iterations", result.Iterations),
		zap.Int("tokens_used", result.TokensUsed))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, provider, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	orch := service.NewOrchestrator(provider, domaintool.NewInMemoryRegistry(), nil, orchestratorConfig(cfg), log)

	server := httpapi.NewServer(httpapi.Config{
		Host: cfg.Admin.Host,
		Port: cfg.Admin.Port,
		Mode: cfg.Admin.Mode,
	}, orch.Coordinator(), orch.Breakers(), orch.SpawnRegistry(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Stop(shutdownCtx)
}

// consoleObserver renders run progress to stdout; everything structured goes
// through zap instead.
type consoleObserver struct {
	service.NoOpObserver
}

func (consoleObserver) OnResponsePrefix(agentID string) {
	fmt.Printf("\n[%s] ", shortID(agentID))
}

func (consoleObserver) OnTextDelta(agentID, delta string) {
	fmt.Print(delta)
}

func (consoleObserver) OnToolInvocation(agentID, toolName string, args map[string]interface{}) {
	fmt.Printf("\n[%s] → %s\n", shortID(agentID), toolName)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
