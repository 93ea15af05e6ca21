package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/bvandewe/tools-provider-sub004/internal/config"
	"github.com/bvandewe/tools-provider-sub004/internal/logger"
	"github.com/bvandewe/tools-provider-sub004/internal/observability"
	"github.com/bvandewe/tools-provider-sub004/pkg/agent"
	"github.com/bvandewe/tools-provider-sub004/pkg/conversation"
	"github.com/bvandewe/tools-provider-sub004/pkg/gateway"
	"github.com/bvandewe/tools-provider-sub004/pkg/orchestrator"
	"github.com/bvandewe/tools-provider-sub004/pkg/protocol"
	"github.com/bvandewe/tools-provider-sub004/pkg/session"
	"github.com/bvandewe/tools-provider-sub004/pkg/toolexec"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon",
	Long: `Run the WebSocket gateway in the foreground: terminate client
connections, route protocol messages and execute agent runs until
interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	lg, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Zerolog()

	observability.EnsureRegistered()
	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		return fmt.Errorf("failed to initialize audit log: %w", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	executor, err := buildExecutor(cfg, log)
	if err != nil {
		return err
	}

	sessions, err := session.NewStore(cfg.Session.DBPath, log)
	if err != nil {
		return err
	}
	defer sessions.Close()

	transcripts, err := conversation.NewStore(cfg.Conversation.Dir, log)
	if err != nil {
		return err
	}

	registry := gateway.NewRegistry(log)

	orch, err := orchestrator.New(orchestrator.Deps{
		Registry:    registry,
		Provider:    provider,
		Executor:    executor,
		Sessions:    sessions,
		Transcripts: transcripts,
		AgentConfig: buildAgentConfig(cfg),
		Logger:      log,
	})
	if err != nil {
		return err
	}

	router := gateway.NewRouter(log)
	if err := router.RegisterFunc(protocol.TypeHeartbeatPong, gateway.PongHandler()); err != nil {
		return err
	}
	if err := orch.RegisterHandlers(router); err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Addr:              cfg.Server.Addr(),
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatInterval) * time.Second,
		IdleAfter:         time.Duration(cfg.Server.IdleAfter) * time.Second,
		Logger:            log,
	}, registry, router)
	if err != nil {
		return err
	}
	server.SetOnConnect(orch.OnConnect)
	server.SetOnDisconnect(orch.OnDisconnect)

	sweeper := session.NewSweeper(sessions, cfg.Session.SweepSchedule, cfg.Session.TTL(), log)
	if err := sweeper.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	defer sweeper.Stop()

	watcher, err := config.NewWatcher(config.NewLoader(cfgFile), log, func(fresh *config.Config) {
		orch.SetAgentConfig(buildAgentConfig(fresh))
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	if err := server.Start(); err != nil {
		return err
	}
	log.Info().
		Str("addr", cfg.Server.Addr()).
		Str("provider", provider.Provider()).
		Msg("Gateway running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	return server.Stop()
}

// buildProvider picks the highest-priority LLM credential.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	profiles := make([]config.ProviderProfile, len(cfg.Providers))
	copy(profiles, cfg.Providers)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority > profiles[j].Priority
	})
	return agent.NewProvider(profiles[0].Provider, profiles[0].APIKey)
}

// buildExecutor registers the configured backend and client tools.
func buildExecutor(cfg *config.Config, log zerolog.Logger) (*toolexec.Executor, error) {
	var provider toolexec.Provider
	if cfg.Tools.ProviderURL != "" {
		provider = toolexec.NewHTTPProvider(cfg.Tools.ProviderURL, log)
	}

	executor := toolexec.New(provider, time.Duration(cfg.Tools.DefaultTimeout)*time.Second, log)

	for _, tool := range cfg.Tools.Backend {
		def := toolexec.Definition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  buildParameters(tool.Parameters),
			Timeout:     time.Duration(tool.Timeout) * time.Second,
		}
		if err := executor.RegisterTool(def); err != nil {
			return nil, err
		}
	}

	for _, tool := range cfg.Tools.Client {
		ct := toolexec.ClientTool{
			Name:        tool.Name,
			Description: tool.Description,
			WidgetType:  tool.WidgetType,
			Parameters:  buildParameters(tool.Parameters),
			BaseProps:   tool.BaseProps,
		}
		if err := executor.RegisterClientTool(ct); err != nil {
			return nil, err
		}
	}

	return executor, nil
}

func buildParameters(params []config.ParameterDefinition) []toolexec.Parameter {
	out := make([]toolexec.Parameter, 0, len(params))
	for _, p := range params {
		out = append(out, toolexec.Parameter{
			Name:        p.Name,
			Type:        p.Type,
			Description: p.Description,
			Required:    p.Required,
			Enum:        p.Enum,
		})
	}
	return out
}

func buildAgentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		Model:                    cfg.Agent.Model,
		Temperature:              cfg.Agent.Temperature,
		MaxTokens:                cfg.Agent.MaxTokens,
		SystemPrompt:             cfg.Agent.SystemPrompt,
		MaxIterations:            cfg.Agent.MaxIterations,
		MaxToolCallsPerIteration: cfg.Agent.MaxToolCallsPerIteration,
		ToolChoice:               cfg.Agent.ToolChoice,
		StopOnError:              cfg.Agent.StopOnError,
		RetryOnError:             cfg.Agent.RetryOnError,
		MaxRetries:               cfg.Agent.MaxRetries,
		TimeoutSeconds:           cfg.Agent.TimeoutSeconds,
		Streaming:                cfg.Agent.Streaming,
		ToolPolicy: &toolexec.Policy{
			Allow: cfg.Agent.ToolPolicy.Allow,
			Deny:  cfg.Agent.ToolPolicy.Deny,
		},
	}
}
