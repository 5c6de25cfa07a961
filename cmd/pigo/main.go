package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pigo/internal/compact"
	"pigo/internal/config"
	"pigo/internal/control"
	"pigo/internal/eventbus"
	"pigo/internal/llm"
	"pigo/internal/scheduler"
	"pigo/internal/session"
	"pigo/internal/tools"
	"pigo/internal/tree"

	"github.com/spf13/cobra"
)

var errUnsupportedProvider = errors.New("unsupported provider")

func main() {
	if err := execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "pigo: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "pigo",
		Short:         "pigo is a branching-session agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	cmd.AddCommand(newRunCmd(&configPath))
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newSessionsCmd(&configPath))
	return cmd
}

func newRunCmd(configPath *string) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt and stream the reply to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{Path: strings.TrimSpace(*configPath)})
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			rt, err := buildRuntime(cfg, sessionID, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events, err := rt.scheduler.Prompt(ctx, args[0])
			if err != nil {
				return fmt.Errorf("start turn: %w", err)
			}

			var turnErr error
			for event := range events {
				switch event.Type {
				case llm.EventTextDelta:
					_, _ = fmt.Fprint(cmd.OutOrStdout(), event.TextDelta)
				case llm.EventToolCallStart:
					if event.ToolCall != nil {
						_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "\n[tool: %s]\n", event.ToolCall.Name)
					}
				case llm.EventError:
					turnErr = event.Err
				}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout())
			if turnErr != nil {
				return turnErr
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", rt.log.ID())
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session id")
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	var sessionID string
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{Path: strings.TrimSpace(*configPath)})
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if strings.TrimSpace(listenAddr) != "" {
				cfg.Control.ListenAddr = strings.TrimSpace(listenAddr)
			}

			db, err := eventbus.OpenDB(cfg.Control.EventsDB)
			if err != nil {
				return fmt.Errorf("open events db: %w", err)
			}
			defer func() { _ = db.Close() }()

			rt, err := buildRuntime(cfg, sessionID, db)
			if err != nil {
				return err
			}

			srv := &control.Server{
				Scheduler:   rt.scheduler,
				Tree:        rt.tree,
				Session:     rt.log,
				SessionsDir: cfg.Sessions.Dir,
				Bus:         rt.bus,
				Logger:      slog.Default(),
			}

			httpServer := &http.Server{
				Addr:    cfg.Control.ListenAddr,
				Handler: srv.Handler(),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				rt.scheduler.Abort()
				_ = httpServer.Shutdown(context.Background())
			}()

			slog.Info("control server listening",
				"addr", cfg.Control.ListenAddr,
				"session", rt.log.ID())
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session id")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	return cmd
}

func newSessionsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{Path: strings.TrimSpace(*configPath)})
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			infos, err := session.List(cfg.Sessions.Dir)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, info := range infos {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d bytes\n",
					info.ID, info.UpdatedAt.Format("2006-01-02 15:04:05"), info.SizeBytes)
			}
			return nil
		},
	}
}

// runtime bundles the wired pieces behind one session.
type runtime struct {
	log       *session.Log
	tree      *tree.Tree
	bus       *eventbus.Bus
	scheduler *scheduler.Scheduler
}

func buildRuntime(cfg config.Config, sessionID string, eventsDB *sql.DB) (*runtime, error) {
	provider, model, err := buildProviderFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}

	schedSettings, err := cfg.SchedulerSettings()
	if err != nil {
		return nil, fmt.Errorf("resolve scheduler settings: %w", err)
	}

	log, err := openOrCreateSession(cfg.Sessions.Dir, sessionID)
	if err != nil {
		return nil, err
	}

	tr, err := tree.Load(log.Entries(), tree.WithSink(log))
	if err != nil {
		return nil, fmt.Errorf("load session tree: %w", err)
	}

	bus, err := eventbus.New(eventsDB, log.ID(), slog.Default())
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}

	summarizer := &compact.LLMSummarizer{Provider: provider, Model: model}
	compactCfg := compact.Config{KeepRecentTokens: schedSettings.KeepRecentTokens}
	engine, err := compact.NewEngine(summarizer, compactCfg)
	if err != nil {
		return nil, fmt.Errorf("create compaction engine: %w", err)
	}
	navigator, err := compact.NewNavigator(summarizer, compactCfg)
	if err != nil {
		return nil, fmt.Errorf("create navigator: %w", err)
	}

	registry, err := buildToolRegistry()
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Provider:       provider,
		Tree:           tr,
		Compactor:      engine,
		Navigator:      navigator,
		Tools:          tools.NewExecutor(registry),
		Events:         bus,
		Model:          model,
		Thinking:       llm.ThinkingLevel(schedSettings.ThinkingLevel),
		ContextWindow:  schedSettings.ContextWindow,
		ReserveTokens:  schedSettings.ReserveTokens,
		AutoCompaction: schedSettings.AutoCompaction,
		AutoRetry:      schedSettings.AutoRetry,
		MaxRetries:     schedSettings.MaxRetries,
		BaseRetryDelay: schedSettings.BaseRetryDelay,
		MaxRetryDelay:  schedSettings.MaxRetryDelay,
		MaxTurns:       schedSettings.MaxTurns,
		SteerPolicy:    scheduler.QueuePolicy(schedSettings.SteerPolicy),
		FollowUpPolicy: scheduler.QueuePolicy(schedSettings.FollowUpPolicy),
		NextTurnPolicy: scheduler.QueuePolicy(schedSettings.NextTurnPolicy),
	})
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	return &runtime{log: log, tree: tr, bus: bus, scheduler: sched}, nil
}

func openOrCreateSession(dir, sessionID string) (*session.Log, error) {
	if strings.TrimSpace(sessionID) == "" {
		log, err := session.Create(dir, session.NewID(), "")
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return log, nil
	}
	log, err := session.Open(dir, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}
	return log, nil
}

func buildProviderFromConfig(cfg config.Config) (llm.Provider, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Default)) {
	case "", "anthropic":
		settings, err := cfg.AnthropicSettings()
		if err != nil {
			return nil, "", fmt.Errorf("resolve anthropic settings: %w", err)
		}
		if strings.TrimSpace(settings.APIKey) == "" {
			return nil, "", llm.ErrMissingAPIKey
		}
		schedSettings, err := cfg.SchedulerSettings()
		if err != nil {
			return nil, "", fmt.Errorf("resolve scheduler settings: %w", err)
		}

		provider := llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:  settings.APIKey,
			BaseURL: settings.BaseURL,
			Version: settings.Version,
			Retry:   providerRetryPolicy(settings.Retry, schedSettings.AutoRetry),
		})
		return provider, settings.Model, nil
	default:
		return nil, "", fmt.Errorf("%w: %s", errUnsupportedProvider, cfg.Provider.Default)
	}
}

// providerRetryPolicy derives the provider-level retry policy. While the
// scheduler's auto-retry owns transient failures, provider-internal retries
// are disabled so the two layers do not multiply attempts.
func providerRetryPolicy(retry config.AnthropicRetrySettings, schedulerRetries bool) llm.RetryPolicy {
	policy := llm.RetryPolicy{
		MaxRetries: retry.MaxRetries,
		BaseDelay:  retry.BaseDelay,
		MaxDelay:   retry.MaxDelay,
	}
	if schedulerRetries {
		policy.MaxRetries = -1
	}
	return policy
}

func buildToolRegistry() (*tools.Registry, error) {
	registry := tools.NewRegistry()
	for _, tool := range builtinTools() {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	return registry, nil
}

func builtinTools() []tools.Tool {
	return []tools.Tool{
		tools.NewReadTool(),
		tools.NewWriteTool(),
		tools.NewEditTool(),
		tools.NewGrepTool(),
		tools.NewBashTool(),
	}
}
