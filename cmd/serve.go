package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigi-dev/gigi/internal/agent"
	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/channels/telegram"
	"github.com/gigi-dev/gigi/internal/config"
	"github.com/gigi-dev/gigi/internal/cron"
	"github.com/gigi-dev/gigi/internal/forge"
	"github.com/gigi-dev/gigi/internal/gateway"
	"github.com/gigi-dev/gigi/internal/providers"
	"github.com/gigi-dev/gigi/internal/router"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/telemetry"
	"github.com/gigi-dev/gigi/internal/threads"
	"github.com/gigi-dev/gigi/internal/tools"
	"github.com/gigi-dev/gigi/internal/webhook"
)

const (
	askUserTimeout    = 5 * time.Minute
	staleThreshold    = time.Hour
	deliveryRetention = 30 * 24 * time.Hour
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workspace: gateway, agent runtime, channels, scheduler",
		Run:   runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\nRun `gigi setup` first.\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(shutdownCtx)
	}()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	b := bus.New()
	provider := buildProvider(cfg)
	svc := threads.NewService(st, b, provider)

	questions := agent.NewQuestions()
	enforcer := agent.NewEnforcer(st, cfg.Workspace)
	defer enforcer.Close()

	notifier := &lazyNotifier{}
	registry, closeTools := buildRegistry(cfg, st, questions, notifier)
	defer closeTools()

	runtime := agent.NewRuntime(st, b, registry, provider, questions, enforcer, agent.Config{
		Model:         cfg.Agent.Model,
		MaxIterations: cfg.Agent.MaxToolIterations,
		TurnTimeout:   time.Duration(cfg.Agent.TurnTimeoutMin) * time.Minute,
		Workspace:     cfg.Workspace,
	})

	rt := router.New(st, svc, b, runtime)

	var ingesterOpts []webhook.Option
	ingesterOpts = append(ingesterOpts, webhook.WithDispatcher(runtime))
	if cfg.Forge.WebhookSecret != "" {
		ingesterOpts = append(ingesterOpts, webhook.WithSecret(cfg.Forge.WebhookSecret))
	}
	ingester := webhook.NewIngester(st, svc, b, ingesterOpts...)

	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, rt, runtime, b, svc, st)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telegram: %v\n", err)
			os.Exit(1)
		}
		if err := tg.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "telegram: %v\n", err)
			os.Exit(1)
		}
		notifier.bind(tg)
		defer tg.Stop(context.Background())
	}

	sched := cron.New()
	if err := sched.Add("stale-tasks", cfg.Cron.StaleTaskCheck,
		cron.StaleTasks(enforcer, notifier.jobNotifier(), staleThreshold)); err != nil {
		slog.Error("scheduler", "error", err)
	}
	if err := sched.Add("prune-deliveries", cfg.Cron.DeliveryPrune,
		cron.PruneDeliveries(st, deliveryRetention)); err != nil {
		slog.Error("scheduler", "error", err)
	}
	go sched.Start(ctx)

	server := gateway.NewServer(cfg, st, b, svc, rt, runtime, ingester)
	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func buildProvider(cfg *config.Config) providers.Provider {
	switch cfg.Agent.Provider {
	case "openai":
		var opts []providers.OpenAIOption
		if m := firstNonEmpty(cfg.Agent.Model, cfg.Providers.OpenAI.Model); m != "" {
			opts = append(opts, providers.WithOpenAIModel(m))
		}
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, providers.WithOpenAIBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return providers.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, opts...)
	default:
		var opts []providers.AnthropicOption
		if m := firstNonEmpty(cfg.Agent.Model, cfg.Providers.Anthropic.Model); m != "" {
			opts = append(opts, providers.WithAnthropicModel(m))
		}
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, opts...)
	}
}

// buildRegistry assembles and seals the tool registry. The returned close
// function releases tool-held resources (the headless browser).
func buildRegistry(cfg *config.Config, st *store.Store, questions *agent.Questions, notifier *lazyNotifier) (*tools.Registry, func()) {
	reg := tools.NewRegistry()
	actions := store.ActionLog{S: st}

	policy := tools.NewPolicyEngine()
	// Webhook-originated turns never get the operator-suspension tool:
	// nobody is watching that channel for questions.
	policy.DenyForChannel(store.ChannelWebhook, tools.PermAsk)
	reg.SetPolicy(policy)

	reg.Register(tools.NewReadFileTool(cfg.Workspace))
	reg.Register(tools.NewWriteFileTool(cfg.Workspace))
	reg.Register(tools.NewListDirTool(cfg.Workspace))
	if cfg.Tools.Exec.Enabled {
		reg.Register(tools.NewBashTool(cfg.Workspace))
	}
	reg.Register(tools.NewAskUserTool(questions, askUserTimeout))
	reg.Register(tools.NewNotifyTool(notifier, actions))

	if cfg.Forge.BaseURL != "" && cfg.Forge.Token != "" {
		client := forge.NewClient(cfg.Forge.BaseURL, cfg.Forge.Token)
		reg.Register(tools.NewGiteaTool(client, actions))
	}

	closeBrowser := func() {}
	if cfg.Tools.Browser.Enabled {
		browserTool, closeFn := tools.NewBrowserTool()
		reg.Register(browserTool)
		closeBrowser = closeFn
	}

	reg.Seal()
	return reg, closeBrowser
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// lazyNotifier lets the notify tool be registered before the telegram
// channel exists. Until bound, notifications fail with a clear error.
type lazyNotifier struct {
	mu     sync.RWMutex
	target tools.Notifier
}

func (l *lazyNotifier) bind(n tools.Notifier) {
	l.mu.Lock()
	l.target = n
	l.mu.Unlock()
}

func (l *lazyNotifier) Notify(ctx context.Context, text string) error {
	l.mu.RLock()
	target := l.target
	l.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("no notification channel is configured")
	}
	return target.Notify(ctx, text)
}

// jobNotifier adapts the lazy notifier for cron jobs: nil when unbound so
// jobs fall back to logging.
func (l *lazyNotifier) jobNotifier() cron.Notifier {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.target == nil {
		return nil
	}
	return l
}
