package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/beaver/internal/agent"
	"github.com/nextlevelbuilder/beaver/internal/approval"
	"github.com/nextlevelbuilder/beaver/internal/bot"
	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/channels/discord"
	"github.com/nextlevelbuilder/beaver/internal/channels/telegram"
	"github.com/nextlevelbuilder/beaver/internal/channels/webhook"
	"github.com/nextlevelbuilder/beaver/internal/config"
	"github.com/nextlevelbuilder/beaver/internal/convo"
	"github.com/nextlevelbuilder/beaver/internal/gateway"
	httpapi "github.com/nextlevelbuilder/beaver/internal/http"
	"github.com/nextlevelbuilder/beaver/internal/store"
	"github.com/nextlevelbuilder/beaver/internal/store/pg"
	"github.com/nextlevelbuilder/beaver/internal/store/sqlite"
	"github.com/nextlevelbuilder/beaver/internal/threads"
	"github.com/nextlevelbuilder/beaver/internal/tools"
	"github.com/nextlevelbuilder/beaver/internal/tracing"
)

const inboundBuffer = 256

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect the enabled transports and answer messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// openStores opens the configured backend wrapped in the retry policy.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	sc := store.StoreConfig{
		Driver:      cfg.Database.Driver,
		SQLitePath:  config.ExpandHome(cfg.Database.SQLitePath),
		PostgresDSN: cfg.Database.PostgresDSN,
	}
	var (
		stores *store.Stores
		err    error
	)
	switch sc.Driver {
	case "postgres":
		if err := checkSchemaOrAutoUpgrade(ctx, sc.PostgresDSN); err != nil {
			return nil, err
		}
		stores, err = pg.NewStores(sc)
	default:
		stores, err = sqlite.NewStores(sc)
	}
	if err != nil {
		return nil, err
	}
	return stores.WithRetry(cfg.RetryPolicy()), nil
}

func runServe(ctx context.Context) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer stores.Close()
	slog.Info("store ready", "driver", cfg.Database.Driver)

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	workflow := approval.New(stores.Messages, stores.Toolcalls, approval.Glyphs{
		Approve: cfg.Bot.ApproveGlyph,
		Reject:  cfg.Bot.RejectGlyph,
	})
	workflow.Register(tools.SendMessageToolName, tools.SendMessageExecutor(stores.Messages))

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadURLTool(tools.ReadURLConfig{
		MaxChars: cfg.Bot.ReadURLMaxChars,
		Timeout:  cfg.Bot.ReadURLTimeout.Std(),
	}))
	registry.Register(tools.NewDigestTool(provider, cfg.Bot.Model))
	registry.Register(tools.NewSendMessageTool(workflow))

	loop := agent.NewLoop(agent.LoopConfig{
		ID:            cfg.Bot.Name,
		Provider:      provider,
		Model:         cfg.Bot.Model,
		MaxIterations: cfg.Bot.MaxIterations,
		MaxTokens:     cfg.Bot.MaxTokens,
		Persona:       cfg.Bot.Persona,
		Tools:         registry,
	})

	msgBus := bus.New(inboundBuffer)
	manager := channels.NewManager()
	server := gateway.NewServer(cfg.Gateway)

	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			return err
		}
		manager.RegisterChannel(ch)
	}
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			return err
		}
		manager.RegisterChannel(ch)
	}
	if cfg.Channels.Webhook.Enabled {
		ch := webhook.New(cfg.Channels.Webhook, cfg.Gateway.Token, cfg.Gateway.RateLimitRPM, msgBus)
		manager.RegisterChannel(ch)
		server.Register(ch)
	}

	assembler := convo.NewAssembler(stores.Messages, convo.Options{
		RecentThreads:  cfg.Context.RecentThreads,
		ThreadMessages: cfg.Context.ThreadMessages,
	})
	server.Register(
		httpapi.NewThreadsHandler(assembler, manager, cfg.Gateway.Token),
		httpapi.NewToolcallsHandler(stores.Toolcalls, cfg.Gateway.Token),
		httpapi.NewTransportsHandler(manager, cfg.Gateway.Token),
		httpapi.NewProviderHandler(provider, cfg.Bot.Model, cfg.Gateway.Token),
	)
	for _, w := range server.Warnings() {
		slog.Warn("security: " + w)
	}

	dispatcher := bot.New(bot.Deps{
		Messages: stores.Messages,
		Resolver: threads.NewResolver(stores.Messages, threads.Options{
			AskCacheSize: cfg.Bot.AskCacheSize,
			AskCacheTTL:  cfg.Bot.AskCacheTTL.Std(),
		}),
		Assembler:  assembler,
		Workflow:   workflow,
		Responder:  loop,
		Transports: manager,
	}, bot.Config{
		RateLimitPerMinute: cfg.Bot.RateLimitPerMinute,
		DedupeTTL:          cfg.Bot.DedupeTTL.Std(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx, msgBus)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("beaver ready",
		"version", Version,
		"transports", manager.Names(),
		"provider", provider.Name(),
		"driver", cfg.Database.Driver,
	)

	serveErr := server.Start(ctx)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	manager.StopAll(stopCtx)

	// In-flight replies finish before the store closes.
	select {
	case <-done:
	case <-stopCtx.Done():
		slog.Warn("timed out waiting for in-flight events")
	}
	if err := shutdownTracing(stopCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
	return serveErr
}
