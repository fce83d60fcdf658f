package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/channels/discord"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/internal/ops"
	"github.com/nextlevelbuilder/clawrelay/internal/relay"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/streaming"
	"github.com/nextlevelbuilder/clawrelay/internal/tracing"
	"github.com/nextlevelbuilder/clawrelay/internal/turns"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

const shutdownTimeout = 15 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and the agent gateway and start relaying",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay()
		},
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func runRelay() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Core components
	registry := turns.NewRegistry(turns.Options{})
	sessMgr := sessions.NewManager(cfg.SessionsPath())

	gw := gateway.New(cfg.Gateway)
	defer gw.Close()
	if err := gw.Connect(ctx); err != nil {
		// The client reconnects on first injection.
		slog.Warn("gateway not reachable at startup", "url", cfg.Gateway.URL, "error", err)
	}

	dc, err := discord.New(cfg.DiscordPolicy())
	if err != nil {
		return err
	}

	dispatcher := relay.New(relay.Config{
		Transport:     dc,
		Injector:      gw,
		Turns:         registry,
		Sessions:      sessMgr,
		AgentID:       cfg.AgentID(),
		Channel:       dc.Name(),
		StreamOptions: streaming.Options{},
	})
	dc.SetHandler(dispatcher)

	channelMgr := channels.NewManager()
	channelMgr.RegisterChannel(dc.Name(), dc)
	if err := channelMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	slog.Info("clawrelay starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agent_id", cfg.AgentID(),
		"gateway", cfg.Gateway.URL,
		"channels", channelMgr.GetEnabledChannels(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})

	if cfg.Ops.Port > 0 {
		srv := ops.NewServer(cfg.Ops.Addr(), ops.Deps{
			Channels: channelMgr,
			Turns:    registry,
			Sessions: sessMgr,
			AgentID:  cfg.AgentID(),
		})
		g.Go(func() error { return srv.Start(gctx) })
	}

	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(next *config.Config) {
			cfg.ApplyPolicy(next)
			dc.ApplyPolicy(cfg.DiscordPolicy())
			slog.Info("discord policy applied",
				"dm_policy", next.Discord.DMPolicy,
				"group_policy", next.Discord.GroupPolicy,
				"allow_from", len(next.Discord.AllowFrom),
			)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watcher stopped", "error", err)
		}
		return nil
	})

	runErr := g.Wait()
	slog.Info("graceful shutdown initiated")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop intake before aborting runs.
	channelMgr.StopAll(sctx)
	if err := dispatcher.Close(sctx); err != nil {
		slog.Warn("relay shutdown incomplete", "error", err)
	}
	for _, info := range sessMgr.List("") {
		if err := sessMgr.Save(info.Key); err != nil {
			slog.Warn("save session failed", "session", info.Key, "error", err)
		}
	}

	slog.Info("clawrelay stopped")
	return runErr
}
