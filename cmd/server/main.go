// Command agentstream serves agent conversations as event streams over HTTP
// and WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agent-stream/backend/internal/config"
	"github.com/agent-stream/backend/internal/engine"
	"github.com/agent-stream/backend/internal/mock"
	"github.com/agent-stream/backend/internal/session"
	"github.com/agent-stream/backend/internal/stats"
	"github.com/agent-stream/backend/internal/ws"
)

var (
	configPath string
	port       int
	verbose    bool
	watch      bool
)

var rootCmd = &cobra.Command{
	Use:   "agentstream",
	Short: "Serve agent conversations as event streams",
	Long: `agentstream runs conversational agents on a reasoning engine and
exposes each conversation as an ordered stream of events. Clients chat over
REST with server-sent events or over a WebSocket, and answer the agent's
input requests while the turn is suspended.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Override server port")
	rootCmd.Flags().BoolVar(&watch, "watch", true, "Reload session policy when the config file changes")
	rootCmd.AddCommand(checkConfigCmd, scriptsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func serve(ctx context.Context) error {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	manager := session.NewManager(eng,
		session.WithLogger(logger),
		session.WithPolicy(policyFrom(cfg)),
		session.WithMaxSessions(cfg.Session.MaxSessions),
		session.WithReapInterval(cfg.Session.ReapInterval),
	)

	broadcaster := ws.NewBroadcaster(manager.List, broadcastThrottle, snapshotInterval, maxWatchers)
	broadcaster.SetLogger(logger)
	feed := make(chan session.Event, 256)
	manager.Observe(feed)

	server := ws.NewServer(manager, broadcaster, eng.Name(), cfg.Server.AllowedOrigins, logger)
	server.SetWriteTimeout(cfg.Server.WriteTimeout)
	server.SetPrivacyFilter(privacyFrom(cfg))
	removals := make(chan session.Event, 256)
	manager.Observe(removals)

	health, healthEvents := stats.NewHealth(stats.DefaultFailureThreshold)
	manager.Observe(healthEvents)
	server.SetEngineHealth(health)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		health.Run(ctx)
		return nil
	})

	if cfg.Stats.Enabled {
		tracker, events, err := stats.NewTracker(stats.NewStore(cfg.Stats.Dir), logger)
		if err != nil {
			logger.Warn("stats disabled", "err", err)
		} else {
			manager.Observe(events)
			server.SetStatsTracker(tracker)
			g.Go(func() error {
				tracker.Run(ctx)
				return nil
			})
		}
	}

	g.Go(func() error {
		broadcaster.Run(ctx, feed)
		return nil
	})
	g.Go(func() error {
		server.Run(ctx, removals)
		return nil
	})
	g.Go(func() error {
		return manager.Run(ctx)
	})
	if watch {
		g.Go(func() error {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				manager.SetPolicy(policyFrom(next))
				manager.SetMaxSessions(next.Session.MaxSessions)
				server.SetPrivacyFilter(privacyFrom(next))
				server.SetWriteTimeout(next.Server.WriteTimeout)
			})
			if err != nil {
				// Serving without live reload is fine.
				logger.Warn("config watch disabled", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return ws.ListenAndServe(ctx, cfg.Addr(), server.Handler(), logger)
	})

	logger.Info("agentstream started", "engine", eng.Name(), "addr", cfg.Addr())
	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func newEngine(cfg *config.Config, logger *slog.Logger) (engine.Engine, error) {
	switch cfg.Engine.Type {
	case config.EngineProcess:
		p := cfg.Engine.Process
		return engine.NewProcessEngine(engine.ProcessConfig{
			Command: p.Command,
			Args:    p.Args,
			Env:     p.Env,
			Dir:     p.Dir,
		}, logger), nil
	default:
		opts := []mock.Option{
			mock.WithLogger(logger),
			mock.WithStepDelay(cfg.Engine.Mock.StepDelay),
		}
		if cfg.Engine.Mock.Script != "" {
			scripts, err := mock.LoadScripts(cfg.Engine.Mock.Script)
			if err != nil {
				return nil, err
			}
			opts = append(opts, mock.WithScripts(scripts...))
		}
		if cfg.Engine.Mock.Default != "" {
			opts = append(opts, mock.WithDefault(cfg.Engine.Mock.Default))
		}
		return mock.New(opts...), nil
	}
}

func policyFrom(cfg *config.Config) session.Policy {
	return session.Policy{
		GracePeriod:      cfg.Session.GracePeriod,
		InputTimeout:     cfg.Session.InputTimeout,
		AbandonAfter:     cfg.Session.AbandonAfter,
		AnnounceWaiting:  cfg.Session.AnnounceWaiting,
		RestartCompleted: cfg.Session.RestartCompleted,
	}
}

func privacyFrom(cfg *config.Config) *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskSessionIDs:    cfg.Privacy.MaskSessionIDs,
		MaskContextValues: cfg.Privacy.MaskContextValues,
		HiddenContextKeys: cfg.Privacy.HiddenContextKeys,
	}
}
