package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"eventbot/pkg/config"
	"eventbot/pkg/logger"
	"eventbot/pkg/session"
	"eventbot/pkg/status"
	"eventbot/pkg/transport"
	"eventbot/pkg/transport/telegram"
	"eventbot/pkg/transport/websocket"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and dispatch events until interrupted",
	Long:  "Connects to the configured event source, loads plugins, and dispatches events until the connection ends or the process is interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			exitStatus = 1
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			exitStatus = 1
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.run")

		tr, err := newTransport(cfg, appLogger)
		if err != nil {
			log.Error("Transport configuration invalid", "error", err)
			exitStatus = 1
			return
		}

		sess, err := session.New(session.OptionsFromConfig(cfg), tr, appLogger)
		if err != nil {
			log.Error("Failed to initialize session", "error", err)
			exitStatus = 1
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		exitStatus = runSession(runCtx, cfg, sess, log)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.LoadFile(path)
	}
	return config.LoadConfig()
}

// newTransport picks the event source named by client.transport.
func newTransport(cfg *config.Config, log *slog.Logger) (transport.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Client.Transport)) {
	case "", config.TransportWebSocket:
		return websocket.New(websocket.Options{
			Reconnect:         cfg.Client.ReconnectEnabled(),
			ReconnectAttempts: cfg.Client.ReconnectAttempts,
			Logger:            log,
		}), nil
	case config.TransportTelegram:
		client, err := telegram.New(cfg.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s transport: %w", config.TransportTelegram, err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Client.Transport)
	}
}

// runSession runs sess alongside the plugin watcher and status server and
// returns the session exit status. The side services stop with the session.
func runSession(ctx context.Context, cfg *config.Config, sess *session.Session, log *slog.Logger) int {
	auxCtx, cancelAux := context.WithCancel(ctx)
	defer cancelAux()

	g, gctx := errgroup.WithContext(auxCtx)

	if cfg.Plugins.Enabled && cfg.Plugins.Watch {
		g.Go(func() error {
			if err := sess.WatchPlugins(gctx); err != nil && gctx.Err() == nil {
				log.Warn("Plugin watcher stopped", "dir", cfg.Plugins.Dir, "error", err)
			}
			return nil
		})
	}

	if cfg.Status.Enabled {
		srv := status.New(cfg.Status, sess, slog.Default())
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil {
				log.Error("Status server failed", "address", srv.Addr(), "error", err)
			}
			return nil
		})
	}

	log.Info("Session starting", "session", sess.String(), "transport", cfg.Client.Transport)
	code := sess.Run(ctx)

	cancelAux()
	_ = g.Wait()

	return code
}
