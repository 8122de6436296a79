package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/synchronization"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run syncs on launch and then on the interval in the settings file, reloading
the settings whenever the file changes. With ENABLE_SERVER=true it also serves
the sync event stream on /events and MCP tools on /mcp.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runDaemon(ctx, a)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context, a *app) error {
	current := a.settings.Current().Sync
	a.logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("provider", string(current.Provider)),
		slog.Int("frequency", current.Frequency),
		slog.Bool("on_app_launch", current.OnAppLaunch),
		slog.Bool("server", a.cfg.EnableServer),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return synchronization.NewScheduler(a.syncer, a.settings, a.hub, a.logger).Run(gctx)
	})

	g.Go(func() error {
		return a.settings.Watch(gctx, nil)
	})

	if a.cfg.EnableServer {
		g.Go(func() error {
			return runServer(gctx, a)
		})
	}

	return g.Wait()
}

// runServer serves the event stream and MCP tools until ctx ends.
func runServer(ctx context.Context, a *app) error {
	users, err := a.cfg.ParseAuthUsers()
	if err != nil {
		return fmt.Errorf("parsing auth users: %w", err)
	}

	logger := a.logger.With(slog.String("service", "http"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Syncer:  a.syncer,
		History: a.state,
		Local:   a.state,
		Logger:  logger,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Users:         users,
		EventsHandler: a.hub.Handler(),
		MCPHandler:    mcpHandler,
		Status:        func() string { return string(a.syncer.Phase()) },
		Logger:        logger,
	})

	logger.Info("HTTP server enabled", slog.Int("users", len(users)))

	return server.ListenAndServe(ctx, server.New(a.cfg.ListenAddr, mux), logger)
}
