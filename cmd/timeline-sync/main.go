package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/timeline-sync/internal/cache"
	"github.com/alexjbarnes/timeline-sync/internal/config"
	"github.com/alexjbarnes/timeline-sync/internal/history"
	"github.com/alexjbarnes/timeline-sync/internal/logging"
	"github.com/alexjbarnes/timeline-sync/internal/mcpserver"
	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/alexjbarnes/timeline-sync/internal/server"
	"github.com/alexjbarnes/timeline-sync/internal/session"
	"github.com/alexjbarnes/timeline-sync/internal/state"
	"github.com/alexjbarnes/timeline-sync/internal/timeline"
	"github.com/alexjbarnes/timeline-sync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("timeline-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.HistoryServerURL),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	caps, err := config.LoadDeviceCaps(cfg.DeviceCapsFile)
	if err != nil {
		return fmt.Errorf("loading device caps: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	store := cache.New(appState, logging.Component(logger, "cache"))
	if err := store.Hydrate(); err != nil {
		return fmt.Errorf("hydrating cache: %w", err)
	}

	logger.Info("cache hydrated", slog.Int("conversations", len(store.Keys())))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := transport.New(transport.Config{
		URL:   cfg.HistoryServerURL,
		Token: cfg.HistoryAuthToken,
	}, logging.Component(logger, "transport"))

	routerLogger := logging.Component(logger, "history")
	router := history.New(history.Config{
		Sender: client,
		Store:  store,
		Caps:   caps,
		OnStatus: func(status string) {
			if status != "" {
				routerLogger.Info("status", slog.String("status", status))
			}
		},
	}, routerLogger)
	defer router.Close()

	sess := session.New(session.Config{
		Router: router,
		Store:  store,
		Timeline: timeline.Options{
			WindowSize: cfg.TimelineWindowSize,
			Overscan:   cfg.TimelineOverscan,
			Threshold:  cfg.TimelineVirtualThreshold,
		},
		Viewport: cfg.TimelineViewportHeight,
		OnOpen: func(key string) {
			if err := appState.SetLastSelected(key); err != nil {
				logger.Warn("saving last selected conversation", slog.String("error", err.Error()))
			}
		},
	}, logging.Component(logger, "timeline"))

	client.SetHandler(sess)
	client.SetOnReconnect(sess.HandleReconnect)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to history server: %w", err)
	}
	defer client.Close()

	logger.Info("connected to history server")

	if t, ok := initialTarget(cfg, appState); ok {
		if _, err := sess.Open(t); err != nil {
			logger.Warn("opening initial conversation", slog.String("key", t.Key()), slog.String("error", err.Error()))
		}
	}

	router.ScheduleWarmup(cfg.WarmupTargets())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Listen(gctx)
	})

	if cfg.DeviceCapsFile != "" {
		g.Go(func() error {
			return config.WatchDeviceCaps(gctx, cfg.DeviceCapsFile, caps, router.SetCaps, logging.Component(logger, "caps"))
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, sess, client, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("timeline-sync stopped")

	return nil
}

// initialTarget picks the configured default conversation, falling back
// to the one open at the last shutdown.
func initialTarget(cfg *config.Config, appState *state.State) (models.Target, bool) {
	if t, ok := cfg.DefaultTarget(); ok {
		return t, true
	}

	last := appState.LastSelected()
	if last == "" {
		return models.Target{}, false
	}

	t, err := models.ParseKey(last)
	if err != nil {
		return models.Target{}, false
	}

	return t, true
}

// runMCP serves the MCP tools and the health check over HTTP.
func runMCP(ctx context.Context, cfg *config.Config, sess *session.Session, client *transport.Client, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "timeline-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Session:   sess,
		Connected: client.Connected,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Health: func() server.Health {
			h := server.Health{
				Status:    "ok",
				Connected: client.Connected(),
				Selected:  sess.Current(),
				Message:   sess.Router().Status(),
			}
			if !h.Connected {
				h.Status = "degraded"
			}

			return h
		},
		Logger:    mcpLogger,
		AuthToken: cfg.MCPAuthToken,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Bool("auth", cfg.MCPAuthToken != ""),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			mcpLogger.Warn("MCP server shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server: %w", err)
	}

	return nil
}
