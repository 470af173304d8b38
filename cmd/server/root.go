package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/remote-agent-terminal/termmux/api/handlers"
	"github.com/remote-agent-terminal/termmux/internal/circuit"
	"github.com/remote-agent-terminal/termmux/internal/config"
	"github.com/remote-agent-terminal/termmux/internal/db"
	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/logger"
	"github.com/remote-agent-terminal/termmux/internal/metrics"
	"github.com/remote-agent-terminal/termmux/internal/pty"
	"github.com/remote-agent-terminal/termmux/internal/recording"
	"github.com/remote-agent-terminal/termmux/internal/repository"
	"github.com/remote-agent-terminal/termmux/internal/session"
	"github.com/remote-agent-terminal/termmux/internal/ws"
)

const historyPruneInterval = time.Hour

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "termmux",
		Short: "Project-scoped PTY session multiplexer over WebSocket",
		Long: `termmux runs terminal sessions grouped by project and streams them to
browser clients over WebSocket. Configuration comes from an optional YAML
file and TERMMUX_* environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

func runServer(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Version).
		Str("listen_addr", cfg.Server.ListenAddr).
		Bool("history", cfg.Storage.DBPath != "").
		Bool("recording", cfg.Storage.RecordDir != "").
		Msg("starting termmux")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger.Component(log, "events"))

	breakers := circuit.NewRegistry(cfg.CircuitBreaker(), circuit.WithStateChange(func(key string, from, to circuit.State) {
		bus.Publish(events.Event{Type: events.BreakerState, Key: key, PrevState: string(from), State: string(to)})
	}))

	sessions := session.NewManager(cfg.SessionManager(), pty.NewHost(), bus, log)

	var streamOpts []ws.Option
	var recordings *recording.Recorder
	if cfg.Storage.RecordDir != "" {
		recordings, err = recording.NewRecorder(cfg.Storage.RecordDir, log)
		if err != nil {
			return err
		}
		streamOpts = append(streamOpts, ws.WithRecorder(recordings))
	}
	streams := ws.NewManager(cfg.StreamManager(), sessions, breakers, bus, log, streamOpts...)
	sessions.SetProcessHost(streams)
	streams.Observe(bus)

	collector := metrics.NewCollector(cfg.MetricsCollector(), log)
	collector.Observe(bus)

	var (
		historyRepo   *repository.SessionRepository
		historyWriter *repository.HistoryWriter
	)
	if cfg.Storage.DBPath != "" {
		database, err := db.Open(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()
		historyRepo = repository.NewSessionRepository(database)
		historyWriter = repository.NewHistoryWriter(historyRepo, cfg.Storage.HistoryQueue, log)
		historyWriter.Observe(bus)
	}

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.Deps{
		Sessions:       sessions,
		Streams:        ws.NewHandler(streams, sessions, cfg.Server.AllowedOrigins, log),
		Breakers:       breakers,
		Metrics:        collector,
		History:        historyRepo,
		Recordings:     recordings,
		Logger:         logger.Component(log, "http"),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The history writer outlives the group context so that it records the
	// closes performed during shutdown.
	historyCtx, stopHistory := context.WithCancel(context.Background())
	defer stopHistory()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error { return collector.Run(gctx) })
	if historyWriter != nil {
		g.Go(func() error { return historyWriter.Run(historyCtx) })
		g.Go(func() error { return historyWriter.Prune(gctx, cfg.Storage.HistoryRetention, historyPruneInterval) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdown(cfg.Server.ShutdownTimeout, srv, sessions, streams, log)
		stopHistory()
		return nil
	})

	err = g.Wait()
	log.Info().Err(err).Msg("termmux stopped")
	return err
}

func shutdown(timeout time.Duration, srv *http.Server, sessions *session.Manager, streams *ws.Manager, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if err := sessions.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("session manager shutdown")
	}
	if err := streams.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("stream manager shutdown")
	}
}
