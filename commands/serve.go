package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/flowhook/flowhook/bus"
	"github.com/flowhook/flowhook/commenter"
	"github.com/flowhook/flowhook/config"
	"github.com/flowhook/flowhook/dispatch"
	"github.com/flowhook/flowhook/intake"
	"github.com/flowhook/flowhook/metrics"
	"github.com/flowhook/flowhook/queue"
	"github.com/flowhook/flowhook/store"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook intake server and event dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := queue.Connect(ctx, cfg.Queue.URL, cfg.Queue.Prefix+":events",
		queue.WithLogger(logger))
	if err != nil {
		return err
	}
	work, err := queue.Connect(ctx, cfg.Queue.URL, cfg.Queue.Prefix+":work",
		queue.WithLogger(logger))
	if err != nil {
		return err
	}

	publisher := connectBus(cfg, logger)
	defer publisher.Close()

	m := metrics.MustNew(prometheus.DefaultRegisterer)
	admission := commenter.New(st, commenter.WithLogger(logger))

	server := intake.NewServer(cfg.Webhook.Secret, st, admission, events,
		intake.WithLogger(logger),
		intake.WithMetrics(m),
		intake.WithReplyPublisher(publisher))

	dispatcher := dispatch.New(st, events, work,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(m))

	httpServer := &http.Server{
		Addr:              cfg.Webhook.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Webhook server listening", "addr", cfg.Webhook.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		stop()
		logger.Error("Component failed, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore opens the database. A store that fails its connectivity
// check is still returned; data operations surface ErrUnavailable
// until the database comes back.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	url := cfg.Database.URL
	if cfg.Database.SkipInit {
		logger.Warn("Database init skipped, store operations will be unavailable")
		url = ""
	}

	st, err := store.Open(ctx, store.Config{
		URL:         url,
		Environment: cfg.Environment,
		PoolSize:    cfg.Database.PoolSize,
		MaxOverflow: cfg.Database.MaxOverflow,
		PoolTimeout: cfg.Database.PoolTimeout,
		PoolRecycle: cfg.Database.PoolRecycle,
	}, store.WithLogger(logger))
	if err != nil {
		logger.Warn("Store unavailable at startup", "error", err)
	}
	return st, nil
}

func connectBus(cfg *config.Config, logger *slog.Logger) *bus.Publisher {
	if cfg.Bus.URL == "" {
		return bus.Disabled(bus.WithLogger(logger))
	}
	publisher, err := bus.Connect(cfg.Bus.URL, bus.WithLogger(logger))
	if err != nil {
		logger.Warn("Message bus unavailable, outbound notifications disabled", "error", err)
		return bus.Disabled(bus.WithLogger(logger))
	}
	return publisher
}
