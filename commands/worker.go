package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/flowhook/flowhook/auth"
	"github.com/flowhook/flowhook/config"
	"github.com/flowhook/flowhook/engine"
	"github.com/flowhook/flowhook/llm"
	"github.com/flowhook/flowhook/llm/providers"
	"github.com/flowhook/flowhook/metrics"
	"github.com/flowhook/flowhook/queue"
)

func workerCmd(configPath *string) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the execution worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if count > 0 {
				cfg.Worker.Count = count
			}
			return runWorker(cfg)
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "Number of workers (overrides config)")
	return cmd
}

func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	work, err := queue.Connect(ctx, cfg.Queue.URL, cfg.Queue.Prefix+":work",
		queue.WithLogger(logger),
		queue.WithWorkerID(cfg.Worker.ID))
	if err != nil {
		return err
	}

	publisher := connectBus(cfg, logger)
	defer publisher.Close()

	m := metrics.MustNew(prometheus.DefaultRegisterer)

	llmRegistry := llm.NewRegistry()
	providers.Register(llmRegistry, cfg.LLM.BaseURL, cfg.LLM.Model)
	manager := llm.NewManager(llmRegistry, cfg.LLM.Provider,
		llm.WithFallbackOrder(cfg.LLM.FallbackOrder),
		llm.WithLogger(logger),
		llm.WithRecorder(m))

	actions := engine.NewRegistry()
	engine.RegisterBuiltins(actions, manager, nil)

	authz := auth.NewManager(auth.DefaultPolicy(), auth.NewLogRecorder(logger))

	eng := engine.New(st, work, actions, authz,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithNotifier(publisher),
		engine.WithMaxConcurrent(cfg.Worker.MaxConcurrentPerWorkflow))

	pool := engine.NewPool(eng, cfg.Worker.Count,
		engine.WithPoolLogger(logger),
		engine.WithPoolMetrics(m),
		engine.WithReclaim(cfg.Queue.ReclaimInterval, cfg.Queue.StaleTimeout))

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
