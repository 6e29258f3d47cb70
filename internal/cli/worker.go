package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/annolab/annolab/internal/db"
	"github.com/annolab/annolab/internal/llm"
	"github.com/annolab/annolab/internal/metrics"
	"github.com/annolab/annolab/internal/queue"
	"github.com/annolab/annolab/internal/service"
	"github.com/annolab/annolab/internal/worker"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background job workers",
	Long: `Run a worker pool that claims and executes queued jobs: CSV
ingestion, record vectorization and LLM response evaluation.

Multiple worker processes can run against the same database; job
claiming guarantees each job runs on exactly one worker.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "number of concurrent job slots (default from config)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, db.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, slog.Default()); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	embedder, err := llm.NewEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	model, err := llm.NewModel(cfg)
	if err != nil {
		return fmt.Errorf("create llm model: %w", err)
	}
	slog.Info("llm backends ready",
		"provider", cfg.EmbedProvider,
		"embed_model", embedder.Model(),
		"dimension", embedder.Dimension(),
		"llm_model", model.Model())

	q := queue.New(pool)
	records := db.NewRecordStore(pool)
	collector := metrics.NewCollector()

	workerCfg := worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
	}
	if workerConcurrency > 0 {
		workerCfg.Concurrency = workerConcurrency
	}

	w := worker.New(q, workerCfg, collector)
	w.Register(queue.TypeIngestData, service.NewIngestor(q, records, collector))
	w.Register(queue.TypeVectorize, service.NewVectorizer(q, records, embedder, collector))
	w.Register(queue.TypeEvaluate, service.NewEvaluator(q, records, model, collector))

	return w.Run(ctx)
}
