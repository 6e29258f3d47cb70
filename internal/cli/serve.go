package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/annolab/annolab/internal/db"
	"github.com/annolab/annolab/internal/metrics"
	"github.com/annolab/annolab/internal/queue"
	"github.com/annolab/annolab/internal/server"
	"github.com/annolab/annolab/internal/upload"
)

// sessionTTL bounds how long an unfinished upload may linger.
const sessionTTL = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the annolab HTTP API server",
	Long: `Run the REST API that accepts job submissions, chunked uploads and
operator actions. Workers run separately (see 'annolab worker').`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	store, err := newSessionStore(ctx)
	if err != nil {
		return err
	}
	assembler := upload.NewAssembler(store, upload.Limits{
		MaxFileBytes:  cfg.MaxUploadBytes,
		MaxChunkBytes: cfg.ChunkSizeBytes,
	})

	srv := server.New(
		":"+cfg.ServerPort,
		queue.New(pool),
		assembler,
		db.NewAuditLog(pool),
		metrics.NewCollector(),
		slog.Default(),
	)
	return srv.Run(ctx)
}

// newSessionStore picks Redis when configured, falling back to process
// memory. In-memory sessions do not survive restarts or multiple replicas.
func newSessionStore(ctx context.Context) (upload.SessionStore, error) {
	if cfg.RedisURL == "" {
		slog.Info("upload sessions stored in memory")
		return upload.NewMemoryStore(sessionTTL), nil
	}

	store, err := upload.NewRedisStore(cfg.RedisURL, sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("upload sessions stored in redis")
	return store, nil
}
