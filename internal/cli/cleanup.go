package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/annolab/annolab/internal/db"
	"github.com/annolab/annolab/internal/queue"
)

var cleanupOlderThan int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old finished jobs",
	Long: `Delete completed, failed and cancelled jobs older than the retention
window. Pending and processing jobs are never touched, so cleanup is
safe to run while workers are active.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupOlderThan, "older-than", 30, "retention window in days")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	if cleanupOlderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, db.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	deleted, err := queue.New(pool).Cleanup(ctx, cleanupOlderThan)
	if err != nil {
		return fmt.Errorf("cleanup jobs: %w", err)
	}

	fmt.Printf("Deleted %d finished jobs older than %d days\n", deleted, cleanupOlderThan)
	return nil
}
