// Package cli provides the command-line interface for annolab.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/annolab/annolab/internal/client"
	"github.com/annolab/annolab/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configFile string
	serverURL  string

	// Global config and API client
	cfg       config.Config
	apiClient *client.Client

	closeLogFile func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "annolab",
	Short: "Background job system for annotation workforce data",
	Long: `Annolab runs the background job subsystem of an annotation workforce
dashboard: durable CSV ingestion, record vectorization and LLM response
evaluation over a Postgres-backed job queue.

The same binary serves the HTTP API (serve), runs workers (worker) and
acts as the operator CLI (jobs, ingest, watch, cleanup).`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if configFile != "" {
			var err error
			cfg, err = config.LoadFile(configFile, cfg)
			if err != nil {
				return err
			}
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		closeLogFile = cleanup

		if serverURL == "" {
			serverURL = cfg.ServerURL
		}
		apiClient = client.New(serverURL)
		if cfg.ChunkSizeBytes > 0 {
			apiClient.SetChunkSize(cfg.ChunkSizeBytes)
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if closeLogFile != nil {
			if err := closeLogFile(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "annolab server URL")
}
