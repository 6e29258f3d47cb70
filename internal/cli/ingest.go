package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/annolab/annolab/internal/client"
)

var (
	ingestProject  string
	ingestEnv      string
	ingestKeywords []string
	ingestEmbed    bool
	ingestPriority int
	ingestWatch    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.csv>",
	Short: "Upload a CSV file and start an ingestion job",
	Long: `Upload a CSV of annotation tasks in chunks and enqueue an ingestion
job. Rows are deduplicated by content; with --embed the job continues
into vectorization after the import.

Examples:
  annolab ingest tasks.csv --project proj-42
  annolab ingest tasks.csv --project proj-42 --embed --watch
  annolab ingest tasks.csv --project proj-42 --keywords refund,billing`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestProject, "project", "", "project the records belong to (required)")
	ingestCmd.Flags().StringVar(&ingestEnv, "env", "", "default environment for rows without one")
	ingestCmd.Flags().StringSliceVar(&ingestKeywords, "keywords", nil, "only keep rows containing one of these keywords")
	ingestCmd.Flags().BoolVar(&ingestEmbed, "embed", false, "vectorize records after import")
	ingestCmd.Flags().IntVar(&ingestPriority, "priority", 0, "job priority (lower runs first)")
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "follow job progress interactively")
	_ = ingestCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	job, err := apiClient.UploadFile(cmd.Context(), args[0], client.UploadOptions{
		ProjectID:   ingestProject,
		Environment: ingestEnv,
		Keywords:    ingestKeywords,
		Embed:       ingestEmbed,
		Priority:    ingestPriority,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", args[0], err)
	}

	fmt.Printf("Ingestion job %s enqueued\n", job.ID)
	if !ingestWatch {
		fmt.Printf("Use 'annolab watch %s' to follow progress\n", job.ID)
		return nil
	}
	return RunJobProgress(apiClient, job)
}
