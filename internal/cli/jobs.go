package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/annolab/annolab/internal/client"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect background jobs",
	Long: `List recent background jobs or inspect a specific job by ID.

Examples:
  annolab jobs                # List recent jobs
  annolab jobs <id>           # Show details for one job
  annolab jobs cancel <id>    # Request cooperative cancellation
  annolab jobs retry <id>     # Re-run a terminal job
  annolab jobs stats          # Show queue counts`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.CancelJob(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		fmt.Printf("Cancellation requested for job %s\n", args[0])
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Reset a finished job for another run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.RetryJob(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		fmt.Printf("Job %s queued for retry\n", args[0])
		return nil
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		stats, err := apiClient.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("queue stats: %w", err)
		}
		fmt.Printf("Pending:    %d\n", stats.Pending)
		fmt.Printf("Processing: %d\n", stats.Processing)
		fmt.Printf("Completed:  %d\n", stats.Completed)
		fmt.Printf("Failed:     %d\n", stats.Failed)
		fmt.Printf("Cancelled:  %d\n", stats.Cancelled)
		return nil
	},
}

func init() {
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsCancelCmd, jobsRetryCmd, jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(args) == 1 {
		return showJob(ctx, args[0])
	}
	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	jobs, err := apiClient.ListJobs(ctx, jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-12s %-16s %-12s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "CREATED")
	fmt.Println("--------------------------------------------------------------------------------------------")

	for _, job := range jobs {
		progress := ""
		if job.Progress != nil && job.Progress.Total > 0 {
			progress = fmt.Sprintf("%d/%d", job.Progress.Current, job.Progress.Total)
		}
		fmt.Printf("%-36s %-12s %-16s %-12s %s\n",
			job.ID, job.Type, job.Status, progress, job.CreatedAt.Format("15:04:05"))
	}
	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := apiClient.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
	if job.CancelRequested {
		fmt.Println("  Cancel requested: yes")
	}
	if job.Progress != nil && job.Progress.Total > 0 {
		fmt.Printf("  Progress: %d/%d", job.Progress.Current, job.Progress.Total)
		if job.Progress.Message != "" {
			fmt.Printf(" (%s)", job.Progress.Message)
		}
		fmt.Println()
	}
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
		}
	}

	if job.Result != nil {
		printResult(job.Result)
	}
	return nil
}

func printResult(r *client.Result) {
	fmt.Println("\nResult:")
	if r.Error != "" {
		fmt.Printf("  Error: %s\n", r.Error)
	}
	fmt.Printf("  Saved:     %d\n", r.Saved)
	fmt.Printf("  Skipped:   %d\n", r.Skipped)
	for reason, n := range r.SkippedDetails {
		fmt.Printf("    %s: %d\n", reason, n)
	}
	if r.Embedded > 0 {
		fmt.Printf("  Embedded:  %d\n", r.Embedded)
	}
	if r.Evaluated > 0 {
		fmt.Printf("  Evaluated: %d\n", r.Evaluated)
	}
	if r.ErrorCount > 0 {
		fmt.Printf("  Errors:    %d\n", r.ErrorCount)
	}
}
