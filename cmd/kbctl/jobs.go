package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"clinical-kb-platform/internal/bootstrap"
	"clinical-kb-platform/internal/queue"
	"clinical-kb-platform/models"
	"clinical-kb-platform/services"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry indexing jobs",
}

var jobsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed indexing jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsFailed,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Grant a failed job another attempt and enqueue it",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

var (
	jobsOwner string
	jobsLimit int
)

func init() {
	jobsFailedCmd.Flags().StringVar(&jobsOwner, "owner", "", "only jobs for this owner")
	jobsFailedCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 50, "maximum jobs to list")

	jobsCmd.AddCommand(jobsFailedCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	rootCmd.AddCommand(jobsCmd)
}

func jobService(inf *bootstrap.Infra) (*services.JobService, error) {
	var enqueuer queue.JobEnqueuer = pendingForSweeper{}
	if inf.Redis != nil {
		var err error
		if enqueuer, err = inf.Enqueuer(nil); err != nil {
			return nil, err
		}
	}
	return services.NewJobService(inf.Store, enqueuer, inf.Audit), nil
}

func runJobsFailed(cmd *cobra.Command, _ []string) error {
	return withInfra(cmd, func(ctx context.Context, inf *bootstrap.Infra) error {
		svc, err := jobService(inf)
		if err != nil {
			return err
		}
		jobs, err := svc.List(ctx, models.JobFilter{
			States:  []models.JobState{models.JobFailed},
			OwnerID: jobsOwner,
			Limit:   jobsLimit,
		})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No failed jobs.")
			return nil
		}
		printJobs(cmd.OutOrStdout(), jobs)
		return nil
	})
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	return withInfra(cmd, func(ctx context.Context, inf *bootstrap.Infra) error {
		svc, err := jobService(inf)
		if err != nil {
			return err
		}
		job, err := svc.Retry(ctx, operatorID, uuid.NewString(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s with %d of %d attempts used.\n",
			job.ID, job.State, job.RetryCount, job.MaxRetries)
		return nil
	})
}

func printJobs(out io.Writer, jobs []*models.IndexingJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDOCUMENT KEY\tATTEMPTS\tUPDATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.DocumentKey, j.RetryCount, j.MaxRetries,
			j.UpdatedAt.Format(time.RFC3339), truncate(j.ErrorDetails, 60))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
