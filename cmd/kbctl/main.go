// Command kbctl is the operator CLI for indexing jobs, runtime flags and
// service tokens.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clinical-kb-platform/internal/bootstrap"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/models"
)

// operatorID is recorded as the actor of every audited change.
var operatorID string

var rootCmd = &cobra.Command{
	Use:           "kbctl",
	Short:         "Operate the clinical knowledge base",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&operatorID, "as", envOr("KBCTL_OPERATOR", "kbctl"), "operator ID recorded in the audit log")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// withInfra loads config, opens the shared infrastructure and runs fn.
func withInfra(cmd *cobra.Command, fn func(ctx context.Context, inf *bootstrap.Infra) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger.InitLogger(cfg)
	inf, err := bootstrap.Open(cfg, nil)
	if err != nil {
		return err
	}
	defer inf.Close()
	return fn(cmd.Context(), inf)
}

// pendingForSweeper leaves a job claimable for the sweeper to enqueue. It
// is used when Redis is not configured and no worker can be reached.
type pendingForSweeper struct{}

func (pendingForSweeper) EnqueueIndex(_ context.Context, job *models.IndexingJob) error {
	logger.Info("no queue configured; the sweeper will pick the job up", "job_id", job.ID)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
