package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/model"
)

var (
	bulkConcurrency int
	bulkResume      bool
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Run the product x city bulk backfill in the foreground",
	Long:  "Runs every catalog product against every city with a bounded worker pool. SIGINT pauses the job after in-flight tasks finish; --resume continues a paused job.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "backfill")
		if err != nil {
			return err
		}
		defer env.Close()

		concurrency := bulkConcurrency
		if concurrency == 0 {
			concurrency = cfg.Bulk.Concurrency
		}

		var p model.JobProgress
		if bulkResume {
			if _, err := env.Bulk.Restore(ctx); err != nil {
				return err
			}
			p, err = env.Bulk.Resume(ctx, concurrency)
		} else {
			p, err = env.Bulk.Start(ctx, concurrency)
		}
		if err != nil {
			return eris.Wrap(err, "bulk")
		}
		zap.L().Info("bulk job running",
			zap.String("job_id", p.JobID),
			zap.Int64("total", p.Total),
			zap.Int("remaining", p.Remaining),
		)

		done := make(chan error, 1)
		go func() { done <- env.Bulk.Wait(context.Background()) }()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				logProgress(env.Bulk.Progress())
				return nil
			case <-ticker.C:
				logProgress(env.Bulk.Progress())
			case <-ctx.Done():
				zap.L().Info("pausing bulk job; waiting for in-flight tasks")
				drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				if err := env.Bulk.Shutdown(drainCtx); err != nil {
					return err
				}
				logProgress(env.Bulk.Progress())
				return nil
			}
		}
	},
}

func logProgress(p model.JobProgress) {
	zap.L().Info("bulk progress",
		zap.String("job_id", p.JobID),
		zap.String("state", string(p.State)),
		zap.Int64("total", p.Total),
		zap.Int64("completed", p.Completed),
		zap.Int64("succeeded", p.Succeeded),
		zap.Int64("failed", p.Failed),
		zap.Int("remaining", p.Remaining),
	)
}

func init() {
	bulkCmd.Flags().IntVar(&bulkConcurrency, "concurrency", 0, "worker count (default from config)")
	bulkCmd.Flags().BoolVar(&bulkResume, "resume", false, "resume the saved paused job instead of starting fresh")
	rootCmd.AddCommand(bulkCmd)
}
