package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	sweepLoop     bool
	sweepInterval time.Duration
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the next sweep batch (or loop with --loop)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "backfill")
		if err != nil {
			return err
		}
		defer env.Close()

		if sweepLoop {
			interval := sweepInterval
			if interval == 0 {
				interval = time.Duration(cfg.Sweep.IntervalMins) * time.Minute
			}
			env.Sweeper.Run(ctx, interval)
			return nil
		}

		res, err := env.Sweeper.RunBatch(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepLoop, "loop", false, "keep running batches until interrupted")
	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "time between batches with --loop (default sweep.interval_mins)")
	rootCmd.AddCommand(sweepCmd)
}
