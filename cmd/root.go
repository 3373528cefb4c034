package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "supplier-backfill",
	Short: "On-demand supplier listing backfill",
	Long:  "Detects supplier directory coverage gaps and fills them from an external map scraper: inline during search, as an admin-driven bulk job, or as a cursor-driven sweep.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
