package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplier-backfill/internal/model"
)

type statusReport struct {
	Bulk  *model.BulkJobSnapshot  `json:"bulk,omitempty"`
	Sweep *model.SweepCursorState `json:"sweep"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved bulk job and sweep cursor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		var rep statusReport
		if rep.Bulk, err = st.LoadBulkJob(ctx); err != nil {
			return eris.Wrap(err, "load bulk job")
		}
		if rep.Bulk != nil {
			// The queue can hold thousands of tasks; the counts are what matter here.
			rep.Bulk.Queue = nil
		}
		if rep.Sweep, err = st.GetSweepCursor(ctx); err != nil {
			return eris.Wrap(err, "load sweep cursor")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
