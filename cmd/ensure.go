package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplier-backfill/internal/model"
)

var (
	ensureQuery    string
	ensureLocation string
	ensureCategory string
	ensureCount    int
	ensureVerified bool
)

var ensureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Ensure a search has at least --count listings, scraping if needed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "backfill")
		if err != nil {
			return err
		}
		defer env.Close()

		pred := model.SearchPredicate{
			Query:    ensureQuery,
			Location: ensureLocation,
			Category: ensureCategory,
			Filters:  model.Filters{VerifiedOnly: ensureVerified},
		}
		report, err := env.Coverage.EnsureCoverage(ctx, pred, ensureCount)
		if err != nil {
			return eris.Wrap(err, "ensure coverage")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	ensureCmd.Flags().StringVar(&ensureQuery, "query", "", "search text (required)")
	ensureCmd.Flags().StringVar(&ensureLocation, "location", "", "city or region")
	ensureCmd.Flags().StringVar(&ensureCategory, "category", "", "category label for new listings (default: query)")
	ensureCmd.Flags().IntVar(&ensureCount, "count", 20, "desired number of matching listings")
	ensureCmd.Flags().BoolVar(&ensureVerified, "verified", false, "count verified listings only (never scrapes)")
	_ = ensureCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(ensureCmd)
}
