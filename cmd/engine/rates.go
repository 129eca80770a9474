package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	sqlitestore "trading-valuation/internal/store/sqlite"
)

func newRatesCmd() *cobra.Command {
	var (
		dbPath string
		since  time.Duration
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Show the recorded conversion rate history",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sqlitestore.Open(sqlitestore.Config{DBPath: dbPath})
			if err != nil {
				return err
			}
			defer st.Close()

			history, err := st.History(cmd.Context(), time.Now().Add(-since), limit)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no rates recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "UPDATED\tRATE\tAGE")
			for _, r := range history {
				fmt.Fprintf(tw, "%s\t%.6f\t%s\n", r.UpdatedAt.Format(time.RFC3339), r.Value, time.Since(r.UpdatedAt).Truncate(time.Second))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", envOr("SQLITE_PATH", "data/rates.db"), "SQLite rate history database")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}
