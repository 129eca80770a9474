package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"trading-valuation/config"
	"trading-valuation/internal/margin"
	"trading-valuation/internal/model"
)

func newRulesCmd() *cobra.Command {
	var (
		path  string
		check bool
	)

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and print the effective margin and brokerage rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = os.Getenv("RULES_PATH")
			}
			rules, err := config.LoadRules(path)
			if err != nil {
				return err
			}
			if check {
				fmt.Fprintln(cmd.OutOrStdout(), "rules ok")
				return nil
			}

			b, err := rules.YAML()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, string(b))

			classes := make([]string, 0, len(rules.Margin))
			for c := range rules.Margin {
				classes = append(classes, string(c))
			}
			sort.Strings(classes)
			fmt.Fprintln(out, "# margin modes:")
			for _, c := range classes {
				v := rules.Margin[model.InstrumentClass(c)]
				fmt.Fprintf(out, "#   %-10s %v (%s)\n", c, v, margin.ModeFor(v))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "file", "", "rules YAML file (default $RULES_PATH, or built-in rules)")
	cmd.Flags().BoolVar(&check, "check", false, "only validate")
	return cmd
}
