package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trading-valuation/config"
	"trading-valuation/internal/margin"
	"trading-valuation/internal/marketdata/cache"
	"trading-valuation/internal/model"
	"trading-valuation/internal/portfolio"
	"trading-valuation/internal/snapshot"
	"trading-valuation/internal/valuation"
)

type valueReport struct {
	Results  []model.ValuationResult `json:"results"`
	Totals   valuation.Totals        `json:"totals"`
	Exposure float64                 `json:"exposure"`
}

func newValueCmd() *cobra.Command {
	var (
		positionsPath string
		prices        map[string]string
		rateValue     float64
		rulesPath     string
		lowUnit       string
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "value",
		Short: "Value a positions document offline at given prices",
		Example: `  engine value --positions positions.json --price 2885=2461.5 --price EURUSD=1.0862 --rate 80
  curl -s $POSITIONS_URL | engine value --positions - --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if positionsPath == "" {
				return fmt.Errorf("--positions is required")
			}
			var (
				body []byte
				err  error
			)
			if positionsPath == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(positionsPath)
			}
			if err != nil {
				return err
			}
			recs, err := snapshot.DecodeRecords(body)
			if err != nil {
				return err
			}

			if rulesPath == "" {
				rulesPath = os.Getenv("RULES_PATH")
			}
			rules, err := config.LoadRules(rulesPath)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			quotes := cache.New(time.Hour)
			for key, s := range prices {
				p, err := strconv.ParseFloat(s, 64)
				if err != nil || p <= 0 {
					return fmt.Errorf("bad --price %s=%s", key, s)
				}
				quotes.Put(key, model.Tick{Key: key, Bid: p, Ask: p, Last: p, TS: now})
			}
			rate := model.ExchangeRate{Value: rateValue, Reliable: rateValue > 0, UpdatedAt: now}

			book := portfolio.NewBook()
			rec := portfolio.NewReconciler(book, valuation.New(margin.New(rules), lowUnit))
			rec.OnMalformed = func(r model.PositionRecord, err error) {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping record %q: %v\n", r.ID, err)
			}
			rec.Reconcile(recs, quotes, rate)

			report := valueReport{Results: book.Results()}
			sort.Slice(report.Results, func(i, j int) bool {
				return report.Results[i].PositionID < report.Results[j].PositionID
			})
			report.Totals = valuation.Sum(report.Results)
			for _, p := range book.All() {
				report.Exposure += valuation.Exposure(p, rate)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&positionsPath, "positions", "", "positions JSON document, - for stdin")
	cmd.Flags().StringToStringVar(&prices, "price", nil, "KEY=PRICE quote to value at (repeatable)")
	cmd.Flags().Float64Var(&rateValue, "rate", 0, "foreign-to-home conversion rate (0 leaves foreign positions awaiting a rate)")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "rules YAML file (default $RULES_PATH, or built-in rules)")
	cmd.Flags().StringVar(&lowUnit, "low-unit", "JPY", "quote currency priced with fewer decimals")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printReport(w io.Writer, r valueReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tCLASS\tSIDE\tPRICE\tP/L\tMARGIN\tSOURCE\tFLAGS")
	for _, res := range r.Results {
		flags := ""
		if res.AwaitingRate {
			flags += "awaiting-rate "
		}
		if res.Stale {
			flags += "stale"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%.2f\t%.2f\t%s\t%s\n",
			res.PositionID, res.Key, res.Class, res.Side, res.CurrentPrice, res.PL, res.Margin, res.Source, flags)
	}
	tw.Flush()
	fmt.Fprintf(w, "\npositions=%d  P/L=%.2f  margin=%.2f  brokerage=%.2f  exposure=%.2f  awaiting_rate=%d\n",
		r.Totals.Positions, r.Totals.PL, r.Totals.Margin, r.Totals.Brokerage, r.Exposure, r.Totals.AwaitingRate)
}
