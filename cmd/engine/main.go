// Command engine runs the position valuation and margin engine and its
// operator tools.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Position valuation and margin engine",
	Long: `Engine keeps the open positions of a trading account valued in real time.

It merges polled position snapshots with the domestic and foreign price
feeds, converts foreign P/L with the reference rate, and publishes every
result and feed status change.

Configuration is read from the environment (see "engine run --help").`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(
		newRunCmd(),
		newRulesCmd(),
		newValueCmd(),
		newWatchCmd(),
		newRatesCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
