package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stocklens",
	Short: "Multi-tier cache and storage fabric for stock analytics",
	Long: `stocklens sits between a stock-analysis HTTP surface and its upstream
market-data providers, turning bursty duplicated requests into a small
amortized stream of upstream fetches with bounded staleness per data class.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
