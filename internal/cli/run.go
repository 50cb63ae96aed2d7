package cli

import (
	"github.com/spf13/cobra"
)

var (
	runRefreshMs   int
	runCacheTTL    int
	runCompact     bool
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the market data pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()

		var compact *bool
		if cmd.Flags().Changed("compact") {
			compact = &runCompact
		}
		a.Config.ApplyOverrides(runRefreshMs, runCacheTTL, compact)
		if runMetricsAddr != "" {
			a.Config.Telemetry.Addr = runMetricsAddr
		}

		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().IntVar(&runRefreshMs, "refresh-ms", 0, "Refresh interval in milliseconds (minimum 100)")
	runCmd.Flags().IntVar(&runCacheTTL, "cache-ttl", 0, "Fetch cache TTL in seconds (minimum 5)")
	runCmd.Flags().BoolVar(&runCompact, "compact", false, "Log only the status line")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}
