package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	BuildVersion string
	BuildDate    string

	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "vitals-engine",
	Short:         "Streaming anomaly detection and performance budgets for web vitals",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vitals-engine %s (%s)\n", BuildVersion, BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default $MIRADOR_VITALS_CONFIG)")
	rootCmd.AddCommand(newServeCmd(), newReplayCmd(), versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
