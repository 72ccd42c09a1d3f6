package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coordinator command",
	Short: "Drives a distributed load test across loadforge agents",
	Long: `
Drives a distributed load test across loadforge agents.

The base configuration is read from ./config/coordinator/config.yaml. Further files given with --config are merged
on top of it and LOADFORGE_* environment variables override both, e.g. LOADFORGE_TEST_DURATION=5m.
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
