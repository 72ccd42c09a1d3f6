package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/loadforge/internal/common"
	"github.com/G-Research/loadforge/internal/common/app"
	commonconfig "github.com/G-Research/loadforge/internal/common/config"
	"github.com/G-Research/loadforge/internal/common/logging"
	"github.com/G-Research/loadforge/internal/coordinator"
	"github.com/G-Research/loadforge/internal/coordinator/configuration"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSlice("config", []string{}, "Configuration files merged on top of the base configuration")
	runCmd.Flags().StringSlice("agents", []string{}, "Agent endpoints, overriding the configured ones")
	runCmd.Flags().String("session", "", "Session id, generated when empty")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load test session",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		overrides, _ := cmd.Flags().GetStringSlice("config")
		var config configuration.CoordinatorConfiguration
		common.LoadConfig(&config, "./config/coordinator", overrides)

		if agents, _ := cmd.Flags().GetStringSlice("agents"); len(agents) > 0 {
			config.Agents = agents
		}
		if session, _ := cmd.Flags().GetString("session"); session != "" {
			config.Session.Id = session
		}
		if err := configuration.ValidateCoordinatorConfiguration(config); err != nil {
			commonconfig.LogValidationErrors(err)
			os.Exit(1)
		}
		logging.MustConfigureLogging(config.Logging, os.Stdout)

		shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
		defer shutdownMetricServer()

		if err := coordinator.Run(app.CreateContextWithShutdown(), config); err != nil {
			logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("Session failed")
			shutdownMetricServer()
			os.Exit(1)
		}
		log.Info("Session completed")
	},
}
