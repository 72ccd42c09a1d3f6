package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/G-Research/loadforge/internal/agent"
	"github.com/G-Research/loadforge/internal/agent/configuration"
	"github.com/G-Research/loadforge/internal/common"
	commonconfig "github.com/G-Research/loadforge/internal/common/config"
	"github.com/G-Research/loadforge/internal/common/health"
	"github.com/G-Research/loadforge/internal/common/logging"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	logging.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.AgentConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/agent", userSpecifiedConfigs)

	if err := configuration.ValidateAgentConfiguration(config); err != nil {
		commonconfig.LogValidationErrors(err)
		os.Exit(-1)
	}
	logging.MustConfigureLogging(config.Logging, os.Stdout)

	log.Infof("Starting agent %d", config.Application.AgentIndex)

	shutdownChannel := make(chan os.Signal, 1)
	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	if config.HttpPort != 0 {
		mux := http.NewServeMux()
		health.SetupHttpMux(mux, healthChecks)
		shutdownHttpServer := common.ServeHttp(config.HttpPort, mux)
		defer shutdownHttpServer()
	}

	shutdown, wg := agent.StartUp(config, healthChecks)
	startupCompleteCheck.MarkComplete()
	go func() {
		<-shutdownChannel
		shutdown()
	}()
	wg.Wait()
}
