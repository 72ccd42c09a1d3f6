package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/G-Research/loadforge/internal/common/app"
	commonconfig "github.com/G-Research/loadforge/internal/common/config"
	"github.com/G-Research/loadforge/internal/common/logging"
	"github.com/G-Research/loadforge/internal/driver"
	"github.com/G-Research/loadforge/internal/worker"
	"github.com/G-Research/loadforge/internal/worker/configuration"
)

// The worker is launched by an agent, which passes its identity in LOADFORGE_WORKER_* environment variables.
func main() {
	logging.ConfigureLogging()
	overrides := pflag.StringSlice("config", []string{}, "Configuration files merged on top of the defaults")
	pflag.Parse()

	config, err := configuration.Load(*overrides)
	if err != nil {
		commonconfig.LogValidationErrors(err)
		os.Exit(worker.ExitCodeStartupFailed)
	}
	logging.MustConfigureLogging(config.Logging, os.Stdout)
	log.Infof("Starting worker %s (%s)", config.Worker.Address, config.Worker.Id)

	os.Exit(worker.Run(app.CreateContextWithShutdown(), config, driver.DefaultRegistry()))
}
