package configuration

import (
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/G-Research/loadforge/internal/common"
	commonconfig "github.com/G-Research/loadforge/internal/common/config"
	"github.com/G-Research/loadforge/internal/protocol"
)

// defaults also declares every key, which viper needs before it will read the key from the environment.
var defaults = map[string]interface{}{
	"metricsPort":                   0,
	"logging.level":                 "info",
	"logging.format":                "text",
	"logging.reportCaller":          false,
	"worker.address":                "",
	"worker.id":                     "",
	"worker.type":                   "",
	"worker.home":                   ".",
	"worker.agentEndpoint":          "",
	"worker.sessionId":              "",
	"task.heartbeatInterval":        "5s",
	"task.performanceStatsInterval": "1s",
	"task.memoryCheckInterval":      "1s",
	"connection.attempts":           10,
	"connection.retryDelay":         "500ms",
	"connection.requestTimeout":     "30s",
	"connection.maxFrameSize":       0,
	"memory.maxHeapBytes":           0,
}

// Load builds the worker configuration from the defaults, the optional override files and LOADFORGE_* environment
// variables, in increasing order of precedence.
func Load(overrideConfigs []string) (WorkerConfiguration, error) {
	var config WorkerConfiguration
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return config, errors.Wrapf(err, "reading config from %s", overrideConfig)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(common.EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(&config, commonconfig.CustomHooks...); err != nil {
		return config, errors.WithStack(err)
	}
	return config, Validate(config)
}

func Validate(config WorkerConfiguration) error {
	var result *multierror.Error
	if err := commonconfig.Validate(config); err != nil {
		result = multierror.Append(result, err)
	}
	if err := config.Logging.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	address := config.Worker.Address
	if address.Level() != protocol.WorkerLevel || address.IsWildcard() {
		result = multierror.Append(result, errors.Errorf("worker address %s is not a concrete worker address", address))
	}
	return result.ErrorOrNil()
}
