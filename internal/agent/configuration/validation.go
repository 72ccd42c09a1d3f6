package configuration

import (
	"github.com/hashicorp/go-multierror"

	commonconfig "github.com/G-Research/loadforge/internal/common/config"
)

func ValidateAgentConfiguration(config AgentConfiguration) error {
	var result *multierror.Error
	if err := commonconfig.Validate(config); err != nil {
		result = multierror.Append(result, err)
	}
	if err := config.Logging.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
