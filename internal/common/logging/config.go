package logging

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type LogFormat string

const (
	FormatText      LogFormat = "text"
	FormatColourful LogFormat = "colourful"
	FormatJson      LogFormat = "json"
)

var validLogFormats = map[LogFormat]bool{
	FormatText:      true,
	FormatColourful: true,
	FormatJson:      true,
}

// Config defines logging configuration shared by the coordinator, agents and workers.
type Config struct {
	// Log level, e.g. info, debug etc
	Level string
	// Logging format, one of text, colourful or json
	Format LogFormat
	// Whether the calling function and file should be added to each line
	ReportCaller bool
}

func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: FormatColourful,
	}
}

func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Level); err != nil {
		return errors.WithStack(err)
	}
	if _, ok := validLogFormats[c.Format]; !ok {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", c.Format, formats)
	}
	return nil
}
