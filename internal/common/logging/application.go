package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// ConfigureLogging sets up the global logrus logger for a long-running process using the default configuration.
func ConfigureLogging() {
	MustConfigureLogging(DefaultConfig(), os.Stdout)
}

// MustConfigureLogging applies the given logging configuration to the global logger, writing to out.
// An invalid configuration is reported on stderr and terminates the process.
func MustConfigureLogging(config Config, out io.Writer) {
	if err := ConfigureLoggingWithConfig(config, out); err != nil {
		_, _ = io.WriteString(os.Stderr, "Error initializing logging: "+err.Error()+"\n")
		os.Exit(1)
	}
}

// ConfigureLoggingWithConfig applies the given logging configuration to the global logger, writing to out.
func ConfigureLoggingWithConfig(config Config, out io.Writer) error {
	if err := config.Validate(); err != nil {
		return err
	}
	level, err := log.ParseLevel(config.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(out)
	log.SetReportCaller(config.ReportCaller)
	switch config.Format {
	case FormatJson:
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: RFC3339Milli})
	default:
		log.SetFormatter(&log.TextFormatter{
			ForceColors:     config.Format == FormatColourful,
			DisableColors:   config.Format == FormatText,
			FullTimestamp:   true,
			TimestampFormat: RFC3339Milli,
		})
	}
	return nil
}

// ConfigureCommandLineLogging sets up logging for short-lived command line tools, where only the message is printed.
func ConfigureCommandLineLogging() {
	commandLineFormatter := new(CommandLineFormatter)
	log.SetFormatter(commandLineFormatter)
	log.SetOutput(os.Stdout)
}
