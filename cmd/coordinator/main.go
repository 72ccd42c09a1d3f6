package main

import (
	"github.com/G-Research/loadforge/cmd/coordinator/cmd"
	"github.com/G-Research/loadforge/internal/common/logging"
)

func main() {
	logging.ConfigureCommandLineLogging()
	cmd.Execute()
}
