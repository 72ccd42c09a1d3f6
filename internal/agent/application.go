package agent

import (
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/loadforge/internal/agent/configuration"
	"github.com/G-Research/loadforge/internal/common/health"
	"github.com/G-Research/loadforge/internal/common/task"
	"github.com/G-Research/loadforge/internal/common/util"
)

const metricsPrefix = "loadforge_agent_"

// StartUp starts the agent and its background tasks and adds the agent to healthChecks.
func StartUp(config configuration.AgentConfiguration, healthChecks *health.MultiChecker) (func(), *sync.WaitGroup) {
	agent := NewAgent(config, &util.DefaultClock{})
	if err := agent.Start(); err != nil {
		log.Errorf("Failed to start agent because %s", err)
		os.Exit(-1)
	}
	healthChecks.Add(agent)

	taskManager := task.NewBackgroundTaskManager(metricsPrefix)
	taskManager.Register(agent.ScanForFailures, config.Task.FailureScanInterval, "failure_scan")

	wg := &sync.WaitGroup{}
	wg.Add(1)

	return func() {
		if taskManager.StopAll(2 * time.Second) {
			log.Warnf("Background tasks did not stop in time")
		}
		agent.Stop()
		wg.Done()
		log.Infof("Shutdown complete")
	}, wg
}
