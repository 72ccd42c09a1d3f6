package coordinator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/loadforge/internal/common/task"
	"github.com/G-Research/loadforge/internal/common/util"
	"github.com/G-Research/loadforge/internal/coordinator/configuration"
)

const metricsPrefix = "loadforge_coordinator_"

// Run connects to the agents and runs a single session to completion.
func Run(ctx context.Context, config configuration.CoordinatorConfiguration) error {
	sessionID := config.Session.Id
	if sessionID == "" {
		sessionID = util.NewULID()
	}
	coordinator, err := NewCoordinator(config, sessionID)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	if err := coordinator.Connect(ctx); err != nil {
		return err
	}

	taskManager := task.NewBackgroundTaskManager(metricsPrefix)
	taskManager.Register(coordinator.Stats().Report, config.Task.PerformanceReportInterval, "performance_report")
	defer func() {
		if taskManager.StopAll(2 * time.Second) {
			log.Warnf("Background tasks did not stop in time")
		}
	}()

	return NewSession(coordinator, config).Run(ctx)
}
