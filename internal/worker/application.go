package worker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/loadforge/internal/common/logging"
	"github.com/G-Research/loadforge/internal/common/task"
	"github.com/G-Research/loadforge/internal/common/util"
	"github.com/G-Research/loadforge/internal/driver"
	"github.com/G-Research/loadforge/internal/worker/configuration"
)

const metricsPrefix = "loadforge_worker_"

// Run connects the worker and serves its agent until ctx is done or the worker is told to exit.
// It returns the process exit code.
func Run(ctx context.Context, config configuration.WorkerConfiguration, drivers *driver.Registry) int {
	w := NewWorker(config, drivers, &util.DefaultClock{})
	if err := w.Connect(ctx); err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("Failed to start worker")
		return ExitCodeStartupFailed
	}

	taskManager := task.NewBackgroundTaskManager(metricsPrefix)
	taskManager.Register(w.Heartbeat, config.Task.HeartbeatInterval, "heartbeat")
	taskManager.Register(w.aggregator.Tick, config.Task.PerformanceStatsInterval, "performance_stats")
	if config.Memory.MaxHeapBytes > 0 {
		taskManager.Register(w.watchdog.Check, config.Task.MemoryCheckInterval, "memory_check")
	}

	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
		w.finish(ExitCodeNormal)
	case <-w.Done():
	}
	if taskManager.StopAll(2 * time.Second) {
		log.Warnf("Background tasks did not stop in time")
	}
	w.Stop()
	log.Infof("Worker exiting with code %d", w.ExitCode())
	return w.ExitCode()
}
