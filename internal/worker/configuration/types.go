package configuration

import (
	"time"

	"github.com/G-Research/loadforge/internal/common/logging"
	"github.com/G-Research/loadforge/internal/protocol"
)

// IdentityConfiguration is handed to the worker by its agent through LOADFORGE_WORKER_* environment variables.
type IdentityConfiguration struct {
	Address       protocol.Address
	Id            string `validate:"required"`
	Type          string
	Home          string `validate:"required"`
	AgentEndpoint string `validate:"required"`
	SessionId     string
}

type TaskConfiguration struct {
	HeartbeatInterval        time.Duration `validate:"gt=0"`
	PerformanceStatsInterval time.Duration `validate:"gt=0"`
	MemoryCheckInterval      time.Duration `validate:"gt=0"`
}

type ConnectionConfiguration struct {
	Attempts       uint
	RetryDelay     time.Duration `validate:"gt=0"`
	RequestTimeout time.Duration `validate:"gt=0"`
	MaxFrameSize   int           `validate:"gte=0"`
}

type MemoryConfiguration struct {
	// MaxHeapBytes makes the worker give up with an out of memory failure once its heap grows beyond it. 0 disables
	// the check.
	MaxHeapBytes uint64
}

type WorkerConfiguration struct {
	MetricsPort uint16
	Logging     logging.Config
	Worker      IdentityConfiguration
	Task        TaskConfiguration
	Connection  ConnectionConfiguration
	Memory      MemoryConfiguration
}
