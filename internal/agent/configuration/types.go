package configuration

import (
	"time"

	"github.com/G-Research/loadforge/internal/common/logging"
)

type ApplicationConfiguration struct {
	// AgentIndex is this agent's position in the coordinator's agent list, starting at 1.
	AgentIndex int32 `validate:"gt=0"`
}

type ListenConfiguration struct {
	// Coordinator is the host:port the coordinator connects to.
	Coordinator string `validate:"required"`
	// Worker is the host:port local workers connect to. Use port 0 to pick a free port.
	Worker string `validate:"required"`
}

type WorkerConfiguration struct {
	WorkDirectory   string        `validate:"required"`
	StartupTimeout  time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	Env             map[string]string
}

type TaskConfiguration struct {
	FailureScanInterval time.Duration `validate:"gt=0"`
	HeartbeatTimeout    time.Duration `validate:"gt=0"`
}

type ProtocolConfiguration struct {
	MaxFrameSize   int           `validate:"gte=0"`
	RequestTimeout time.Duration `validate:"gt=0"`
}

type AgentConfiguration struct {
	MetricsPort uint16
	// HttpPort serves /health. Disabled when 0.
	HttpPort    uint16
	Logging     logging.Config
	Application ApplicationConfiguration
	Listen      ListenConfiguration
	Worker      WorkerConfiguration
	Task        TaskConfiguration
	Protocol    ProtocolConfiguration
}
