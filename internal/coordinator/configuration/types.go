package configuration

import (
	"time"

	"github.com/G-Research/loadforge/internal/common/logging"
)

type SessionConfiguration struct {
	// Id names the session directories on every agent. A new id is generated when empty.
	Id string
	// OutputDirectory receives the failure log of the session. ~ is expanded.
	OutputDirectory string `validate:"required"`
}

type ConnectionConfiguration struct {
	Attempts       uint
	RetryDelay     time.Duration `validate:"gt=0"`
	RequestTimeout time.Duration `validate:"gt=0"`
	MaxFrameSize   int           `validate:"gte=0"`
}

type WorkerConfiguration struct {
	// CountPerAgent workers are created on every agent.
	CountPerAgent  int32  `validate:"gt=0"`
	Type           string `validate:"required"`
	Command        string `validate:"required"`
	Args           []string
	Env            map[string]string
	Files          map[string]string
	StartupTimeout time.Duration
}

type TestConfiguration struct {
	Id         string `validate:"required"`
	Workload   string `validate:"required"`
	Properties map[string]string
	Duration   time.Duration `validate:"gt=0"`
	// FailFast stops the test at the first critical failure.
	FailFast bool
}

type FailureConfiguration struct {
	// DeduplicationWindow is how long an identical failure report is ignored after the first one.
	DeduplicationWindow time.Duration `validate:"gt=0"`
}

type TaskConfiguration struct {
	PerformanceReportInterval time.Duration `validate:"gt=0"`
}

type CoordinatorConfiguration struct {
	MetricsPort uint16
	Logging     logging.Config
	// Agents are host:port endpoints. The agent at position i gets index i+1.
	Agents     []string `validate:"required,min=1,dive,required"`
	Session    SessionConfiguration
	Connection ConnectionConfiguration
	Worker     WorkerConfiguration
	Test       TestConfiguration
	Failures   FailureConfiguration
	Task       TaskConfiguration
}
