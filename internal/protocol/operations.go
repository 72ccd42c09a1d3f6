package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/performance"
)

// OperationKind identifies the payload type of a message on the wire.
type OperationKind int32

const (
	KindPing OperationKind = iota + 1
	KindHeartbeat
	KindRegisterWorker
	KindCreateWorker
	KindStartTimeoutDetection
	KindStopTimeoutDetection
	KindTerminateWorkers
	KindTerminateWorker
	KindCreateTest
	KindStartTestPhase
	KindStopTest
	KindFailure
	KindPerformanceStats
	KindInitSession
)

// Operation is the decoded payload of a message.
type Operation interface {
	Kind() OperationKind
}

type operationEntry struct {
	name string
	new  func() Operation
}

// operations is the complete set of payloads understood on the wire. Decoding never looks beyond this table.
var operations = map[OperationKind]operationEntry{
	KindPing:                  {"Ping", func() Operation { return &PingOperation{} }},
	KindHeartbeat:             {"Heartbeat", func() Operation { return &HeartbeatOperation{} }},
	KindRegisterWorker:        {"RegisterWorker", func() Operation { return &RegisterWorkerOperation{} }},
	KindCreateWorker:          {"CreateWorker", func() Operation { return &CreateWorkerOperation{} }},
	KindStartTimeoutDetection: {"StartTimeoutDetection", func() Operation { return &StartTimeoutDetectionOperation{} }},
	KindStopTimeoutDetection:  {"StopTimeoutDetection", func() Operation { return &StopTimeoutDetectionOperation{} }},
	KindTerminateWorkers:      {"TerminateWorkers", func() Operation { return &TerminateWorkersOperation{} }},
	KindTerminateWorker:       {"TerminateWorker", func() Operation { return &TerminateWorkerOperation{} }},
	KindCreateTest:            {"CreateTest", func() Operation { return &CreateTestOperation{} }},
	KindStartTestPhase:        {"StartTestPhase", func() Operation { return &StartTestPhaseOperation{} }},
	KindStopTest:              {"StopTest", func() Operation { return &StopTestOperation{} }},
	KindFailure:               {"Failure", func() Operation { return &FailureOperation{} }},
	KindPerformanceStats:      {"PerformanceStats", func() Operation { return &PerformanceStatsOperation{} }},
	KindInitSession:           {"InitSession", func() Operation { return &InitSessionOperation{} }},
}

func (k OperationKind) String() string {
	if entry, ok := operations[k]; ok {
		return entry.name
	}
	return fmt.Sprintf("OperationKind(%d)", int32(k))
}

func EncodeOperation(op Operation) ([]byte, error) {
	if _, ok := operations[op.Kind()]; !ok {
		return nil, &forgeerrors.ErrInvalidArgument{Name: "operationKind", Value: op.Kind(), Message: "not a known operation"}
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s operation", op.Kind())
	}
	return payload, nil
}

func DecodeOperation(kind OperationKind, payload []byte) (Operation, error) {
	entry, ok := operations[kind]
	if !ok {
		return nil, &forgeerrors.ErrUnsupportedOperation{Operation: kind.String(), Component: "protocol"}
	}
	op := entry.new()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, op); err != nil {
			return nil, errors.Wrapf(err, "decoding %s operation", kind)
		}
	}
	return op, nil
}

type PingOperation struct{}

func (*PingOperation) Kind() OperationKind { return KindPing }

// InitSessionOperation tells an agent which session it works for. Worker home directories are created below the
// session directory.
type InitSessionOperation struct {
	SessionID string
}

func (*InitSessionOperation) Kind() OperationKind { return KindInitSession }

// HeartbeatOperation is sent by workers to their agent to show they are alive.
type HeartbeatOperation struct {
	WorkerID string
}

func (*HeartbeatOperation) Kind() OperationKind { return KindHeartbeat }

// RegisterWorkerOperation is the first message a worker sends after connecting to its agent.
type RegisterWorkerOperation struct {
	Address  Address
	WorkerID string
	Pid      int
}

func (*RegisterWorkerOperation) Kind() OperationKind { return KindRegisterWorker }

// CreateWorkerOperation asks an agent to launch a worker process at Address.
type CreateWorkerOperation struct {
	Address        Address
	WorkerType     string
	Command        string
	Args           []string
	Env            map[string]string
	Files          map[string]string
	StartupTimeout time.Duration
}

func (*CreateWorkerOperation) Kind() OperationKind { return KindCreateWorker }

type StartTimeoutDetectionOperation struct{}

func (*StartTimeoutDetectionOperation) Kind() OperationKind { return KindStartTimeoutDetection }

type StopTimeoutDetectionOperation struct{}

func (*StopTimeoutDetectionOperation) Kind() OperationKind { return KindStopTimeoutDetection }

// TerminateWorkersOperation asks an agent to shut down all of its workers.
type TerminateWorkersOperation struct{}

func (*TerminateWorkersOperation) Kind() OperationKind { return KindTerminateWorkers }

// TerminateWorkerOperation asks a worker to exit cleanly.
type TerminateWorkerOperation struct{}

func (*TerminateWorkerOperation) Kind() OperationKind { return KindTerminateWorker }

type CreateTestOperation struct {
	TestIndex  int32
	TestID     string
	Workload   string
	Properties map[string]string
}

func (*CreateTestOperation) Kind() OperationKind { return KindCreateTest }

// TestPhase is a step in the life of a test.
type TestPhase string

const (
	PhaseSetup    TestPhase = "setup"
	PhaseRun      TestPhase = "run"
	PhaseTeardown TestPhase = "teardown"
)

type StartTestPhaseOperation struct {
	Phase TestPhase
}

func (*StartTestPhaseOperation) Kind() OperationKind { return KindStartTestPhase }

type StopTestOperation struct{}

func (*StopTestOperation) Kind() OperationKind { return KindStopTest }

// FailureOperation reports a worker failure to the coordinator.
type FailureOperation struct {
	Type          FailureType
	Agent         Address
	Worker        Address
	WorkerID      string
	TestID        string
	Cause         string
	HomeDirectory string
	DetectedAt    time.Time
	// OccurrenceID tells a re-sent report apart from a new failure with the same cause.
	OccurrenceID  string
}

func (*FailureOperation) Kind() OperationKind { return KindFailure }

func (f *FailureOperation) String() string {
	s := fmt.Sprintf("%s on %s", f.Type, f.Worker)
	if f.TestID != "" {
		s += fmt.Sprintf(" (test %s)", f.TestID)
	}
	if f.Cause != "" {
		s += ": " + f.Cause
	}
	return s
}

// PerformanceStatsOperation carries the latest stats of a worker, keyed by test id.
type PerformanceStatsOperation struct {
	Stats map[string]performance.Stats
}

func (*PerformanceStatsOperation) Kind() OperationKind { return KindPerformanceStats }
