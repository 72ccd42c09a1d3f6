package coordinator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadforge/internal/common/forgecontext"
	"github.com/G-Research/loadforge/internal/common/logging"
	"github.com/G-Research/loadforge/internal/coordinator/configuration"
	"github.com/G-Research/loadforge/internal/performance"
	"github.com/G-Research/loadforge/internal/protocol"
)

const testTimeout = 5 * time.Second

// fakeAgent answers coordinator messages the way an agent with well behaved workers would.
type fakeAgent struct {
	address  protocol.Address
	listener net.Listener

	mu      sync.Mutex
	conn    *protocol.Conn
	kinds   []protocol.OperationKind
	workers []protocol.Address
	hang    map[protocol.Address]bool
	failOn  map[protocol.OperationKind]bool
	onPhase func(phase protocol.TestPhase)
}

func newFakeAgent(t *testing.T, index int32) *fakeAgent {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	agent := &fakeAgent{
		address:  protocol.AgentAddress(index),
		listener: listener,
		hang:     map[protocol.Address]bool{},
		failOn:   map[protocol.OperationKind]bool{},
	}
	go agent.accept()
	t.Cleanup(func() {
		_ = listener.Close()
		if conn := agent.connection(); conn != nil {
			_ = conn.Close()
		}
	})
	return agent
}

func (a *fakeAgent) accept() {
	netConn, err := a.listener.Accept()
	if err != nil {
		return
	}
	conn := protocol.NewConn(netConn, protocol.ConnConfig{
		Peer:    protocol.CoordinatorAddress(),
		Handler: protocol.MessageHandlerFunc(a.handle),
		Log:     logging.NullEntry(),
	})
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	conn.Start()
}

func (a *fakeAgent) connection() *protocol.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *fakeAgent) handle(_ *forgecontext.Context, _ *protocol.Conn, msg *protocol.Message) *protocol.Response {
	op, err := msg.Operation()
	if err != nil {
		return protocol.NewResponseWithPart(msg.MessageID(), msg.Destination(), protocol.ExceptionDuringOperation)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, msg.OperationKind())
	if a.hang[msg.Destination()] {
		return nil
	}
	result := protocol.Success
	if a.failOn[msg.OperationKind()] {
		result = protocol.ExceptionDuringOperation
	}
	if phase, ok := op.(*protocol.StartTestPhaseOperation); ok && a.onPhase != nil {
		go a.onPhase(phase.Phase)
	}

	destination := msg.Destination()
	response := protocol.NewResponse(msg.MessageID())
	if destination.Level() == protocol.AgentLevel {
		if create, ok := op.(*protocol.CreateWorkerOperation); ok && result == protocol.Success {
			a.workers = append(a.workers, create.Address)
		}
		return response.AddPart(a.address, result)
	}
	pattern := destination
	if destination.Level() == protocol.TestLevel {
		pattern, _ = destination.Parent()
	}
	for _, worker := range a.workers {
		if !pattern.Covers(worker) {
			continue
		}
		if destination.Level() == protocol.WorkerLevel {
			response.AddPart(worker, result)
		} else {
			response.AddPart(protocol.TestAddress(worker.AgentIndex(), worker.WorkerIndex(), destination.TestIndex()), result)
		}
	}
	if response.Size() == 0 {
		response.AddPart(destination, protocol.FailureWorkerNotFound)
	}
	return response
}

func (a *fakeAgent) receivedKinds() []protocol.OperationKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.OperationKind(nil), a.kinds...)
}

func (a *fakeAgent) createdWorkers() []protocol.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.Address(nil), a.workers...)
}

// send delivers op to the coordinator as if it came from source.
func (a *fakeAgent) send(source protocol.Address, id int64, op protocol.Operation) (*protocol.Response, error) {
	msg, err := protocol.NewMessage(protocol.CoordinatorAddress(), source, id, op)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return a.connection().Request(ctx, msg)
}

func (a *fakeAgent) relay(t *testing.T, source protocol.Address, id int64, op protocol.Operation) *protocol.Response {
	response, err := a.send(source, id, op)
	require.NoError(t, err)
	return response
}

func testCoordinatorConfig(t *testing.T, agents ...*fakeAgent) configuration.CoordinatorConfiguration {
	endpoints := make([]string, 0, len(agents))
	for _, agent := range agents {
		endpoints = append(endpoints, agent.listener.Addr().String())
	}
	return configuration.CoordinatorConfiguration{
		Logging: logging.DefaultConfig(),
		Agents:  endpoints,
		Session: configuration.SessionConfiguration{OutputDirectory: t.TempDir()},
		Connection: configuration.ConnectionConfiguration{
			Attempts:       3,
			RetryDelay:     10 * time.Millisecond,
			RequestTimeout: 2 * time.Second,
		},
		Worker: configuration.WorkerConfiguration{
			CountPerAgent:  2,
			Type:           "go",
			Command:        "loadforge-worker",
			StartupTimeout: time.Second,
		},
		Test: configuration.TestConfiguration{
			Id:       "test-1",
			Workload: "sleep",
			Duration: 50 * time.Millisecond,
		},
		Failures: configuration.FailureConfiguration{DeduplicationWindow: time.Minute},
		Task:     configuration.TaskConfiguration{PerformanceReportInterval: time.Second},
	}
}

func connectCoordinator(t *testing.T, agents ...*fakeAgent) *Coordinator {
	coordinator, err := NewCoordinator(testCoordinatorConfig(t, agents...), "session-1")
	require.NoError(t, err)
	t.Cleanup(coordinator.Close)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, coordinator.Connect(ctx))
	for _, agent := range agents {
		require.Eventually(t, func() bool { return agent.connection() != nil }, testTimeout, 10*time.Millisecond)
	}
	return coordinator
}

func TestCoordinator_ConnectInitialisesSessionOnEveryAgent(t *testing.T) {
	agent1 := newFakeAgent(t, 1)
	agent2 := newFakeAgent(t, 2)
	coordinator := connectCoordinator(t, agent1, agent2)

	assert.Equal(t, []protocol.OperationKind{protocol.KindInitSession}, agent1.receivedKinds())
	assert.Equal(t, []protocol.OperationKind{protocol.KindInitSession}, agent2.receivedKinds())
	assert.Equal(t, []protocol.Address{protocol.AgentAddress(1), protocol.AgentAddress(2)}, coordinator.ConnectedAgents())
	assert.Len(t, coordinator.Registry().Agents(), 2)
}

func TestCoordinator_ConnectFailsWithoutAgent(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := listener.Addr().String()
	require.NoError(t, listener.Close())

	config := testCoordinatorConfig(t)
	config.Agents = []string{endpoint}
	coordinator, err := NewCoordinator(config, "session-1")
	require.NoError(t, err)

	assert.Error(t, coordinator.Connect(context.Background()))
}

func TestCoordinator_SendMergesAgentResponses(t *testing.T) {
	agent1 := newFakeAgent(t, 1)
	agent2 := newFakeAgent(t, 2)
	coordinator := connectCoordinator(t, agent1, agent2)

	response, err := coordinator.Send(context.Background(), protocol.AgentAddress(protocol.AllChildren), &protocol.PingOperation{})
	require.NoError(t, err)
	assert.Equal(t, map[protocol.Address]protocol.ResultKind{
		protocol.AgentAddress(1): protocol.Success,
		protocol.AgentAddress(2): protocol.Success,
	}, response.Parts())

	response, err = coordinator.Send(context.Background(), protocol.AgentAddress(2), &protocol.PingOperation{})
	require.NoError(t, err)
	assert.Equal(t, map[protocol.Address]protocol.ResultKind{protocol.AgentAddress(2): protocol.Success}, response.Parts())
	assert.Len(t, agent1.receivedKinds(), 2)
	assert.Len(t, agent2.receivedKinds(), 3)
}

func TestCoordinator_SendToUnknownAgent(t *testing.T) {
	coordinator := connectCoordinator(t, newFakeAgent(t, 1))

	response, err := coordinator.Send(context.Background(), protocol.WorkerAddress(3, 1), &protocol.PingOperation{})
	require.NoError(t, err)
	assert.Equal(t, map[protocol.Address]protocol.ResultKind{protocol.AgentAddress(3): protocol.FailureAgentNotFound}, response.Parts())
}

func TestCoordinator_CollectsRelayedFailuresAndStats(t *testing.T) {
	agent := newFakeAgent(t, 1)
	coordinator := connectCoordinator(t, agent)

	response := agent.relay(t, protocol.TestAddress(1, 1, 1), 1, &protocol.PerformanceStatsOperation{
		Stats: map[string]performance.Stats{"test-1": stats(10, 1, 100)},
	})
	assert.True(t, response.IsSuccess(), response.String())
	assert.Equal(t, int64(10), coordinator.Stats().Total("test-1").OperationCount)

	response = agent.relay(t, protocol.WorkerAddress(1, 1), 2, failure(protocol.WorkerException, protocol.WorkerAddress(1, 1), "boom"))
	assert.True(t, response.IsSuccess(), response.String())
	assert.Equal(t, 1, coordinator.Failures().CriticalCount())

	response = agent.relay(t, protocol.WorkerAddress(1, 1), 3, &protocol.StopTestOperation{})
	assert.Equal(t, map[protocol.Address]protocol.ResultKind{protocol.CoordinatorAddress(): protocol.UnsupportedOperation}, response.Parts())
}

func TestCoordinator_TerminalFailureUnblocksPendingRequest(t *testing.T) {
	agent := newFakeAgent(t, 1)
	coordinator := connectCoordinator(t, agent)
	require.NoError(t, coordinator.Registry().AddWorker(protocol.WorkerAddress(1, 1), "go"))
	agent.mu.Lock()
	agent.hang[protocol.WorkerAddress(1, 1)] = true
	agent.mu.Unlock()

	responses := make(chan *protocol.Response, 1)
	go func() {
		response, err := coordinator.SendWithTimeout(context.Background(), protocol.WorkerAddress(1, 1), &protocol.PingOperation{}, testTimeout)
		assert.NoError(t, err)
		responses <- response
	}()
	require.Eventually(t, func() bool { return len(agent.receivedKinds()) == 2 }, testTimeout, 10*time.Millisecond)

	agent.relay(t, protocol.WorkerAddress(1, 1), 1, failure(protocol.WorkerAbnormalExit, protocol.WorkerAddress(1, 1), "exit code 137"))

	select {
	case response := <-responses:
		assert.Equal(t, map[protocol.Address]protocol.ResultKind{protocol.WorkerAddress(1, 1): protocol.UnblockedByFailure}, response.Parts())
	case <-time.After(testTimeout):
		t.Fatal("request was not unblocked")
	}
	assert.Empty(t, coordinator.Registry().ActiveWorkers())
}

func TestCoordinator_LostAgentUnblocksPendingRequest(t *testing.T) {
	agent := newFakeAgent(t, 1)
	coordinator := connectCoordinator(t, agent)
	agent.mu.Lock()
	agent.hang[protocol.WorkerAddress(protocol.AllChildren, protocol.AllChildren)] = true
	agent.mu.Unlock()

	responses := make(chan *protocol.Response, 1)
	go func() {
		response, _ := coordinator.SendWithTimeout(context.Background(),
			protocol.WorkerAddress(protocol.AllChildren, protocol.AllChildren), &protocol.PingOperation{}, testTimeout)
		responses <- response
	}()
	require.Eventually(t, func() bool { return len(agent.receivedKinds()) == 2 }, testTimeout, 10*time.Millisecond)

	require.NoError(t, agent.connection().Close())

	select {
	case response := <-responses:
		result, ok := response.Result(protocol.WorkerAddress(protocol.AllChildren, protocol.AllChildren))
		assert.True(t, ok, response.String())
		assert.Equal(t, protocol.UnblockedByFailure, result)
	case <-time.After(testTimeout):
		t.Fatal("request was not unblocked")
	}
	assert.Eventually(t, func() bool { return len(coordinator.ConnectedAgents()) == 0 }, testTimeout, 10*time.Millisecond)
}

func TestSession_Run(t *testing.T) {
	agent1 := newFakeAgent(t, 1)
	agent2 := newFakeAgent(t, 2)
	coordinator := connectCoordinator(t, agent1, agent2)
	config := testCoordinatorConfig(t, agent1, agent2)

	require.NoError(t, NewSession(coordinator, config).Run(context.Background()))

	assert.Equal(t, []protocol.OperationKind{
		protocol.KindInitSession,
		protocol.KindCreateWorker,
		protocol.KindCreateWorker,
		protocol.KindStartTimeoutDetection,
		protocol.KindCreateTest,
		protocol.KindStartTestPhase,
		protocol.KindStartTestPhase,
		protocol.KindStopTest,
		protocol.KindStartTestPhase,
		protocol.KindStopTimeoutDetection,
		protocol.KindTerminateWorkers,
	}, agent1.receivedKinds())
	assert.ElementsMatch(t, []protocol.Address{protocol.WorkerAddress(2, 1), protocol.WorkerAddress(2, 2)}, agent2.createdWorkers())
	assert.Len(t, coordinator.Registry().Workers(), 4)
	assert.Empty(t, coordinator.Registry().Tests())
}

func TestSession_RunReportsFailedStep(t *testing.T) {
	agent := newFakeAgent(t, 1)
	agent.failOn[protocol.KindCreateTest] = true
	coordinator := connectCoordinator(t, agent)

	err := NewSession(coordinator, testCoordinatorConfig(t, agent)).Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating test test-1")
	kinds := agent.receivedKinds()
	assert.NotContains(t, kinds, protocol.KindStartTestPhase)
	assert.Equal(t, protocol.KindTerminateWorkers, kinds[len(kinds)-1])
}

func TestSession_RunStopsEarlyOnCriticalFailure(t *testing.T) {
	agent := newFakeAgent(t, 1)
	coordinator := connectCoordinator(t, agent)
	config := testCoordinatorConfig(t, agent)
	config.Test.Duration = time.Minute
	config.Test.FailFast = true
	agent.onPhase = func(phase protocol.TestPhase) {
		if phase == protocol.PhaseRun {
			_, _ = agent.send(protocol.TestAddress(1, 1, 1), 100, failure(protocol.WorkerException, protocol.WorkerAddress(1, 1), "boom"))
		}
	}

	start := time.Now()
	err := NewSession(coordinator, config).Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 critical failures")
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestSession_RunIgnoresFinishedWorkers(t *testing.T) {
	agent := newFakeAgent(t, 1)
	coordinator := connectCoordinator(t, agent)
	config := testCoordinatorConfig(t, agent)
	config.Worker.CountPerAgent = 1
	config.Test.Duration = 500 * time.Millisecond
	agent.onPhase = func(phase protocol.TestPhase) {
		if phase == protocol.PhaseRun {
			_, _ = agent.send(protocol.WorkerAddress(1, 1), 100,
				failure(protocol.WorkerNormalExit, protocol.WorkerAddress(1, 1), "worker finished normally"))
			agent.mu.Lock()
			agent.failOn[protocol.KindStopTest] = true
			agent.mu.Unlock()
		}
	}

	require.NoError(t, NewSession(coordinator, config).Run(context.Background()))
	assert.Empty(t, coordinator.Registry().ActiveWorkers())
}
