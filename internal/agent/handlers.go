package agent

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/loadforge/internal/agent/process"
	"github.com/G-Research/loadforge/internal/common/forgecontext"
	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/common/util"
	"github.com/G-Research/loadforge/internal/protocol"
)

func ping(*forgecontext.Context, *protocol.Message, protocol.Operation) error {
	return nil
}

// handleCoordinatorMessage executes messages for this agent and forwards messages for its workers and tests.
func (a *Agent) handleCoordinatorMessage(ctx *forgecontext.Context, _ *protocol.Conn, msg *protocol.Message) *protocol.Response {
	destination := msg.Destination()
	switch {
	case destination.Level() == protocol.CoordinatorLevel:
		return protocol.NewResponseWithPart(msg.MessageID(), destination, protocol.FailureCoordinatorNotFound)
	case destination.AgentIndex() != protocol.AllChildren && destination.AgentIndex() != a.address.AgentIndex():
		return protocol.NewResponseWithPart(msg.MessageID(), destination, protocol.FailureAgentNotFound)
	case destination.Level() == protocol.AgentLevel:
		// answered under the concrete address, so that replies of several agents to C_A* stay apart
		return protocol.NewResponseWithPart(msg.MessageID(), a.address, a.coordinatorDispatcher.Execute(ctx, msg))
	default:
		return a.forwardToWorkers(ctx, msg)
	}
}

// forwardToWorkers sends msg to every registered worker its destination covers and merges their responses.
func (a *Agent) forwardToWorkers(ctx *forgecontext.Context, msg *protocol.Message) *protocol.Response {
	response := protocol.NewResponse(msg.MessageID())
	workers := a.roster.Matching(msg.Destination())
	if len(workers) == 0 {
		return response.AddPart(msg.Destination(), protocol.FailureWorkerNotFound)
	}

	var mu sync.Mutex
	util.ProcessItemsWithThreadPool(ctx, maxForwardThreads, workers, func(worker protocol.Address) {
		parts := a.requestWorker(ctx, worker, msg)
		mu.Lock()
		defer mu.Unlock()
		response.AddAllParts(parts)
	})
	return response
}

func (a *Agent) requestWorker(ctx *forgecontext.Context, worker protocol.Address, msg *protocol.Message) *protocol.Response {
	destination := concreteDestination(msg.Destination(), worker)
	conn, ok := a.roster.Get(worker)
	if !ok {
		return protocol.NewResponseWithPart(msg.MessageID(), destination, protocol.FailureWorkerNotFound)
	}
	requestCtx, cancel := protocol.WithRequestTimeout(ctx, a.config.Protocol.RequestTimeout)
	defer cancel()
	response, err := conn.Request(requestCtx, msg.Readdress(destination, a.ids.Next()))
	if err != nil {
		ctx.Log.WithError(err).Warnf("no response from %s to %s", worker, msg)
		return protocol.NewResponseWithPart(msg.MessageID(), destination, protocol.ExceptionDuringOperation)
	}
	return response
}

// concreteDestination replaces the agent and worker indices of destination with those of worker. A test index,
// wildcard or not, is left for the worker to resolve.
func concreteDestination(destination, worker protocol.Address) protocol.Address {
	if destination.Level() == protocol.WorkerLevel {
		return worker
	}
	return protocol.TestAddress(worker.AgentIndex(), worker.WorkerIndex(), destination.TestIndex())
}

// handleWorkerMessage relays messages for the coordinator and executes messages for this agent.
func (a *Agent) handleWorkerMessage(ctx *forgecontext.Context, msg *protocol.Message, dispatcher *protocol.Dispatcher) *protocol.Response {
	destination := msg.Destination()
	switch {
	case destination.Level() == protocol.CoordinatorLevel:
		return a.relayToCoordinator(ctx, msg)
	case destination == a.address:
		return dispatcher.Dispatch(ctx, msg)
	default:
		ctx.Log.Warnf("cannot route %s from a worker", msg)
		return protocol.NewResponseWithPart(msg.MessageID(), destination, protocol.NotFoundResult(destination.Level()))
	}
}

func (a *Agent) relayToCoordinator(ctx *forgecontext.Context, msg *protocol.Message) *protocol.Response {
	coordinator := a.coordinatorConn()
	if coordinator == nil {
		ctx.Log.Warnf("no coordinator connected to relay %s", msg)
		return protocol.NewResponseWithPart(msg.MessageID(), msg.Destination(), protocol.FailureCoordinatorNotFound)
	}
	requestCtx, cancel := protocol.WithRequestTimeout(ctx, a.config.Protocol.RequestTimeout)
	defer cancel()
	response, err := coordinator.Request(requestCtx, msg.Readdress(msg.Destination(), a.ids.Next()))
	if err != nil {
		ctx.Log.WithError(err).Warnf("no response from the coordinator to %s", msg)
		return protocol.NewResponseWithPart(msg.MessageID(), msg.Destination(), protocol.ExceptionDuringOperation)
	}
	return protocol.NewResponse(msg.MessageID()).AddAllParts(response)
}

func (a *Agent) registerWorker(ctx *forgecontext.Context, conn *protocol.Conn, op *protocol.RegisterWorkerOperation) error {
	address := op.Address
	if address.Level() != protocol.WorkerLevel || address.IsWildcard() || address.AgentIndex() != a.address.AgentIndex() {
		return &forgeerrors.ErrInvalidArgument{
			Name:    "address",
			Value:   address.String(),
			Message: "must be a worker address of " + a.address.String(),
		}
	}
	conn.SetPeer(address)
	if err := a.roster.Add(address, conn); err != nil {
		conn.SetPeer(a.address)
		return err
	}
	if wp, ok := a.table.Get(address); ok {
		wp.UpdateLastSeen(a.clock.Now())
	} else {
		ctx.Log.Warnf("worker %s was not launched by this agent", address)
	}
	ctx.Log.Infof("worker %s registered as %s with pid %d", address, op.WorkerID, op.Pid)
	return nil
}

func (a *Agent) initSession(ctx *forgecontext.Context, _ *protocol.Message, op protocol.Operation) error {
	init := op.(*protocol.InitSessionOperation)
	if init.SessionID == "" {
		return &forgeerrors.ErrInvalidArgument{Name: "sessionId", Value: init.SessionID, Message: "must not be empty"}
	}
	a.launcher.SetSessionID(init.SessionID)
	ctx.Log.Infof("joined session %s", init.SessionID)
	return nil
}

// createWorker launches a worker. A failed launch is also reported as a failure, so that the coordinator learns
// about it even if it stopped waiting for the response.
func (a *Agent) createWorker(ctx *forgecontext.Context, _ *protocol.Message, op protocol.Operation) error {
	create := op.(*protocol.CreateWorkerOperation)
	if create.Address.AgentIndex() != a.address.AgentIndex() {
		return &forgeerrors.ErrInvalidArgument{
			Name:    "address",
			Value:   create.Address.String(),
			Message: "does not belong to " + a.address.String(),
		}
	}
	_, err := a.launcher.Launch(ctx, process.WorkerParameters{
		Address:        create.Address,
		WorkerType:     create.WorkerType,
		Command:        create.Command,
		Args:           create.Args,
		Env:            create.Env,
		Files:          create.Files,
		StartupTimeout: create.StartupTimeout,
	})
	if err != nil {
		failure := &protocol.FailureOperation{
			Type:         protocol.WorkerCreateFailed,
			Agent:        a.address,
			Worker:       create.Address,
			Cause:        err.Error(),
			DetectedAt:   a.clock.Now(),
			OccurrenceID: util.NewULID(),
		}
		var launchErr *forgeerrors.ErrLaunch
		if errors.As(err, &launchErr) {
			failure.HomeDirectory = launchErr.HomeDirectory
		}
		a.monitor.ReportFailure(failure)
		return err
	}
	return nil
}

func (a *Agent) startTimeoutDetection(*forgecontext.Context, *protocol.Message, protocol.Operation) error {
	a.monitor.StartTimeoutDetection()
	return nil
}

func (a *Agent) stopTimeoutDetection(*forgecontext.Context, *protocol.Message, protocol.Operation) error {
	a.monitor.StopTimeoutDetection()
	return nil
}

// terminateWorkers asks every connected worker to exit and then stops all worker processes.
func (a *Agent) terminateWorkers(ctx *forgecontext.Context, _ *protocol.Message, _ protocol.Operation) error {
	workers := a.roster.Matching(protocol.WorkerAddress(a.address.AgentIndex(), protocol.AllChildren))
	util.ProcessItemsWithThreadPool(ctx, maxForwardThreads, workers, func(worker protocol.Address) {
		msg, err := protocol.NewMessage(worker, a.address, a.ids.Next(), &protocol.TerminateWorkerOperation{})
		if err != nil {
			ctx.Log.WithError(err).Error("unable to build terminate message")
			return
		}
		if response := a.requestWorker(ctx, worker, msg); !response.IsSuccess() {
			ctx.Log.Warnf("worker %s did not acknowledge termination: %s", worker, response)
		}
	})
	a.launcher.ShutdownAll()
	ctx.Log.Infof("terminated %d workers", len(workers))
	return nil
}
