package agent

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/loadforge/internal/agent/configuration"
	"github.com/G-Research/loadforge/internal/agent/monitor"
	"github.com/G-Research/loadforge/internal/agent/process"
	"github.com/G-Research/loadforge/internal/common/forgecontext"
	"github.com/G-Research/loadforge/internal/common/util"
	"github.com/G-Research/loadforge/internal/protocol"
)

// maxForwardThreads bounds how many workers a single message is forwarded to concurrently.
const maxForwardThreads = 16

// Agent runs on every load generating host. It accepts one coordinator connection, launches and supervises
// workers, routes coordinator messages down to them and relays their messages back up.
type Agent struct {
	config  configuration.AgentConfiguration
	address protocol.Address
	clock   util.Clock
	log     *logrus.Entry

	table    *process.Table
	launcher *process.Launcher
	monitor  *monitor.FailureMonitor
	roster   *Roster
	ids      protocol.MessageIDGenerator

	coordinatorDispatcher *protocol.Dispatcher

	mu                  sync.Mutex
	coordinator         *protocol.Conn
	coordinatorListener net.Listener
	workerListener      net.Listener
	conns               map[*protocol.Conn]struct{}
	running             bool
	acceptors           sync.WaitGroup
}

func NewAgent(config configuration.AgentConfiguration, clock util.Clock) *Agent {
	address := protocol.AgentAddress(config.Application.AgentIndex)
	a := &Agent{
		config:  config,
		address: address,
		clock:   clock,
		log:     logrus.WithField("agent", address.String()),
		table:   process.NewTable(),
		roster:  NewRoster(),
		conns:   map[*protocol.Conn]struct{}{},
	}
	a.monitor = monitor.NewFailureMonitor(
		address,
		a.table,
		a,
		a.onTerminalFailure,
		clock,
		config.Task.HeartbeatTimeout,
		a.log.WithField("component", "failure_monitor"),
	)
	a.coordinatorDispatcher = protocol.NewDispatcher("agent "+address.String()).
		Handle(protocol.KindPing, ping).
		Handle(protocol.KindInitSession, a.initSession).
		Handle(protocol.KindCreateWorker, a.createWorker).
		Handle(protocol.KindStartTimeoutDetection, a.startTimeoutDetection).
		Handle(protocol.KindStopTimeoutDetection, a.stopTimeoutDetection).
		Handle(protocol.KindTerminateWorkers, a.terminateWorkers)
	return a
}

func (a *Agent) Address() protocol.Address {
	return a.address
}

// Start opens both listeners. Workers are told to connect to the address the worker listener is bound to.
func (a *Agent) Start() error {
	coordinatorListener, err := net.Listen("tcp", a.config.Listen.Coordinator)
	if err != nil {
		return errors.Wrapf(err, "listening for the coordinator on %s", a.config.Listen.Coordinator)
	}
	workerListener, err := net.Listen("tcp", a.config.Listen.Worker)
	if err != nil {
		util.CloseResource("coordinator listener", coordinatorListener)
		return errors.Wrapf(err, "listening for workers on %s", a.config.Listen.Worker)
	}

	a.launcher = process.NewLauncher(process.LauncherConfig{
		WorkDirectory:   a.config.Worker.WorkDirectory,
		StartupTimeout:  a.config.Worker.StartupTimeout,
		ShutdownTimeout: a.config.Worker.ShutdownTimeout,
		AgentEndpoint:   workerListener.Addr().String(),
		Env:             a.config.Worker.Env,
	}, a.table, a.log.WithField("component", "launcher"))

	a.mu.Lock()
	a.coordinatorListener = coordinatorListener
	a.workerListener = workerListener
	a.running = true
	a.mu.Unlock()

	a.acceptors.Add(2)
	go a.accept(coordinatorListener, a.acceptCoordinator)
	go a.accept(workerListener, a.acceptWorker)
	a.log.Infof("listening for the coordinator on %s and for workers on %s", coordinatorListener.Addr(), workerListener.Addr())
	return nil
}

func (a *Agent) CoordinatorListenAddr() net.Addr {
	return a.coordinatorListener.Addr()
}

func (a *Agent) WorkerListenAddr() net.Addr {
	return a.workerListener.Addr()
}

// Check fails unless the agent is accepting connections.
func (a *Agent) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return errors.Errorf("agent %s is not accepting connections", a.address)
	}
	return nil
}

// ScanForFailures runs one round of the failure monitor.
func (a *Agent) ScanForFailures() {
	a.monitor.Scan()
}

// Stop closes the listeners and every connection, then shuts down all workers.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.running = false
	listeners := []net.Listener{a.coordinatorListener, a.workerListener}
	conns := make([]*protocol.Conn, 0, len(a.conns))
	for conn := range a.conns {
		conns = append(conns, conn)
	}
	a.mu.Unlock()

	for _, listener := range listeners {
		if listener != nil {
			util.CloseResource("listener", listener)
		}
	}
	for _, conn := range conns {
		util.CloseResource("connection", conn)
	}
	if a.launcher != nil {
		a.launcher.ShutdownAll()
	}
	a.acceptors.Wait()
	a.log.Info("agent stopped")
}

func (a *Agent) accept(listener net.Listener, handle func(net.Conn)) {
	defer a.acceptors.Done()
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.WithError(err).Warnf("failed to accept connection on %s", listener.Addr())
			continue
		}
		handle(netConn)
	}
}

func (a *Agent) acceptCoordinator(netConn net.Conn) {
	conn := protocol.NewConn(netConn, protocol.ConnConfig{
		Peer:         protocol.CoordinatorAddress(),
		MaxFrameSize: a.config.Protocol.MaxFrameSize,
		Handler:      protocol.MessageHandlerFunc(a.handleCoordinatorMessage),
		Log:          a.log.WithField("peer", "coordinator"),
		OnClose: func(conn *protocol.Conn, err error) {
			a.mu.Lock()
			delete(a.conns, conn)
			if a.coordinator == conn {
				a.coordinator = nil
			}
			a.mu.Unlock()
			a.log.Info("coordinator disconnected")
		},
	})

	a.mu.Lock()
	previous := a.coordinator
	a.coordinator = conn
	a.conns[conn] = struct{}{}
	a.mu.Unlock()

	if previous != nil {
		a.log.Warnf("coordinator reconnected from %s, closing the previous connection", conn.RemoteAddr())
		util.CloseResource("coordinator connection", previous)
	}
	a.log.Infof("coordinator connected from %s", conn.RemoteAddr())
	conn.Start()
}

func (a *Agent) acceptWorker(netConn net.Conn) {
	var conn *protocol.Conn
	dispatcher := protocol.NewDispatcher("agent "+a.address.String()).
		Handle(protocol.KindRegisterWorker, func(ctx *forgecontext.Context, msg *protocol.Message, op protocol.Operation) error {
			return a.registerWorker(ctx, conn, op.(*protocol.RegisterWorkerOperation))
		}).
		Handle(protocol.KindHeartbeat, ping).
		Handle(protocol.KindPing, ping)

	conn = protocol.NewConn(netConn, protocol.ConnConfig{
		// the peer becomes the worker's address once it registers
		Peer:         a.address,
		MaxFrameSize: a.config.Protocol.MaxFrameSize,
		Log:          a.log.WithField("peer", "worker"),
		OnFrame: func() {
			a.workerSeen(conn)
		},
		OnClose: func(conn *protocol.Conn, err error) {
			a.mu.Lock()
			delete(a.conns, conn)
			a.mu.Unlock()
			if peer := conn.Peer(); peer.Level() == protocol.WorkerLevel && a.roster.Remove(peer, conn) {
				a.log.Infof("worker %s disconnected", peer)
			}
		},
		Handler: protocol.MessageHandlerFunc(func(ctx *forgecontext.Context, _ *protocol.Conn, msg *protocol.Message) *protocol.Response {
			return a.handleWorkerMessage(ctx, msg, dispatcher)
		}),
	})

	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()
	conn.Start()
}

func (a *Agent) workerSeen(conn *protocol.Conn) {
	peer := conn.Peer()
	if peer.Level() != protocol.WorkerLevel {
		return
	}
	if wp, ok := a.table.Get(peer); ok {
		wp.UpdateLastSeen(a.clock.Now())
	}
}

func (a *Agent) coordinatorConn() *protocol.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coordinator
}

// onTerminalFailure releases requests still waiting on a worker that will not answer any more and stops routing
// to it.
func (a *Agent) onTerminalFailure(wp *process.WorkerProcess, _ *protocol.FailureOperation) {
	conn, ok := a.roster.Get(wp.Address())
	if !ok {
		return
	}
	a.roster.Remove(wp.Address(), conn)
	if unblocked := conn.Registry().UnblockOnFailure(wp.Address()); unblocked > 0 {
		a.log.Infof("unblocked %d requests waiting on %s", unblocked, wp.Address())
	}
}
