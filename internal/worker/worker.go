package worker

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/G-Research/loadforge/internal/common/forgecontext"
	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/common/util"
	"github.com/G-Research/loadforge/internal/driver"
	"github.com/G-Research/loadforge/internal/performance"
	"github.com/G-Research/loadforge/internal/protocol"
	"github.com/G-Research/loadforge/internal/worker/configuration"
)

const (
	pidFileName = "worker.pid"

	ExitCodeNormal        = 0
	ExitCodeStartupFailed = 1
	ExitCodeOutOfMemory   = 2
	ExitCodeAgentLost     = 3

	// terminateGracePeriod lets the acknowledgement of a TerminateWorker reach the agent before the connection closes.
	terminateGracePeriod = 200 * time.Millisecond
	testStopTimeout      = 30 * time.Second
)

// Worker is the process an agent launches to run tests. It talks only to its agent.
type Worker struct {
	config  configuration.WorkerConfiguration
	address protocol.Address
	agent   protocol.Address
	clock   util.Clock
	log     *logrus.Entry
	drivers *driver.Registry
	ids     protocol.MessageIDGenerator

	exceptions *ExceptionRecorder
	aggregator *performance.Aggregator
	watchdog   *MemoryWatchdog

	workerDispatcher *protocol.Dispatcher
	testDispatcher   *protocol.Dispatcher

	mu    sync.Mutex
	conn  *protocol.Conn
	tests map[int32]*TestContainer

	done     chan struct{}
	doneOnce sync.Once
	exitCode atomic.Int32
}

func NewWorker(config configuration.WorkerConfiguration, drivers *driver.Registry, clock util.Clock) *Worker {
	address := config.Worker.Address
	agent, _ := address.Parent()
	log := logrus.WithFields(logrus.Fields{"worker": address.String(), "workerId": config.Worker.Id})
	w := &Worker{
		config:     config,
		address:    address,
		agent:      agent,
		clock:      clock,
		log:        log,
		drivers:    drivers,
		exceptions: NewExceptionRecorder(config.Worker.Home),
		tests:      map[int32]*TestContainer{},
		done:       make(chan struct{}),
	}
	w.aggregator = performance.NewAggregator(w.PublishStats, clock, log.WithField("component", "performance"))
	w.watchdog = NewMemoryWatchdog(config.Worker.Home, config.Memory.MaxHeapBytes, func() {
		w.finish(ExitCodeOutOfMemory)
	}, log.WithField("component", "memory"))

	w.workerDispatcher = protocol.NewDispatcher("worker "+address.String()).
		Handle(protocol.KindPing, ping).
		Handle(protocol.KindCreateTest, w.createTest).
		Handle(protocol.KindTerminateWorker, w.terminate)
	w.testDispatcher = protocol.NewDispatcher("test").
		Handle(protocol.KindPing, ping).
		Handle(protocol.KindStartTestPhase, w.startTestPhase).
		Handle(protocol.KindStopTest, w.stopTest)
	return w
}

func ping(*forgecontext.Context, *protocol.Message, protocol.Operation) error {
	return nil
}

func (w *Worker) Address() protocol.Address { return w.address }

// Done is closed when the worker should exit. ExitCode tells with which code.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) ExitCode() int {
	return int(w.exitCode.Load())
}

func (w *Worker) finish(exitCode int) {
	w.doneOnce.Do(func() {
		w.exitCode.Store(int32(exitCode))
		close(w.done)
	})
}

// Connect dials the agent, registers and then announces the worker by writing its pid file.
func (w *Worker) Connect(ctx context.Context) error {
	endpoint := w.config.Worker.AgentEndpoint
	var netConn net.Conn
	err := util.RetryUntilSuccess(ctx, w.config.Connection.Attempts, w.config.Connection.RetryDelay,
		func() error {
			c, err := net.DialTimeout("tcp", endpoint, w.config.Connection.RequestTimeout)
			if err != nil {
				return errors.WithStack(err)
			}
			netConn = c
			return nil
		},
		util.LogRetry("connecting to agent at "+endpoint))
	if err != nil {
		return errors.WithMessagef(err, "connecting to agent at %s", endpoint)
	}

	coordinator := protocol.CoordinatorAddress()
	conn := protocol.NewConn(netConn, protocol.ConnConfig{
		Peer:         w.agent,
		UnblockScope: &coordinator,
		MaxFrameSize: w.config.Connection.MaxFrameSize,
		Handler:      protocol.MessageHandlerFunc(w.handleMessage),
		Log:          w.log.WithField("peer", "agent"),
		OnClose: func(_ *protocol.Conn, err error) {
			w.log.WithError(err).Warn("connection to agent closed")
			w.finish(ExitCodeAgentLost)
		},
	})
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	conn.Start()

	response, err := w.request(ctx, w.agent, &protocol.RegisterWorkerOperation{
		Address:  w.address,
		WorkerID: w.config.Worker.Id,
		Pid:      os.Getpid(),
	})
	if err != nil {
		return errors.WithMessage(err, "registering with agent")
	}
	if address, result, failed := response.FirstFailure(); failed {
		return errors.Errorf("agent answered %s for %s when registering", result, address)
	}
	if err := w.writePidFile(); err != nil {
		return err
	}
	w.log.Infof("registered with %s", w.agent)
	return nil
}

func (w *Worker) writePidFile() error {
	path := filepath.Join(w.config.Worker.Home, pidFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "renaming %s", tmp)
}

func (w *Worker) request(ctx context.Context, destination protocol.Address, op protocol.Operation) (*protocol.Response, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil, errors.WithStack(protocol.ErrConnectionClosed)
	}
	msg, err := protocol.NewMessage(destination, w.address, w.ids.Next(), op)
	if err != nil {
		return nil, err
	}
	requestCtx, cancel := protocol.WithRequestTimeout(ctx, w.config.Connection.RequestTimeout)
	defer cancel()
	return conn.Request(requestCtx, msg)
}

// Heartbeat tells the agent the worker is alive.
func (w *Worker) Heartbeat() {
	_, err := w.request(context.Background(), w.agent, &protocol.HeartbeatOperation{WorkerID: w.config.Worker.Id})
	if err != nil {
		w.log.WithError(err).Warn("heartbeat failed")
	}
}

// PublishStats sends the latest performance stats of the worker's tests to the coordinator.
func (w *Worker) PublishStats(stats map[string]performance.Stats) error {
	response, err := w.request(context.Background(), protocol.CoordinatorAddress(), &protocol.PerformanceStatsOperation{Stats: stats})
	if err != nil {
		return err
	}
	if address, result, failed := response.FirstFailure(); failed {
		return errors.Errorf("%s answered %s", address, result)
	}
	return nil
}

// Stop stops every test, closes the performance logs and disconnects from the agent.
func (w *Worker) Stop() {
	w.mu.Lock()
	tests := maps.Values(w.tests)
	conn := w.conn
	w.mu.Unlock()

	for _, test := range tests {
		if err := test.Stop(testStopTimeout); err != nil {
			w.log.WithError(err).Warn("unable to stop test")
		}
	}
	if err := w.aggregator.Close(); err != nil {
		w.log.WithError(err).Warn("unable to close performance logs")
	}
	if conn != nil {
		util.CloseResource("agent connection", conn)
	}
}

func (w *Worker) handleMessage(ctx *forgecontext.Context, _ *protocol.Conn, msg *protocol.Message) *protocol.Response {
	destination := msg.Destination()
	switch {
	case destination == w.address:
		return w.workerDispatcher.Dispatch(ctx, msg)
	case destination.Level() == protocol.TestLevel && w.address.Covers(destination):
		return w.dispatchToTests(ctx, msg)
	default:
		ctx.Log.Warnf("%s is not for this worker", msg)
		return protocol.NewResponseWithPart(msg.MessageID(), destination, protocol.NotFoundResult(destination.Level()))
	}
}

// dispatchToTests executes msg for every test its destination covers, answering once per test.
func (w *Worker) dispatchToTests(ctx *forgecontext.Context, msg *protocol.Message) *protocol.Response {
	response := protocol.NewResponse(msg.MessageID())
	tests := w.matchingTests(msg.Destination())
	if len(tests) == 0 {
		return response.AddPart(msg.Destination(), protocol.FailureTestNotFound)
	}
	for _, test := range tests {
		testCtx := forgecontext.WithLogField(ctx, "test", test.ID())
		response.AddPart(test.Address(), w.testDispatcher.Execute(testCtx, msg.Readdress(test.Address(), msg.MessageID())))
	}
	return response
}

func (w *Worker) matchingTests(pattern protocol.Address) []*TestContainer {
	w.mu.Lock()
	defer w.mu.Unlock()
	var tests []*TestContainer
	for _, test := range w.tests {
		if pattern.Covers(test.Address()) {
			tests = append(tests, test)
		}
	}
	sort.Slice(tests, func(i, j int) bool {
		return tests[i].Address().TestIndex() < tests[j].Address().TestIndex()
	})
	return tests
}

func (w *Worker) test(address protocol.Address) (*TestContainer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	test, ok := w.tests[address.TestIndex()]
	if !ok {
		return nil, &forgeerrors.ErrNotFound{Type: "test", Value: address.String()}
	}
	return test, nil
}

func (w *Worker) createTest(ctx *forgecontext.Context, _ *protocol.Message, op protocol.Operation) error {
	create := op.(*protocol.CreateTestOperation)
	if create.TestIndex <= 0 {
		return &forgeerrors.ErrInvalidArgument{Name: "testIndex", Value: create.TestIndex, Message: "must be positive"}
	}
	if create.TestID == "" {
		return &forgeerrors.ErrInvalidArgument{Name: "testId", Value: create.TestID, Message: "must not be empty"}
	}
	workload, err := w.drivers.New(create.Workload)
	if err != nil {
		return err
	}
	address := protocol.TestAddress(w.address.AgentIndex(), w.address.WorkerIndex(), create.TestIndex)
	log := w.log.WithField("test", create.TestID)

	w.mu.Lock()
	if _, exists := w.tests[create.TestIndex]; exists {
		w.mu.Unlock()
		return &forgeerrors.ErrAlreadyExists{Type: "test", Value: address.String()}
	}
	w.tests[create.TestIndex] = NewTestContainer(address, create.TestID, workload, create.Properties, w.exceptions, log)
	w.mu.Unlock()

	ctx.Log.Infof("created test %s at %s running %s", create.TestID, address, create.Workload)
	return nil
}

func (w *Worker) startTestPhase(ctx *forgecontext.Context, msg *protocol.Message, op protocol.Operation) error {
	test, err := w.test(msg.Destination())
	if err != nil {
		return err
	}
	switch phase := op.(*protocol.StartTestPhaseOperation).Phase; phase {
	case protocol.PhaseSetup:
		return test.Setup(ctx)
	case protocol.PhaseRun:
		// measuring starts with the run phase, setup operations are not counted
		tracker := performance.NewTracker(test.ID(), test.Probes(), w.config.Worker.Home, w.log.WithField("test", test.ID()))
		return test.StartRun(func() {
			tracker.Start(w.clock.Now())
			w.aggregator.Add(tracker)
		})
	case protocol.PhaseTeardown:
		err := test.Teardown(ctx, testStopTimeout)
		w.mu.Lock()
		delete(w.tests, test.Address().TestIndex())
		w.mu.Unlock()
		// the last interval is published before the tracker goes
		w.aggregator.Tick()
		w.aggregator.Remove(test.ID())
		return err
	default:
		return &forgeerrors.ErrInvalidArgument{Name: "phase", Value: phase, Message: "unknown test phase"}
	}
}

func (w *Worker) stopTest(_ *forgecontext.Context, msg *protocol.Message, _ protocol.Operation) error {
	test, err := w.test(msg.Destination())
	if err != nil {
		return err
	}
	return test.Stop(testStopTimeout)
}

func (w *Worker) terminate(ctx *forgecontext.Context, _ *protocol.Message, _ protocol.Operation) error {
	ctx.Log.Info("terminating on request")
	time.AfterFunc(terminateGracePeriod, func() {
		w.finish(ExitCodeNormal)
	})
	return nil
}
