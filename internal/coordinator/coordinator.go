package coordinator

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/loadforge/internal/common/forgecontext"
	"github.com/G-Research/loadforge/internal/common/util"
	"github.com/G-Research/loadforge/internal/coordinator/configuration"
	"github.com/G-Research/loadforge/internal/protocol"
)

// Coordinator drives a session. It holds one connection per agent and collects the failures and performance
// stats that the agents relay from their workers.
type Coordinator struct {
	config    configuration.CoordinatorConfiguration
	sessionID string
	address   protocol.Address
	log       *logrus.Entry

	registry   *ComponentRegistry
	failures   *FailureCollector
	stats      *PerformanceStatsCollector
	dispatcher *protocol.Dispatcher
	ids        protocol.MessageIDGenerator

	mu     sync.RWMutex
	agents map[int32]*protocol.Conn
}

func NewCoordinator(config configuration.CoordinatorConfiguration, sessionID string) (*Coordinator, error) {
	log := logrus.WithField("session", sessionID)
	c := &Coordinator{
		config:    config,
		sessionID: sessionID,
		address:   protocol.CoordinatorAddress(),
		log:       log,
		registry:  NewComponentRegistry(),
		stats:     NewPerformanceStatsCollector(log.WithField("component", "performance")),
		agents:    map[int32]*protocol.Conn{},
	}
	failures, err := NewFailureCollector(
		config.Session.OutputDirectory,
		sessionID,
		c.registry,
		c.unblockOnFailure,
		config.Failures.DeduplicationWindow,
		log.WithField("component", "failures"),
	)
	if err != nil {
		return nil, err
	}
	c.failures = failures
	c.dispatcher = protocol.NewDispatcher("coordinator").
		Handle(protocol.KindPing, ping).
		Handle(protocol.KindFailure, c.failure).
		Handle(protocol.KindPerformanceStats, c.performanceStats)
	return c, nil
}

func (c *Coordinator) SessionID() string {
	return c.sessionID
}

func (c *Coordinator) Registry() *ComponentRegistry {
	return c.registry
}

func (c *Coordinator) Failures() *FailureCollector {
	return c.failures
}

func (c *Coordinator) Stats() *PerformanceStatsCollector {
	return c.stats
}

// Connect dials every configured agent and starts the session on all of them.
func (c *Coordinator) Connect(ctx context.Context) error {
	for i, endpoint := range c.config.Agents {
		index := int32(i + 1)
		if err := c.connectAgent(ctx, index, endpoint); err != nil {
			return err
		}
	}

	response, err := c.Send(ctx, protocol.AgentAddress(protocol.AllChildren), &protocol.InitSessionOperation{SessionID: c.sessionID})
	if err := checkResponse("initialising session", response, err); err != nil {
		return err
	}
	c.log.Infof("session %s started on %d agents", c.sessionID, len(c.config.Agents))
	return nil
}

func (c *Coordinator) connectAgent(ctx context.Context, index int32, endpoint string) error {
	var netConn net.Conn
	err := util.RetryUntilSuccess(ctx, c.config.Connection.Attempts, c.config.Connection.RetryDelay,
		func() error {
			dialer := net.Dialer{Timeout: c.config.Connection.RequestTimeout}
			conn, err := dialer.DialContext(ctx, "tcp", endpoint)
			if err != nil {
				return errors.WithStack(err)
			}
			netConn = conn
			return nil
		},
		util.LogRetry("connecting to agent at "+endpoint))
	if err != nil {
		return errors.WithMessagef(err, "connecting to agent %d at %s", index, endpoint)
	}

	address := protocol.AgentAddress(index)
	allAgents := protocol.AgentAddress(protocol.AllChildren)
	conn := protocol.NewConn(netConn, protocol.ConnConfig{
		Peer:         address,
		UnblockScope: &allAgents,
		MaxFrameSize: c.config.Connection.MaxFrameSize,
		Handler:      protocol.MessageHandlerFunc(c.handleMessage),
		Log:          c.log.WithField("agent", address.String()),
		OnClose: func(conn *protocol.Conn, err error) {
			c.mu.Lock()
			if c.agents[index] == conn {
				delete(c.agents, index)
			}
			c.mu.Unlock()
			c.log.WithError(err).Warnf("lost connection to %s", address)
		},
	})

	c.mu.Lock()
	c.agents[index] = conn
	c.mu.Unlock()
	c.registry.AddAgent(address, endpoint)
	conn.Start()
	c.log.Infof("connected to %s at %s", address, endpoint)
	return nil
}

// Send delivers op to destination and waits up to the configured request timeout for the merged response.
func (c *Coordinator) Send(ctx context.Context, destination protocol.Address, op protocol.Operation) (*protocol.Response, error) {
	return c.SendWithTimeout(ctx, destination, op, c.config.Connection.RequestTimeout)
}

// SendWithTimeout delivers op to every agent destination selects. The same message id is used on every agent
// connection and the parts of all replies are merged into one response. An agent that is not connected adds a
// FailureAgentNotFound part.
func (c *Coordinator) SendWithTimeout(
	ctx context.Context,
	destination protocol.Address,
	op protocol.Operation,
	timeout time.Duration,
) (*protocol.Response, error) {
	if destination.Level() == protocol.CoordinatorLevel {
		return nil, errors.Errorf("cannot send %s to the coordinator itself", op.Kind())
	}
	msg, err := protocol.NewMessage(destination, c.address, c.ids.Next(), op)
	if err != nil {
		return nil, err
	}

	response := protocol.NewResponse(msg.MessageID())
	conns := c.agentConns(destination.AgentIndex())
	if len(conns) == 0 {
		notFound := destination
		if destination.AgentIndex() != protocol.AllChildren {
			notFound = protocol.AgentAddress(destination.AgentIndex())
		}
		return response.AddPart(notFound, protocol.FailureAgentNotFound), nil
	}

	var mu sync.Mutex
	var group errgroup.Group
	for _, conn := range conns {
		conn := conn
		group.Go(func() error {
			requestCtx, cancel := protocol.WithRequestTimeout(ctx, timeout)
			defer cancel()
			reply, err := conn.Request(requestCtx, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				response.AddPart(conn.Peer(), protocol.ExceptionDuringOperation)
				return errors.WithMessagef(err, "sending %s to %s", msg, conn.Peer())
			}
			response.AddAllParts(reply)
			return nil
		})
	}
	return response, group.Wait()
}

func (c *Coordinator) agentConns(agentIndex int32) []*protocol.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if agentIndex != protocol.AllChildren {
		if conn, ok := c.agents[agentIndex]; ok {
			return []*protocol.Conn{conn}
		}
		return nil
	}
	indices := maps.Keys(c.agents)
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	conns := make([]*protocol.Conn, 0, len(indices))
	for _, index := range indices {
		conns = append(conns, c.agents[index])
	}
	return conns
}

// ConnectedAgents returns the addresses of the agents with an open connection.
func (c *Coordinator) ConnectedAgents() []protocol.Address {
	conns := c.agentConns(protocol.AllChildren)
	addresses := make([]protocol.Address, 0, len(conns))
	for _, conn := range conns {
		addresses = append(addresses, conn.Peer())
	}
	return addresses
}

// Close drops every agent connection.
func (c *Coordinator) Close() {
	for _, conn := range c.agentConns(protocol.AllChildren) {
		util.CloseResource("agent connection", conn)
	}
}

func (c *Coordinator) handleMessage(ctx *forgecontext.Context, _ *protocol.Conn, msg *protocol.Message) *protocol.Response {
	if msg.Destination().Level() != protocol.CoordinatorLevel {
		ctx.Log.Warnf("cannot route %s from an agent", msg)
		return protocol.NewResponseWithPart(msg.MessageID(), msg.Destination(), protocol.NotFoundResult(msg.Destination().Level()))
	}
	return c.dispatcher.Dispatch(ctx, msg)
}

func (c *Coordinator) failure(_ *forgecontext.Context, _ *protocol.Message, op protocol.Operation) error {
	c.failures.Collect(op.(*protocol.FailureOperation))
	return nil
}

func (c *Coordinator) performanceStats(_ *forgecontext.Context, msg *protocol.Message, op protocol.Operation) error {
	c.stats.Update(msg.Source(), op.(*protocol.PerformanceStatsOperation).Stats)
	return nil
}

// unblockOnFailure releases the requests waiting on a worker that will never answer.
func (c *Coordinator) unblockOnFailure(failure *protocol.FailureOperation) {
	conns := c.agentConns(failure.Worker.AgentIndex())
	for _, conn := range conns {
		if unblocked := conn.Registry().UnblockOnFailure(failure.Worker); unblocked > 0 {
			c.log.Infof("unblocked %d requests waiting on %s", unblocked, failure.Worker)
		}
	}
}

func ping(*forgecontext.Context, *protocol.Message, protocol.Operation) error {
	return nil
}

// checkResponse turns a transport error or a failed part into an error describing action.
func checkResponse(action string, response *protocol.Response, err error) error {
	if err != nil {
		return errors.WithMessage(err, action)
	}
	if address, result, failed := response.FirstFailure(); failed {
		return errors.Errorf("%s: %s answered %s", action, address, result)
	}
	if response.Size() == 0 {
		return errors.Errorf("%s: no component answered", action)
	}
	return nil
}
