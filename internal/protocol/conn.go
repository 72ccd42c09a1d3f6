package protocol

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/loadforge/internal/common/forgecontext"
	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/common/logging"
)

var ErrConnectionClosed = errors.New("connection closed")

// MessageHandler handles a message received on a connection. The returned response is written back to the sender;
// nil means no response.
type MessageHandler interface {
	HandleMessage(ctx *forgecontext.Context, conn *Conn, msg *Message) *Response
}

type MessageHandlerFunc func(ctx *forgecontext.Context, conn *Conn, msg *Message) *Response

func (f MessageHandlerFunc) HandleMessage(ctx *forgecontext.Context, conn *Conn, msg *Message) *Response {
	return f(ctx, conn, msg)
}

type ConnConfig struct {
	// Peer is the component at the other end. It may be set later with SetPeer, e.g. once a worker registers.
	Peer Address
	// When the connection closes, pending futures whose destination is covered by UnblockScope are unblocked.
	// Defaults to Peer.
	UnblockScope *Address
	MaxFrameSize int
	Registry     *Registry
	Handler      MessageHandler
	Log          *logrus.Entry
	// OnFrame is called for every frame read.
	OnFrame func()
	// OnClose is called once, after the connection is closed. err is nil for a clean close.
	OnClose func(conn *Conn, err error)
}

// Conn carries messages and responses in both directions over one net.Conn.
// A single goroutine reads frames: responses resolve the registry, messages are handed to the handler on their own
// goroutine so that a slow handler never stalls the reader.
type Conn struct {
	netConn  net.Conn
	config   ConnConfig
	registry *Registry
	log      *logrus.Entry

	peerMu sync.RWMutex
	peer   Address

	writeMu sync.Mutex

	ctx       *forgecontext.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewConn(netConn net.Conn, config ConnConfig) *Conn {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	if config.Log == nil {
		config.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := config.Log.WithField("remote", netConn.RemoteAddr().String())
	ctx, cancel := forgecontext.WithCancel(forgecontext.New(context.Background(), log))
	return &Conn{
		netConn:  netConn,
		config:   config,
		registry: config.Registry,
		log:      log,
		peer:     config.Peer,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start begins reading frames.
func (c *Conn) Start() {
	go c.readLoop()
}

func (c *Conn) Peer() Address {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peer
}

func (c *Conn) SetPeer(peer Address) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	c.peer = peer
}

func (c *Conn) Registry() *Registry {
	return c.registry
}

// Done is closed when the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed: nil while open or after a clean close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Send writes msg without waiting for a response.
func (c *Conn) Send(msg *Message) error {
	return c.writeFrame(EncodeMessage(msg), false)
}

// Request sends msg and waits for its response. When ctx expires the future stays registered, so a late response
// is still consumed.
func (c *Conn) Request(ctx context.Context, msg *Message) (*Response, error) {
	future, err := c.SendAsync(msg)
	if err != nil {
		return nil, err
	}
	return future.Await(ctx)
}

// SendAsync sends msg and returns the future that its response will resolve.
func (c *Conn) SendAsync(msg *Message) (*Future, error) {
	key := FutureKey{MessageID: msg.MessageID(), AddressIndex: c.Peer().AddressIndex()}
	future, err := c.registry.Create(key, msg.Destination())
	if err != nil {
		return nil, err
	}
	if err := c.Send(msg); err != nil {
		c.registry.Remove(key)
		return nil, err
	}
	// the connection may have closed between Create and Send, after its futures were unblocked
	select {
	case <-c.done:
		c.registry.Resolve(key, NewResponseWithPart(msg.MessageID(), msg.Destination(), UnblockedByFailure))
	default:
	}
	return future, nil
}

// Close sends the terminal response to the peer and closes the connection.
func (c *Conn) Close() error {
	c.shutdown(nil, true)
	return nil
}

func (c *Conn) writeFrame(frame []byte, isResponse bool) error {
	select {
	case <-c.done:
		return errors.WithStack(ErrConnectionClosed)
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.netConn.Write(frame); err != nil {
		return errors.Wrapf(err, "writing to %s", c.netConn.RemoteAddr())
	}
	framesSent.WithLabelValues(frameType(isResponse)).Inc()
	return nil
}

func (c *Conn) readLoop() {
	reader := bufio.NewReader(c.netConn)
	for {
		frame, err := ReadFrame(reader, c.config.MaxFrameSize)
		if err != nil {
			c.shutdown(readError(err), false)
			return
		}
		isResponse := IsResponseFrame(frame)
		framesReceived.WithLabelValues(frameType(isResponse)).Inc()
		if c.config.OnFrame != nil {
			c.config.OnFrame()
		}

		if isResponse {
			response, err := DecodeResponse(frame)
			if err != nil {
				c.shutdown(err, false)
				return
			}
			if response.IsTerminal() {
				c.shutdown(nil, false)
				return
			}
			key := FutureKey{MessageID: response.MessageID(), AddressIndex: c.Peer().AddressIndex()}
			if !c.registry.Resolve(key, response) {
				c.log.Debugf("discarding response %d with no pending request", response.MessageID())
			}
			continue
		}

		msg, err := DecodeMessage(frame)
		if err != nil {
			c.shutdown(err, false)
			return
		}
		go c.handle(msg)
	}
}

func (c *Conn) handle(msg *Message) {
	if c.config.Handler == nil {
		c.reply(NewResponseWithPart(msg.MessageID(), msg.Destination(), UnsupportedOperation))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = errors.Errorf("%v", r)
			}
			logging.WithStacktrace(c.log, errors.WithStack(err)).Errorf("handler panicked on %s", msg)
			c.reply(NewResponseWithPart(msg.MessageID(), msg.Destination(), ExceptionDuringOperation))
		}
	}()
	response := c.config.Handler.HandleMessage(c.ctx, c, msg)
	if response != nil {
		c.reply(response)
	}
}

func (c *Conn) reply(response *Response) {
	if err := c.writeFrame(EncodeResponse(response), true); err != nil {
		c.log.WithError(err).Warnf("unable to send response %d", response.MessageID())
	}
}

func (c *Conn) shutdown(err error, sendTerminal bool) {
	c.closeOnce.Do(func() {
		if sendTerminal {
			c.writeMu.Lock()
			_, _ = c.netConn.Write(EncodeResponse(TerminalResponse()))
			c.writeMu.Unlock()
		}
		c.closeErr = err
		close(c.done)
		c.cancel()
		_ = c.netConn.Close()

		var protocolErr *forgeerrors.ErrProtocol
		if errors.As(err, &protocolErr) {
			protocolErrors.Inc()
			logging.WithStacktrace(c.log, err).Error("closing connection after protocol error")
		} else if err != nil {
			c.log.WithError(err).Info("connection closed")
		}

		scope := c.Peer()
		if c.config.UnblockScope != nil {
			scope = *c.config.UnblockScope
		}
		if unblocked := c.registry.UnblockOnFailure(scope); unblocked > 0 {
			c.log.Infof("unblocked %d pending requests to %s", unblocked, scope)
		}
		if c.config.OnClose != nil {
			c.config.OnClose(c, err)
		}
	})
}

// readError hides the errors that just mean the other side went away.
func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
