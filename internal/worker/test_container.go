package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/common/logging"
	"github.com/G-Research/loadforge/internal/driver"
	"github.com/G-Research/loadforge/internal/performance"
	"github.com/G-Research/loadforge/internal/protocol"
)

// TestContainer drives one workload through its phases. Run errors and panics are recorded as exceptions rather
// than returned, since nobody is waiting on the run phase.
type TestContainer struct {
	address    protocol.Address
	id         string
	workload   driver.Workload
	properties map[string]string
	exceptions *ExceptionRecorder
	log        *logrus.Entry

	mu        sync.Mutex
	cancelRun context.CancelFunc
	runDone   chan struct{}
	tornDown  bool
}

func NewTestContainer(
	address protocol.Address,
	id string,
	workload driver.Workload,
	properties map[string]string,
	exceptions *ExceptionRecorder,
	log *logrus.Entry,
) *TestContainer {
	return &TestContainer{
		address:    address,
		id:         id,
		workload:   workload,
		properties: properties,
		exceptions: exceptions,
		log:        log,
	}
}

func (c *TestContainer) Address() protocol.Address { return c.address }
func (c *TestContainer) ID() string                { return c.id }

func (c *TestContainer) Setup(ctx context.Context) error {
	c.log.Info("setting up")
	return errors.WithMessagef(c.workload.Setup(ctx, c.properties), "setting up test %s", c.id)
}

func (c *TestContainer) Probes() []*performance.Probe { return c.workload.Probes() }

// StartRun runs the workload in the background until Stop is called or the workload returns. beforeRun is called
// once the run is accepted and before the workload starts.
func (c *TestContainer) StartRun(beforeRun func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return &forgeerrors.ErrInvalidArgument{Name: "phase", Value: protocol.PhaseRun, Message: "test " + c.id + " was torn down"}
	}
	if c.runDone != nil {
		return &forgeerrors.ErrAlreadyExists{Type: "test run", Value: c.id}
	}
	if beforeRun != nil {
		beforeRun()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	c.runDone = make(chan struct{})
	go c.run(ctx, c.runDone)
	c.log.Info("running")
	return nil
}

func (c *TestContainer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = errors.Errorf("%v", r)
			}
			c.recordException(errors.WithStack(err))
		}
	}()
	err := c.workload.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.recordException(err)
	}
}

func (c *TestContainer) recordException(err error) {
	logging.WithStacktrace(c.log, err).Error("test failed")
	if _, recordErr := c.exceptions.Record(c.id, err); recordErr != nil {
		c.log.WithError(recordErr).Error("unable to record exception")
	}
}

// Stop cancels the run phase and waits up to timeout for the workload to return.
func (c *TestContainer) Stop(timeout time.Duration) error {
	c.mu.Lock()
	cancel, done := c.cancelRun, c.runDone
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		c.log.Info("stopped")
		return nil
	case <-time.After(timeout):
		return errors.Errorf("test %s did not stop within %s", c.id, timeout)
	}
}

func (c *TestContainer) Teardown(ctx context.Context, stopTimeout time.Duration) error {
	if err := c.Stop(stopTimeout); err != nil {
		return err
	}
	c.mu.Lock()
	c.tornDown = true
	c.mu.Unlock()
	c.log.Info("tearing down")
	return errors.WithMessagef(c.workload.Teardown(ctx), "tearing down test %s", c.id)
}
