package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/loadforge/internal/protocol"
)

var failuresReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "loadforge_coordinator_failures_total",
		Help: "Worker failures received by the coordinator, by type",
	},
	[]string{"type"},
)

// FailureCollector is where every failure reported by the agents ends up. Each failure is written to the
// session's failure log; failures of terminal workers mark them finished and release requests waiting on them.
type FailureCollector struct {
	file     string
	registry *ComponentRegistry
	unblock  func(failure *protocol.FailureOperation)
	seen     *cache.Cache
	log      *logrus.Entry

	mu            sync.Mutex
	failures      []*protocol.FailureOperation
	criticalCount int
	critical      chan struct{}
}

func NewFailureCollector(
	outputDirectory string,
	sessionID string,
	registry *ComponentRegistry,
	unblock func(failure *protocol.FailureOperation),
	deduplicationWindow time.Duration,
	log *logrus.Entry,
) (*FailureCollector, error) {
	dir, err := homedir.Expand(outputDirectory)
	if err != nil {
		return nil, errors.Wrapf(err, "expanding %s", outputDirectory)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &FailureCollector{
		file:     filepath.Join(dir, "failures-"+sessionID+".txt"),
		registry: registry,
		unblock:  unblock,
		seen:     cache.New(deduplicationWindow, 2*deduplicationWindow),
		log:      log,
		critical: make(chan struct{}),
	}, nil
}

// Collect records failure. The same occurrence reported again within the deduplication window, e.g. re-sent by an
// agent whose first delivery timed out, is ignored.
func (c *FailureCollector) Collect(failure *protocol.FailureOperation) {
	if err := c.seen.Add(deduplicationKey(failure), struct{}{}, cache.DefaultExpiration); err != nil {
		c.log.Debugf("ignoring repeated failure %s", failure)
		return
	}
	failuresReceived.WithLabelValues(failure.Type.String()).Inc()

	c.mu.Lock()
	c.failures = append(c.failures, failure)
	if failure.Type.IsError() {
		c.criticalCount++
		if c.criticalCount == 1 {
			close(c.critical)
		}
	}
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{"worker": failure.Worker.String(), "type": failure.Type.String()})
	if failure.Type.IsError() {
		log.Errorf("failure: %s", failure)
	} else {
		log.Infof("%s", failure)
	}
	if err := c.append(failure); err != nil {
		log.WithError(err).Error("unable to write failure log")
	}

	if failure.Type.IsTerminal() {
		c.registry.MarkWorkerFinished(failure.Worker)
		if c.unblock != nil {
			c.unblock(failure)
		}
	}
}

func deduplicationKey(failure *protocol.FailureOperation) string {
	return strings.Join([]string{
		failure.Type.String(),
		failure.Worker.String(),
		failure.WorkerID,
		failure.OccurrenceID,
		failure.TestID,
		failure.Cause,
	}, "|")
}

func (c *FailureCollector) append(failure *protocol.FailureOperation) error {
	f, err := os.OpenFile(c.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	entry := fmt.Sprintf("%s %s agent=%s worker=%s workerId=%s test=%s home=%s\n%s\n\n",
		failure.DetectedAt.Format(time.RFC3339Nano),
		failure.Type,
		failure.Agent,
		failure.Worker,
		failure.WorkerID,
		failure.TestID,
		failure.HomeDirectory,
		failure.Cause)
	if _, err := f.WriteString(entry); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

func (c *FailureCollector) File() string {
	return c.file
}

func (c *FailureCollector) Failures() []*protocol.FailureOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.FailureOperation(nil), c.failures...)
}

func (c *FailureCollector) CriticalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.criticalCount
}

// CriticalFailure is closed when the first critical failure is collected.
func (c *FailureCollector) CriticalFailure() <-chan struct{} {
	return c.critical
}
