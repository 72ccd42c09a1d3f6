package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-zglob"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/loadforge/internal/agent/process"
	"github.com/G-Research/loadforge/internal/common/logging"
	"github.com/G-Research/loadforge/internal/common/util"
	"github.com/G-Research/loadforge/internal/protocol"
)

const (
	ExceptionFileSuffix   = ".exception"
	SendFailureFileSuffix = ".sendFailure"
	OOMEFileName          = "worker.oome"
	nullTestID            = "null"
)

var failuresDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "loadforge_agent_failures_detected_total",
		Help: "Worker failures detected by the failure monitor, by type",
	},
	[]string{"type"},
)

// Reporter delivers a failure to the coordinator. An error means the failure was not delivered.
type Reporter interface {
	ReportFailure(failure *protocol.FailureOperation) error
}

// TerminalFailureHandler is called once for a worker that will not respond again.
type TerminalFailureHandler func(wp *process.WorkerProcess, failure *protocol.FailureOperation)

// FailureMonitor periodically inspects every worker in the process table and reports what went wrong with it.
// Scans are serialised, so failures of one worker are reported in the order they were detected.
type FailureMonitor struct {
	agent            protocol.Address
	table            *process.Table
	reporter         Reporter
	onTerminal       TerminalFailureHandler
	clock            util.Clock
	heartbeatTimeout time.Duration
	log              *logrus.Entry

	timeoutDetection atomic.Bool

	scanMutex sync.Mutex
	// multiple of the heartbeat timeout last reported per worker
	timeoutReports map[protocol.Address]int64
	// failures not yet delivered, oldest first
	outbox []pendingReport
	// exception files whose failure is in the outbox
	pendingFiles map[string]bool
}

// pendingReport is an undelivered failure. file, when set, is the exception file to remove once it is delivered.
type pendingReport struct {
	failure *protocol.FailureOperation
	file    string
}

func NewFailureMonitor(
	agent protocol.Address,
	table *process.Table,
	reporter Reporter,
	onTerminal TerminalFailureHandler,
	clock util.Clock,
	heartbeatTimeout time.Duration,
	log *logrus.Entry,
) *FailureMonitor {
	return &FailureMonitor{
		agent:            agent,
		table:            table,
		reporter:         reporter,
		onTerminal:       onTerminal,
		clock:            clock,
		heartbeatTimeout: heartbeatTimeout,
		log:              log,
		timeoutReports:   map[protocol.Address]int64{},
		pendingFiles:     map[string]bool{},
	}
}

func (m *FailureMonitor) StartTimeoutDetection() {
	m.log.Info("heartbeat timeout detection started")
	m.timeoutDetection.Store(true)
}

func (m *FailureMonitor) StopTimeoutDetection() {
	m.log.Info("heartbeat timeout detection stopped")
	m.timeoutDetection.Store(false)
}

// PendingReports is the number of failures waiting to be re-sent.
func (m *FailureMonitor) PendingReports() int {
	m.scanMutex.Lock()
	defer m.scanMutex.Unlock()
	return len(m.outbox)
}

// Scan runs one round of failure detection over all workers, in address order.
func (m *FailureMonitor) Scan() {
	m.scanMutex.Lock()
	defer m.scanMutex.Unlock()

	m.flushOutbox()
	for _, wp := range m.table.All() {
		if err := m.scanWorker(wp); err != nil {
			logging.WithStacktrace(m.log.WithField("worker", wp.Address().String()), err).
				Error("failure scan of worker did not complete")
		}
	}
}

func (m *FailureMonitor) scanWorker(wp *process.WorkerProcess) error {
	if err := m.detectExceptions(wp); err != nil {
		return err
	}
	// an out of memory worker is expected to stop heartbeating and exit, which would only repeat the failure
	if wp.IsOOMEDetected() {
		return nil
	}
	detected, err := m.detectOOME(wp)
	if err != nil || detected {
		return err
	}
	m.detectInactivity(wp)
	m.detectExit(wp)
	return nil
}

func (m *FailureMonitor) detectExceptions(wp *process.WorkerProcess) error {
	files, err := exceptionFiles(wp.HomeDirectory())
	if err != nil {
		return err
	}
	for _, file := range files {
		if m.pendingFiles[file] {
			continue
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return errors.Wrapf(err, "reading exception file %s", file)
		}
		testID, cause := parseException(string(content))
		failure := m.newFailure(wp, protocol.WorkerException, testID, cause)
		failure.OccurrenceID = exceptionOccurrence(file)
		failuresDetected.WithLabelValues(failure.Type.String()).Inc()

		if m.deliverNow(failure) {
			if err := os.Remove(file); err != nil {
				return errors.Wrapf(err, "removing exception file %s", file)
			}
			continue
		}
		// the renamed file survives an agent restart, the outbox keeps the order until then
		pending := file
		if !strings.HasSuffix(file, SendFailureFileSuffix) {
			pending = file + SendFailureFileSuffix
			if err := os.Rename(file, pending); err != nil {
				return errors.Wrapf(err, "renaming exception file %s", file)
			}
		}
		m.pendingFiles[pending] = true
		m.outbox = append(m.outbox, pendingReport{failure: failure, file: pending})
	}
	return nil
}

// exceptionOccurrence identifies an exception by its file name, which stays the same when the report is re-sent.
func exceptionOccurrence(file string) string {
	return strings.TrimSuffix(filepath.Base(file), SendFailureFileSuffix)
}

func exceptionFiles(home string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*" + ExceptionFileSuffix, "*" + ExceptionFileSuffix + SendFailureFileSuffix} {
		matches, err := zglob.Glob(filepath.Join(home, pattern))
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "listing exception files in %s", home)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// parseException splits an exception file into the test id on its first line and the cause that follows.
func parseException(content string) (testID string, cause string) {
	firstLine, rest, _ := strings.Cut(content, "\n")
	testID = strings.TrimSpace(firstLine)
	if testID == nullTestID {
		testID = ""
	}
	return testID, strings.TrimRight(rest, "\n")
}

func (m *FailureMonitor) detectOOME(wp *process.WorkerProcess) (bool, error) {
	cause := ""
	if _, err := os.Stat(filepath.Join(wp.HomeDirectory(), OOMEFileName)); err == nil {
		cause = "worker ran out of memory"
	} else {
		dumps, err := zglob.Glob(filepath.Join(wp.HomeDirectory(), "**", "*.hprof"))
		if err != nil && !os.IsNotExist(err) {
			return false, errors.Wrapf(err, "looking for heap dumps in %s", wp.HomeDirectory())
		}
		if len(dumps) > 0 {
			sort.Strings(dumps)
			cause = "heap dump found at " + dumps[0]
		}
	}
	if cause == "" || !wp.SetOOMEDetected() {
		return false, nil
	}
	m.report(wp, m.newFailure(wp, protocol.WorkerOOME, "", cause))
	return true, nil
}

func (m *FailureMonitor) detectInactivity(wp *process.WorkerProcess) {
	if !m.timeoutDetection.Load() || m.heartbeatTimeout <= 0 || wp.IsFinished() {
		return
	}
	elapsed := m.clock.Now().Sub(wp.LastSeen())
	if elapsed <= m.heartbeatTimeout {
		delete(m.timeoutReports, wp.Address())
		return
	}
	multiple := int64(elapsed / m.heartbeatTimeout)
	if multiple <= m.timeoutReports[wp.Address()] {
		return
	}
	m.timeoutReports[wp.Address()] = multiple
	cause := fmt.Sprintf("worker has not sent a heartbeat for %s (timeout %s)", elapsed.Round(time.Second), m.heartbeatTimeout)
	m.report(wp, m.newFailure(wp, protocol.WorkerTimeout, "", cause))
}

func (m *FailureMonitor) detectExit(wp *process.WorkerProcess) {
	code, exited := wp.Exited()
	if !exited {
		return
	}
	m.table.Remove(wp.Address())
	delete(m.timeoutReports, wp.Address())
	wp.SetFinished()

	if code == 0 {
		m.report(wp, m.newFailure(wp, protocol.WorkerNormalExit, "", "worker finished normally"))
		return
	}
	m.report(wp, m.newFailure(wp, protocol.WorkerAbnormalExit, "", fmt.Sprintf("worker exited with code %d", code)))
}

func (m *FailureMonitor) newFailure(wp *process.WorkerProcess, failureType protocol.FailureType, testID string, cause string) *protocol.FailureOperation {
	return &protocol.FailureOperation{
		Type:          failureType,
		Agent:         m.agent,
		Worker:        wp.Address(),
		WorkerID:      wp.ID(),
		TestID:        testID,
		Cause:         cause,
		HomeDirectory: wp.HomeDirectory(),
		DetectedAt:    m.clock.Now(),
		OccurrenceID:  util.NewULID(),
	}
}

// ReportFailure sends a failure detected outside of a scan, such as a worker that could not be created. It is
// queued behind any failures still waiting to be delivered.
func (m *FailureMonitor) ReportFailure(failure *protocol.FailureOperation) {
	m.scanMutex.Lock()
	defer m.scanMutex.Unlock()
	m.enqueue(failure)
}

// report delivers failure, queueing it if delivery fails, and runs the terminal handler for terminal failures.
func (m *FailureMonitor) report(wp *process.WorkerProcess, failure *protocol.FailureOperation) {
	m.enqueue(failure)
	if failure.Type.IsTerminal() && m.onTerminal != nil {
		m.onTerminal(wp, failure)
	}
}

func (m *FailureMonitor) enqueue(failure *protocol.FailureOperation) {
	failuresDetected.WithLabelValues(failure.Type.String()).Inc()
	log := m.log.WithField("worker", failure.Worker.String())
	if failure.Type.IsError() {
		log.Warnf("detected %s", failure)
	} else {
		log.Infof("detected %s", failure)
	}
	if !m.deliverNow(failure) {
		m.outbox = append(m.outbox, pendingReport{failure: failure})
	}
}

// deliverNow sends failure unless older failures are still waiting, which would reorder them.
func (m *FailureMonitor) deliverNow(failure *protocol.FailureOperation) bool {
	if len(m.outbox) > 0 {
		return false
	}
	if err := m.reporter.ReportFailure(failure); err != nil {
		m.log.WithError(err).Warnf("unable to deliver %s, will retry", failure)
		return false
	}
	return true
}

func (m *FailureMonitor) flushOutbox() {
	for len(m.outbox) > 0 {
		next := m.outbox[0]
		if err := m.reporter.ReportFailure(next.failure); err != nil {
			m.log.WithError(err).Warnf("%d failures still undelivered", len(m.outbox))
			return
		}
		m.outbox = m.outbox[1:]
		if next.file != "" {
			delete(m.pendingFiles, next.file)
			if err := os.Remove(next.file); err != nil && !os.IsNotExist(err) {
				m.log.WithError(err).Warnf("unable to remove delivered exception file %s", next.file)
			}
		}
	}
}
