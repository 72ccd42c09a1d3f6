package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadforge/internal/agent/process"
	"github.com/G-Research/loadforge/internal/common/logging"
	"github.com/G-Research/loadforge/internal/common/util"
	"github.com/G-Research/loadforge/internal/protocol"
)

type FakeReporter struct {
	mu               sync.Mutex
	ReceivedFailures []*protocol.FailureOperation
	ErrorOnReport    bool
}

func (r *FakeReporter) ReportFailure(failure *protocol.FailureOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ErrorOnReport {
		return errors.New("coordinator unreachable")
	}
	r.ReceivedFailures = append(r.ReceivedFailures, failure)
	return nil
}

func (r *FakeReporter) setFailing(failing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ErrorOnReport = failing
}

func (r *FakeReporter) types() []protocol.FailureType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []protocol.FailureType
	for _, failure := range r.ReceivedFailures {
		types = append(types, failure.Type)
	}
	return types
}

var workerAddress = protocol.WorkerAddress(1, 1)

type testSetup struct {
	monitor  *FailureMonitor
	reporter *FakeReporter
	table    *process.Table
	clock    *util.DummyClock
	worker   *process.WorkerProcess
	terminal []*protocol.FailureOperation
	registry *protocol.Registry
}

func setUp(t *testing.T) *testSetup {
	setup := &testSetup{
		reporter: &FakeReporter{},
		table:    process.NewTable(),
		clock:    util.NewDummyClock(time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)),
		registry: protocol.NewRegistry(),
	}
	setup.worker = process.NewWorkerProcess(workerAddress, "C_A1_W1-member-1", "member", t.TempDir())
	setup.worker.UpdateLastSeen(setup.clock.Now())
	require.NoError(t, setup.table.Add(setup.worker))

	setup.monitor = NewFailureMonitor(
		protocol.AgentAddress(1),
		setup.table,
		setup.reporter,
		func(wp *process.WorkerProcess, failure *protocol.FailureOperation) {
			setup.terminal = append(setup.terminal, failure)
			setup.registry.UnblockOnFailure(wp.Address())
		},
		setup.clock,
		10*time.Second,
		logging.NullEntry(),
	)
	return setup
}

func writeFile(t *testing.T, path string, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFailureMonitor_ExceptionFileReportedOnceAndDeleted(t *testing.T) {
	setup := setUp(t)
	exceptionFile := filepath.Join(setup.worker.HomeDirectory(), "1.exception")
	writeFile(t, exceptionFile, "map-test\njava.lang.IllegalStateException: boom\n\tat Foo.bar\n")

	setup.monitor.Scan()

	require.Len(t, setup.reporter.ReceivedFailures, 1)
	failure := setup.reporter.ReceivedFailures[0]
	assert.Equal(t, protocol.WorkerException, failure.Type)
	assert.Equal(t, "map-test", failure.TestID)
	assert.Equal(t, "java.lang.IllegalStateException: boom\n\tat Foo.bar", failure.Cause)
	assert.Equal(t, workerAddress, failure.Worker)
	assert.Equal(t, protocol.AgentAddress(1), failure.Agent)
	assert.NoFileExists(t, exceptionFile)

	setup.monitor.Scan()
	assert.Len(t, setup.reporter.ReceivedFailures, 1)
	assert.Empty(t, setup.terminal)
	assert.Equal(t, 1, setup.table.Len())
}

func TestFailureMonitor_ExceptionWithoutTest(t *testing.T) {
	setup := setUp(t)
	writeFile(t, filepath.Join(setup.worker.HomeDirectory(), "1.exception"), "null\ncause")

	setup.monitor.Scan()

	require.Len(t, setup.reporter.ReceivedFailures, 1)
	assert.Equal(t, "", setup.reporter.ReceivedFailures[0].TestID)
	assert.Equal(t, "cause", setup.reporter.ReceivedFailures[0].Cause)
}

func TestFailureMonitor_ExceptionRetriedAfterSendFailure(t *testing.T) {
	setup := setUp(t)
	exceptionFile := filepath.Join(setup.worker.HomeDirectory(), "1.exception")
	writeFile(t, exceptionFile, "test\ncause")
	setup.reporter.setFailing(true)

	setup.monitor.Scan()

	assert.Empty(t, setup.reporter.ReceivedFailures)
	assert.NoFileExists(t, exceptionFile)
	assert.FileExists(t, exceptionFile+SendFailureFileSuffix)

	setup.reporter.setFailing(false)
	setup.monitor.Scan()

	require.Len(t, setup.reporter.ReceivedFailures, 1)
	assert.Equal(t, "test", setup.reporter.ReceivedFailures[0].TestID)
	assert.Equal(t, "1.exception", setup.reporter.ReceivedFailures[0].OccurrenceID)
	assert.NoFileExists(t, exceptionFile+SendFailureFileSuffix)
}

func TestFailureMonitor_ExceptionOccurrenceNamedAfterFile(t *testing.T) {
	setup := setUp(t)
	// left behind by an agent that could not deliver it before restarting
	pending := filepath.Join(setup.worker.HomeDirectory(), "3.exception"+SendFailureFileSuffix)
	writeFile(t, pending, "test\ncause")
	writeFile(t, filepath.Join(setup.worker.HomeDirectory(), "4.exception"), "test\ncause")

	setup.monitor.Scan()

	require.Len(t, setup.reporter.ReceivedFailures, 2)
	assert.Equal(t, "3.exception", setup.reporter.ReceivedFailures[0].OccurrenceID)
	assert.Equal(t, "4.exception", setup.reporter.ReceivedFailures[1].OccurrenceID)
	assert.NoFileExists(t, pending)
}

func TestFailureMonitor_UndeliveredExceptionStaysAheadOfLaterFailures(t *testing.T) {
	setup := setUp(t)
	exceptionFile := filepath.Join(setup.worker.HomeDirectory(), "1.exception")
	writeFile(t, exceptionFile, "test\ncause")
	setup.reporter.setFailing(true)
	setup.monitor.Scan()

	writeFile(t, filepath.Join(setup.worker.HomeDirectory(), OOMEFileName), "")
	setup.monitor.Scan()
	assert.Equal(t, 2, setup.monitor.PendingReports())
	assert.FileExists(t, exceptionFile+SendFailureFileSuffix)

	setup.reporter.setFailing(false)
	setup.monitor.Scan()
	setup.monitor.Scan()

	assert.Equal(t, []protocol.FailureType{protocol.WorkerException, protocol.WorkerOOME}, setup.reporter.types())
	assert.Equal(t, 0, setup.monitor.PendingReports())
	assert.NoFileExists(t, exceptionFile+SendFailureFileSuffix)
}

func TestFailureMonitor_ExceptionsReportedInFileOrder(t *testing.T) {
	setup := setUp(t)
	writeFile(t, filepath.Join(setup.worker.HomeDirectory(), "2.exception"), "b\nsecond")
	writeFile(t, filepath.Join(setup.worker.HomeDirectory(), "1.exception"), "a\nfirst")

	setup.monitor.Scan()

	require.Len(t, setup.reporter.ReceivedFailures, 2)
	assert.Equal(t, "a", setup.reporter.ReceivedFailures[0].TestID)
	assert.Equal(t, "b", setup.reporter.ReceivedFailures[1].TestID)
}

func TestFailureMonitor_OOMEReportedOnce(t *testing.T) {
	setup := setUp(t)
	writeFile(t, filepath.Join(setup.worker.HomeDirectory(), OOMEFileName), "")

	setup.monitor.Scan()
	setup.monitor.Scan()

	assert.Equal(t, []protocol.FailureType{protocol.WorkerOOME}, setup.reporter.types())
	assert.True(t, setup.worker.IsOOMEDetected())
	require.Len(t, setup.terminal, 1)

	// exit and inactivity of an out of memory worker are not reported
	setup.monitor.StartTimeoutDetection()
	setup.clock.Advance(time.Minute)
	setup.worker.RecordExit(1)
	setup.monitor.Scan()
	assert.Equal(t, []protocol.FailureType{protocol.WorkerOOME}, setup.reporter.types())
}

func TestFailureMonitor_HeapDumpDetected(t *testing.T) {
	setup := setUp(t)
	writeFile(t, filepath.Join(setup.worker.HomeDirectory(), "dumps", "java_pid42.hprof"), "")

	setup.monitor.Scan()

	require.Len(t, setup.reporter.ReceivedFailures, 1)
	assert.Equal(t, protocol.WorkerOOME, setup.reporter.ReceivedFailures[0].Type)
	assert.Contains(t, setup.reporter.ReceivedFailures[0].Cause, "java_pid42.hprof")
}

func TestFailureMonitor_HeartbeatTimeoutReportedOncePerWindow(t *testing.T) {
	setup := setUp(t)

	// disabled by default
	setup.clock.Advance(15 * time.Second)
	setup.monitor.Scan()
	assert.Empty(t, setup.reporter.ReceivedFailures)

	setup.monitor.StartTimeoutDetection()
	setup.monitor.Scan()
	setup.monitor.Scan()
	assert.Equal(t, []protocol.FailureType{protocol.WorkerTimeout}, setup.reporter.types())

	setup.clock.Advance(4 * time.Second)
	setup.monitor.Scan()
	assert.Len(t, setup.reporter.ReceivedFailures, 1)

	setup.clock.Advance(2 * time.Second)
	setup.monitor.Scan()
	assert.Len(t, setup.reporter.ReceivedFailures, 2)

	// seen again: the count starts over
	setup.worker.UpdateLastSeen(setup.clock.Now())
	setup.monitor.Scan()
	assert.Len(t, setup.reporter.ReceivedFailures, 2)
	setup.clock.Advance(11 * time.Second)
	setup.monitor.Scan()
	assert.Len(t, setup.reporter.ReceivedFailures, 3)

	setup.monitor.StopTimeoutDetection()
	setup.clock.Advance(time.Minute)
	setup.monitor.Scan()
	assert.Len(t, setup.reporter.ReceivedFailures, 3)
	assert.Empty(t, setup.terminal)
}

func TestFailureMonitor_NormalExit(t *testing.T) {
	setup := setUp(t)
	future, err := setup.registry.Create(protocol.FutureKey{MessageID: 5, AddressIndex: 1}, protocol.TestAddress(1, 1, 1))
	require.NoError(t, err)

	setup.worker.RecordExit(0)
	setup.monitor.Scan()
	setup.monitor.Scan()

	assert.Equal(t, []protocol.FailureType{protocol.WorkerNormalExit}, setup.reporter.types())
	assert.Equal(t, 0, setup.table.Len())
	assert.True(t, setup.worker.IsFinished())
	require.Len(t, setup.terminal, 1)

	response, err := future.AwaitTimeout(time.Second)
	require.NoError(t, err)
	result, ok := response.Result(protocol.TestAddress(1, 1, 1))
	require.True(t, ok)
	assert.Equal(t, protocol.UnblockedByFailure, result)
}

func TestFailureMonitor_AbnormalExit(t *testing.T) {
	setup := setUp(t)
	setup.worker.RecordExit(137)

	setup.monitor.Scan()

	require.Len(t, setup.reporter.ReceivedFailures, 1)
	failure := setup.reporter.ReceivedFailures[0]
	assert.Equal(t, protocol.WorkerAbnormalExit, failure.Type)
	assert.Contains(t, failure.Cause, "137")
	assert.Equal(t, 0, setup.table.Len())
}

func TestFailureMonitor_UndeliveredFailuresAreResentInOrder(t *testing.T) {
	setup := setUp(t)
	setup.reporter.setFailing(true)
	setup.worker.RecordExit(2)

	setup.monitor.Scan()
	assert.Equal(t, 1, setup.monitor.PendingReports())
	assert.Len(t, setup.terminal, 1)

	setup.reporter.setFailing(false)
	setup.monitor.Scan()
	setup.monitor.Scan()

	assert.Equal(t, []protocol.FailureType{protocol.WorkerAbnormalExit}, setup.reporter.types())
	assert.Equal(t, 0, setup.monitor.PendingReports())
}

func TestParseException(t *testing.T) {
	tests := map[string]struct {
		content string
		testID  string
		cause   string
	}{
		"test and cause": {content: "t1\nline1\nline2\n", testID: "t1", cause: "line1\nline2"},
		"null test":      {content: "null\ncause", testID: "", cause: "cause"},
		"no cause":       {content: "t1", testID: "t1", cause: ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			testID, cause := parseException(tc.content)
			assert.Equal(t, tc.testID, testID)
			assert.Equal(t, tc.cause, cause)
		})
	}
}

func TestFailureMonitor_ReportFailureQueuesBehindUndelivered(t *testing.T) {
	setup := setUp(t)
	setup.reporter.setFailing(true)
	setup.worker.RecordExit(1)
	setup.monitor.Scan()

	setup.reporter.setFailing(false)
	setup.monitor.ReportFailure(&protocol.FailureOperation{
		Type:   protocol.WorkerCreateFailed,
		Agent:  protocol.AgentAddress(1),
		Worker: protocol.WorkerAddress(1, 2),
		Cause:  "no such command",
	})
	assert.Equal(t, 2, setup.monitor.PendingReports())

	setup.monitor.Scan()
	assert.Equal(t, []protocol.FailureType{protocol.WorkerAbnormalExit, protocol.WorkerCreateFailed}, setup.reporter.types())
}
