package process

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/G-Research/loadforge/internal/protocol"
)

// State is the lifecycle state of a worker process.
type State int32

const (
	Requested State = iota
	Launching
	Running
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Requested:
		return "Requested"
	case Launching:
		return "Launching"
	case Running:
		return "Running"
	case Finished:
		return "Finished"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// WorkerProcess is a worker launched by this agent. Membership in the Table is managed by the Launcher; the
// liveness flags are updated by the failure monitor and the agent's connection handling.
type WorkerProcess struct {
	address       protocol.Address
	id            string
	workerType    string
	homeDirectory string

	cmd *exec.Cmd
	pid atomic.Int64

	lastSeenAt   atomic.Int64
	oomeDetected atomic.Bool
	finished     atomic.Bool
	state        atomic.Int32

	exitOnce sync.Once
	exited   chan struct{}
	exitCode int
}

func NewWorkerProcess(address protocol.Address, id string, workerType string, homeDirectory string) *WorkerProcess {
	wp := &WorkerProcess{
		address:       address,
		id:            id,
		workerType:    workerType,
		homeDirectory: homeDirectory,
		exited:        make(chan struct{}),
	}
	wp.UpdateLastSeen(time.Now())
	return wp
}

func (wp *WorkerProcess) Address() protocol.Address { return wp.address }
func (wp *WorkerProcess) ID() string                { return wp.id }
func (wp *WorkerProcess) WorkerType() string        { return wp.workerType }
func (wp *WorkerProcess) HomeDirectory() string     { return wp.homeDirectory }

// Pid is the OS process id, or 0 before the process has started.
func (wp *WorkerProcess) Pid() int {
	return int(wp.pid.Load())
}

func (wp *WorkerProcess) LastSeen() time.Time {
	return time.Unix(0, wp.lastSeenAt.Load())
}

// UpdateLastSeen records that the worker showed a sign of life at t.
func (wp *WorkerProcess) UpdateLastSeen(t time.Time) {
	wp.lastSeenAt.Store(t.UnixNano())
}

func (wp *WorkerProcess) IsOOMEDetected() bool {
	return wp.oomeDetected.Load()
}

// SetOOMEDetected flags the worker as out of memory. It returns false if it was already flagged.
func (wp *WorkerProcess) SetOOMEDetected() bool {
	return wp.oomeDetected.CompareAndSwap(false, true)
}

func (wp *WorkerProcess) IsFinished() bool {
	return wp.finished.Load()
}

func (wp *WorkerProcess) SetFinished() {
	wp.finished.Store(true)
}

func (wp *WorkerProcess) State() State {
	return State(wp.state.Load())
}

func (wp *WorkerProcess) setState(state State) {
	wp.state.Store(int32(state))
}

// RecordExit stores the exit code of the process. Only the first call has an effect.
func (wp *WorkerProcess) RecordExit(code int) {
	wp.exitOnce.Do(func() {
		wp.exitCode = code
		close(wp.exited)
	})
}

// Exited returns the exit code once the process has exited.
func (wp *WorkerProcess) Exited() (code int, exited bool) {
	select {
	case <-wp.exited:
		return wp.exitCode, true
	default:
		return 0, false
	}
}

// ExitedChan is closed when the process exits.
func (wp *WorkerProcess) ExitedChan() <-chan struct{} {
	return wp.exited
}

func (wp *WorkerProcess) String() string {
	return fmt.Sprintf("%s (%s, pid %d)", wp.address, wp.id, wp.Pid())
}
