package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/common/util"
)

const defaultPollInterval = 100 * time.Millisecond

var launchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "loadforge_agent_worker_launch_seconds",
		Help:    "Time from spawning a worker process until it announced itself, by outcome",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	},
	[]string{"outcome"},
)

type LauncherConfig struct {
	// WorkDirectory holds a directory per session with one home directory per worker. ~ is expanded.
	WorkDirectory   string
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
	// AgentEndpoint is where workers connect to their agent.
	AgentEndpoint string
	// Env is added to the environment of every worker.
	Env map[string]string
}

// Launcher starts and stops worker processes and is the only writer of the process table's membership.
type Launcher struct {
	config LauncherConfig
	table  *Table
	log    *logrus.Entry

	mu        sync.RWMutex
	sessionID string
}

func NewLauncher(config LauncherConfig, table *Table, log *logrus.Entry) *Launcher {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	return &Launcher{config: config, table: table, log: log, sessionID: "default"}
}

// SetSessionID changes the session directory used for workers launched from now on.
func (l *Launcher) SetSessionID(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = sessionID
}

func (l *Launcher) SessionID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionID
}

// SessionDirectory is the directory holding the home directories of this session's workers.
func (l *Launcher) SessionDirectory() (string, error) {
	workDir, err := homedir.Expand(l.config.WorkDirectory)
	if err != nil {
		return "", errors.Wrapf(err, "expanding work directory %s", l.config.WorkDirectory)
	}
	return filepath.Join(workDir, l.SessionID()), nil
}

// Launch starts a worker and waits until it announces itself by writing its pid file. The worker is in the table
// while it starts; if it exits or fails to announce itself in time it is removed again and an *ErrLaunch returned.
func (l *Launcher) Launch(ctx context.Context, params WorkerParameters) (*WorkerProcess, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if _, exists := l.table.Get(params.Address); exists {
		return nil, &forgeerrors.ErrAlreadyExists{Type: "worker", Value: params.Address.String()}
	}

	id := workerID(params)
	sessionDir, err := l.SessionDirectory()
	if err != nil {
		return nil, err
	}
	home := filepath.Join(sessionDir, id)
	log := l.log.WithFields(logrus.Fields{"worker": params.Address.String(), "home": home})

	wp := NewWorkerProcess(params.Address, id, params.WorkerType, home)
	wp.setState(Launching)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating home directory of %s", params.Address)
	}

	env := buildEnv(map[string]string{
		EnvWorkerAddress: params.Address.String(),
		EnvWorkerID:      id,
		EnvWorkerType:    params.WorkerType,
		EnvWorkerHome:    home,
		EnvAgentEndpoint: l.config.AgentEndpoint,
		EnvSessionID:     l.SessionID(),
	}, l.config.Env, params.Env)
	if err := writeParameters(home, id, params, env); err != nil {
		return nil, errors.WithMessagef(err, "writing parameters of %s", params.Address)
	}

	start := time.Now()
	if err := l.spawn(wp, params, env, log); err != nil {
		wp.setState(Failed)
		launchDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		return nil, &forgeerrors.ErrLaunch{Worker: params.Address.String(), HomeDirectory: home, Message: err.Error()}
	}
	if err := l.table.Add(wp); err != nil {
		l.kill(wp, log)
		return nil, err
	}

	timeout := params.StartupTimeout
	if timeout <= 0 {
		timeout = l.config.StartupTimeout
	}
	if err := l.awaitAnnouncement(ctx, wp, timeout); err != nil {
		wp.setState(Failed)
		l.table.Remove(wp.Address())
		l.kill(wp, log)
		launchDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		log.WithError(err).Error("worker failed to start")
		return nil, err
	}

	wp.setState(Running)
	wp.UpdateLastSeen(time.Now())
	launchDuration.WithLabelValues("started").Observe(time.Since(start).Seconds())
	log.Infof("worker started with pid %d in %s", wp.Pid(), time.Since(start).Round(time.Millisecond))
	return wp, nil
}

func workerID(params WorkerParameters) string {
	name := strings.ToLower(params.WorkerType)
	if name == "" {
		name = "worker"
	}
	return strings.Join([]string{params.Address.String(), name, util.NewUUID()[:8]}, "-")
}

func (l *Launcher) spawn(wp *WorkerProcess, params WorkerParameters, env map[string]string, log *logrus.Entry) error {
	stdout, err := os.Create(filepath.Join(wp.HomeDirectory(), StdoutFileName))
	if err != nil {
		return errors.WithStack(err)
	}
	stderr, err := os.Create(filepath.Join(wp.HomeDirectory(), StderrFileName))
	if err != nil {
		util.CloseResource(StdoutFileName, stdout)
		return errors.WithStack(err)
	}

	cmd := exec.Command(params.Command, params.Args...)
	cmd.Dir = wp.HomeDirectory()
	cmd.Env = environ(env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		util.CloseResource(StdoutFileName, stdout)
		util.CloseResource(StderrFileName, stderr)
		return errors.Wrapf(err, "starting %s", params.Command)
	}
	wp.cmd = cmd
	wp.pid.Store(int64(cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		if err != nil && code == 0 {
			code = -1
		}
		util.CloseResource(StdoutFileName, stdout)
		util.CloseResource(StderrFileName, stderr)
		log.Infof("worker process %d exited with code %d", cmd.Process.Pid, code)
		wp.RecordExit(code)
	}()
	return nil
}

func (l *Launcher) awaitAnnouncement(ctx context.Context, wp *WorkerProcess, timeout time.Duration) error {
	pidFile := filepath.Join(wp.HomeDirectory(), PidFileName)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(pidFile); err == nil {
			return nil
		}
		select {
		case <-wp.ExitedChan():
			code, _ := wp.Exited()
			return &forgeerrors.ErrLaunch{
				Worker:        wp.Address().String(),
				HomeDirectory: wp.HomeDirectory(),
				Message:       "process exited with code " + strconv.Itoa(code) + " before writing " + PidFileName,
			}
		case <-deadline.C:
			return &forgeerrors.ErrLaunch{
				Worker:        wp.Address().String(),
				HomeDirectory: wp.HomeDirectory(),
				Message:       "did not write " + PidFileName + " within " + timeout.String(),
				TimedOut:      true,
			}
		case <-ctx.Done():
			return &forgeerrors.ErrLaunch{
				Worker:        wp.Address().String(),
				HomeDirectory: wp.HomeDirectory(),
				Message:       "launch cancelled: " + ctx.Err().Error(),
			}
		case <-ticker.C:
		}
	}
}

// Shutdown removes the worker from the table and stops its process: SIGTERM first, SIGKILL if it has not exited
// within the shutdown timeout. Errors are logged.
func (l *Launcher) Shutdown(wp *WorkerProcess) {
	log := l.log.WithField("worker", wp.Address().String())
	l.table.Remove(wp.Address())
	wp.SetFinished()
	if wp.cmd == nil || wp.cmd.Process == nil {
		return
	}
	if _, exited := wp.Exited(); exited {
		return
	}

	if err := wp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.WithError(err).Warn("unable to send SIGTERM to worker")
	}
	select {
	case <-wp.ExitedChan():
		log.Info("worker stopped")
		return
	case <-time.After(l.config.ShutdownTimeout):
		log.Warnf("worker did not stop within %s, killing it", l.config.ShutdownTimeout)
	}
	l.kill(wp, log)
}

func (l *Launcher) kill(wp *WorkerProcess, log *logrus.Entry) {
	if wp.cmd == nil || wp.cmd.Process == nil {
		return
	}
	if _, exited := wp.Exited(); exited {
		return
	}
	if err := wp.cmd.Process.Kill(); err != nil {
		log.WithError(err).Warn("unable to kill worker")
		return
	}
	select {
	case <-wp.ExitedChan():
	case <-time.After(5 * time.Second):
		log.Errorf("worker process %d did not exit after SIGKILL", wp.Pid())
	}
}

// ShutdownAll stops every worker in the table in parallel and returns once all of them are done.
func (l *Launcher) ShutdownAll() {
	var g errgroup.Group
	for _, wp := range l.table.All() {
		wp := wp
		g.Go(func() error {
			l.Shutdown(wp)
			return nil
		})
	}
	_ = g.Wait()
}
