package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/loadforge/internal/common/util"
	"github.com/G-Research/loadforge/internal/coordinator/configuration"
	"github.com/G-Research/loadforge/internal/protocol"
)

// testIndex is the index every worker gives the session's test.
const testIndex int32 = 1

const maxCreateThreads = 8

// Session runs one test across all workers of all agents.
type Session struct {
	coordinator *Coordinator
	worker      configuration.WorkerConfiguration
	test        configuration.TestConfiguration
	timeout     time.Duration
	log         *logrus.Entry
}

func NewSession(coordinator *Coordinator, config configuration.CoordinatorConfiguration) *Session {
	return &Session{
		coordinator: coordinator,
		worker:      config.Worker,
		test:        config.Test,
		timeout:     config.Connection.RequestTimeout,
		log:         coordinator.log.WithField("test", config.Test.Id),
	}
}

// Run creates the workers, runs the test for its configured duration and shuts everything down again. Cleanup
// steps run even when an earlier step fails. An error is returned when any step failed or a critical failure
// was reported.
func (s *Session) Run(ctx context.Context) error {
	var result *multierror.Error
	if err := s.start(ctx); err != nil {
		result = multierror.Append(result, err)
	} else {
		s.wait(ctx)
	}
	// the session context may be done by now, cleanup gets its own
	cleanupCtx := context.Background()
	if err := s.stop(cleanupCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if count := s.coordinator.failures.CriticalCount(); count > 0 {
		result = multierror.Append(result,
			errors.Errorf("%d critical failures, see %s", count, s.coordinator.failures.File()))
	}
	s.report()
	return result.ErrorOrNil()
}

func (s *Session) start(ctx context.Context) error {
	if err := s.createWorkers(ctx); err != nil {
		return err
	}
	allAgents := protocol.AgentAddress(protocol.AllChildren)
	if err := s.send(ctx, "starting timeout detection", allAgents, &protocol.StartTimeoutDetectionOperation{}); err != nil {
		return err
	}

	allWorkers := protocol.WorkerAddress(protocol.AllChildren, protocol.AllChildren)
	response, err := s.coordinator.Send(ctx, allWorkers, &protocol.CreateTestOperation{
		TestIndex:  testIndex,
		TestID:     s.test.Id,
		Workload:   s.test.Workload,
		Properties: s.test.Properties,
	})
	if err := checkResponse("creating test "+s.test.Id, response, err); err != nil {
		return err
	}
	for _, worker := range response.Addresses() {
		s.coordinator.registry.AddTest(
			protocol.TestAddress(worker.AgentIndex(), worker.WorkerIndex(), testIndex), s.test.Id, s.test.Workload)
	}

	for _, phase := range []protocol.TestPhase{protocol.PhaseSetup, protocol.PhaseRun} {
		if err := s.startPhase(ctx, phase); err != nil {
			return err
		}
	}
	s.log.Infof("test %s running on %d workers", s.test.Id, len(s.coordinator.registry.Tests()))
	return nil
}

// createWorkers launches the configured number of workers on every connected agent.
func (s *Session) createWorkers(ctx context.Context) error {
	var addresses []protocol.Address
	for _, agent := range s.coordinator.ConnectedAgents() {
		for i := int32(1); i <= s.worker.CountPerAgent; i++ {
			addresses = append(addresses, protocol.WorkerAddress(agent.AgentIndex(), i))
		}
	}
	if len(addresses) == 0 {
		return errors.New("no agents connected")
	}

	// the agent answers once the worker registered, which may take the whole startup timeout
	timeout := s.timeout + s.worker.StartupTimeout
	var mu sync.Mutex
	var result *multierror.Error
	util.ProcessItemsWithThreadPool(ctx, maxCreateThreads, addresses, func(worker protocol.Address) {
		agent, _ := worker.Parent()
		response, err := s.coordinator.SendWithTimeout(ctx, agent, &protocol.CreateWorkerOperation{
			Address:        worker,
			WorkerType:     s.worker.Type,
			Command:        s.worker.Command,
			Args:           s.worker.Args,
			Env:            s.worker.Env,
			Files:          s.worker.Files,
			StartupTimeout: s.worker.StartupTimeout,
		}, timeout)
		err = checkResponse("creating worker "+worker.String(), response, err)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result = multierror.Append(result, err)
			return
		}
		if err := s.coordinator.registry.AddWorker(worker, s.worker.Type); err != nil {
			result = multierror.Append(result, err)
		}
	})
	if err := ctx.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	s.log.Infof("created %d workers", len(addresses))
	return nil
}

func (s *Session) startPhase(ctx context.Context, phase protocol.TestPhase) error {
	allTests := protocol.TestAddress(protocol.AllChildren, protocol.AllChildren, testIndex)
	return s.send(ctx, "starting "+string(phase)+" of test "+s.test.Id, allTests, &protocol.StartTestPhaseOperation{Phase: phase})
}

// wait returns after the test duration, when ctx is done or, with fail fast, at the first critical failure.
func (s *Session) wait(ctx context.Context) {
	timer := time.NewTimer(s.test.Duration)
	defer timer.Stop()
	var critical <-chan struct{}
	if s.test.FailFast {
		critical = s.coordinator.failures.CriticalFailure()
	}
	select {
	case <-timer.C:
		s.log.Infof("test %s completed its duration of %s", s.test.Id, s.test.Duration)
	case <-ctx.Done():
		s.log.Warnf("test %s interrupted", s.test.Id)
	case <-critical:
		s.log.Errorf("stopping test %s after a critical failure", s.test.Id)
	}
}

func (s *Session) stop(ctx context.Context) error {
	var result *multierror.Error
	if len(s.coordinator.registry.Tests()) > 0 {
		allTests := protocol.TestAddress(protocol.AllChildren, protocol.AllChildren, testIndex)
		if err := s.send(ctx, "stopping test "+s.test.Id, allTests, &protocol.StopTestOperation{}); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.startPhase(ctx, protocol.PhaseTeardown); err != nil {
			result = multierror.Append(result, err)
		}
		s.coordinator.registry.RemoveTests(s.test.Id)
	}

	allAgents := protocol.AgentAddress(protocol.AllChildren)
	if err := s.send(ctx, "stopping timeout detection", allAgents, &protocol.StopTimeoutDetectionOperation{}); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.send(ctx, "terminating workers", allAgents, &protocol.TerminateWorkersOperation{}); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// send delivers op and fails on any failed part, except for parts of workers already known to have finished.
func (s *Session) send(ctx context.Context, action string, destination protocol.Address, op protocol.Operation) error {
	response, err := s.coordinator.Send(ctx, destination, op)
	if err != nil {
		return errors.WithMessage(err, action)
	}
	finished := s.finishedWorkers()
	filtered := protocol.NewResponse(response.MessageID())
	for address, result := range response.Parts() {
		if result != protocol.Success && coveredByAny(finished, address) {
			s.log.Debugf("%s: ignoring %s from finished %s", action, result, address)
			continue
		}
		filtered.AddPart(address, result)
	}
	if response.Size() > 0 && filtered.Size() == 0 {
		return nil
	}
	return checkResponse(action, filtered, nil)
}

func (s *Session) finishedWorkers() []protocol.Address {
	var finished []protocol.Address
	for _, worker := range s.coordinator.registry.Workers() {
		if worker.Finished {
			finished = append(finished, worker.Address)
		}
	}
	return finished
}

func coveredByAny(addresses []protocol.Address, address protocol.Address) bool {
	for _, a := range addresses {
		if a.Covers(address) {
			return true
		}
	}
	return false
}

func (s *Session) report() {
	total := s.coordinator.stats.Total(s.test.Id)
	s.log.Infof("test %s total: %s", s.test.Id, total)
	for agent, stats := range s.coordinator.stats.AgentTotals(s.test.Id) {
		s.log.WithField("agent", agent.String()).Infof("test %s: %s", s.test.Id, stats)
	}
	s.log.Infof("%d failures reported, %d critical", len(s.coordinator.failures.Failures()), s.coordinator.failures.CriticalCount())
}
