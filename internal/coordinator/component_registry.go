package coordinator

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/protocol"
)

type AgentData struct {
	Address  protocol.Address
	Endpoint string
}

type WorkerData struct {
	Address  protocol.Address
	Type     string
	Finished bool
}

type TestData struct {
	Address  protocol.Address
	ID       string
	Workload string
}

// ComponentRegistry is the coordinator's view of the agents, workers and tests of the session.
type ComponentRegistry struct {
	mu      sync.RWMutex
	agents  map[protocol.Address]*AgentData
	workers map[protocol.Address]*WorkerData
	tests   map[protocol.Address]*TestData
}

func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{
		agents:  map[protocol.Address]*AgentData{},
		workers: map[protocol.Address]*WorkerData{},
		tests:   map[protocol.Address]*TestData{},
	}
}

func (r *ComponentRegistry) AddAgent(address protocol.Address, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[address] = &AgentData{Address: address, Endpoint: endpoint}
}

func (r *ComponentRegistry) AddWorker(address protocol.Address, workerType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent, err := address.Parent()
	if err != nil {
		return err
	}
	if _, ok := r.agents[parent]; !ok {
		return &forgeerrors.ErrNotFound{Type: "agent", Value: parent.String()}
	}
	if _, exists := r.workers[address]; exists {
		return &forgeerrors.ErrAlreadyExists{Type: "worker", Value: address.String()}
	}
	r.workers[address] = &WorkerData{Address: address, Type: workerType}
	return nil
}

// MarkWorkerFinished flags the worker as gone. It returns false for an unknown or already finished worker.
func (r *ComponentRegistry) MarkWorkerFinished(address protocol.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker, ok := r.workers[address]
	if !ok || worker.Finished {
		return false
	}
	worker.Finished = true
	return true
}

func (r *ComponentRegistry) AddTest(address protocol.Address, id string, workload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests[address] = &TestData{Address: address, ID: id, Workload: workload}
}

func (r *ComponentRegistry) RemoveTests(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for address, test := range r.tests {
		if test.ID == id {
			delete(r.tests, address)
		}
	}
}

func (r *ComponentRegistry) Agents() []AgentData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]AgentData, 0, len(r.agents))
	for _, address := range sortedKeys(r.agents) {
		agents = append(agents, *r.agents[address])
	}
	return agents
}

func (r *ComponentRegistry) Workers() []WorkerData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workers := make([]WorkerData, 0, len(r.workers))
	for _, address := range sortedKeys(r.workers) {
		workers = append(workers, *r.workers[address])
	}
	return workers
}

// ActiveWorkers returns the workers that have not finished, in address order.
func (r *ComponentRegistry) ActiveWorkers() []WorkerData {
	var active []WorkerData
	for _, worker := range r.Workers() {
		if !worker.Finished {
			active = append(active, worker)
		}
	}
	return active
}

func (r *ComponentRegistry) Tests() []TestData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tests := make([]TestData, 0, len(r.tests))
	for _, address := range sortedKeys(r.tests) {
		tests = append(tests, *r.tests[address])
	}
	return tests
}

func sortedKeys[V any](m map[protocol.Address]V) []protocol.Address {
	keys := maps.Keys(m)
	protocol.SortAddresses(keys)
	return keys
}
