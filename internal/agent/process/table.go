package process

import (
	"sort"
	"sync"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/protocol"
)

// Table holds the worker processes of an agent, keyed by address. It is safe for concurrent use.
type Table struct {
	mu        sync.RWMutex
	processes map[protocol.Address]*WorkerProcess
}

func NewTable() *Table {
	return &Table{processes: map[protocol.Address]*WorkerProcess{}}
}

func (t *Table) Add(wp *WorkerProcess) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.processes[wp.Address()]; exists {
		return &forgeerrors.ErrAlreadyExists{Type: "worker", Value: wp.Address().String()}
	}
	t.processes[wp.Address()] = wp
	return nil
}

func (t *Table) Get(address protocol.Address) (*WorkerProcess, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	wp, ok := t.processes[address]
	return wp, ok
}

// Remove deletes the entry for address and reports whether there was one.
func (t *Table) Remove(address protocol.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.processes[address]
	delete(t.processes, address)
	return ok
}

// All returns a snapshot of every process, ordered by address.
func (t *Table) All() []*WorkerProcess {
	return t.Matching(protocol.CoordinatorAddress())
}

// Matching returns a snapshot of the processes covered by pattern, ordered by address.
func (t *Table) Matching(pattern protocol.Address) []*WorkerProcess {
	t.mu.RLock()
	result := make([]*WorkerProcess, 0, len(t.processes))
	for address, wp := range t.processes {
		if pattern.Covers(address) {
			result = append(result, wp)
		}
	}
	t.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Address(), result[j].Address()
		if a.AgentIndex() != b.AgentIndex() {
			return a.AgentIndex() < b.AgentIndex()
		}
		return a.WorkerIndex() < b.WorkerIndex()
	})
	return result
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.processes)
}
