package agent

import (
	"sync"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/protocol"
)

// Roster holds the connections of registered workers, keyed by worker address.
type Roster struct {
	mu      sync.RWMutex
	workers map[protocol.Address]*protocol.Conn
}

func NewRoster() *Roster {
	return &Roster{workers: map[protocol.Address]*protocol.Conn{}}
}

func (r *Roster) Add(address protocol.Address, conn *protocol.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[address]; exists {
		return &forgeerrors.ErrAlreadyExists{Type: "worker", Value: address.String()}
	}
	r.workers[address] = conn
	return nil
}

// Remove drops address if it is still held by conn, so a stale close never evicts a newer registration.
func (r *Roster) Remove(address protocol.Address, conn *protocol.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.workers[address]; !ok || current != conn {
		return false
	}
	delete(r.workers, address)
	return true
}

func (r *Roster) Get(address protocol.Address) (*protocol.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.workers[address]
	return conn, ok
}

// Matching returns the addresses of registered workers covered by pattern, in address order.
// pattern may be below worker level, e.g. C_A1_W*_T2 selects every worker of agent 1.
func (r *Roster) Matching(pattern protocol.Address) []protocol.Address {
	workerPattern := pattern
	for workerPattern.Level() > protocol.WorkerLevel {
		workerPattern, _ = workerPattern.Parent()
	}
	r.mu.RLock()
	var addresses []protocol.Address
	for address := range r.workers {
		if workerPattern.Covers(address) {
			addresses = append(addresses, address)
		}
	}
	r.mu.RUnlock()
	protocol.SortAddresses(addresses)
	return addresses
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
