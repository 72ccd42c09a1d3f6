package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
)

// FutureKey identifies an outstanding request: the id of the message and the index of the component it was sent to.
type FutureKey struct {
	MessageID    int64
	AddressIndex int32
}

func (k FutureKey) String() string {
	return fmt.Sprintf("%d/%d", k.MessageID, k.AddressIndex)
}

// Future is a single-assignment cell holding the response to a request.
// Any number of goroutines may wait on it. The first Set wins, later ones are discarded.
type Future struct {
	key         FutureKey
	destination Address
	done        chan struct{}
	once        sync.Once
	response    *Response
}

func NewFuture(key FutureKey, destination Address) *Future {
	return &Future{key: key, destination: destination, done: make(chan struct{})}
}

func (f *Future) Key() FutureKey       { return f.key }
func (f *Future) Destination() Address { return f.destination }

// Done is closed once the future holds a response.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Set stores response and wakes every waiter. It returns false if the future was already resolved.
func (f *Future) Set(response *Response) bool {
	set := false
	f.once.Do(func() {
		f.response = response
		set = true
		close(f.done)
	})
	return set
}

// Response returns the stored response without blocking.
func (f *Future) Response() (*Response, bool) {
	select {
	case <-f.done:
		return f.response, true
	default:
		return nil, false
	}
}

// Await blocks until the future is resolved or ctx is done. Waiting has no effect on the future itself.
func (f *Future) Await(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.response, nil
	default:
	}
	select {
	case <-f.done:
		return f.response, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &forgeerrors.ErrCorrelationTimeout{Key: f.key.String(), Timeout: timeoutOf(ctx)}
		}
		return nil, errors.WithStack(ctx.Err())
	}
}

// AwaitTimeout is Await with a timeout instead of a context.
func (f *Future) AwaitTimeout(timeout time.Duration) (*Response, error) {
	select {
	case <-f.done:
		return f.response, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.response, nil
	case <-timer.C:
		return nil, &forgeerrors.ErrCorrelationTimeout{Key: f.key.String(), Timeout: timeout}
	}
}

type timeoutKey struct{}

// WithRequestTimeout returns a context that expires after timeout and remembers the timeout for error messages.
func WithRequestTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return context.WithValue(ctx, timeoutKey{}, timeout), cancel
}

func timeoutOf(ctx context.Context) time.Duration {
	if timeout, ok := ctx.Value(timeoutKey{}).(time.Duration); ok {
		return timeout
	}
	return 0
}

// Registry holds the futures of all outstanding requests of one component. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	futures map[FutureKey]*Future
}

func NewRegistry() *Registry {
	return &Registry{futures: map[FutureKey]*Future{}}
}

// Create registers a pending future for key. The key stays registered until it is resolved.
func (r *Registry) Create(key FutureKey, destination Address) (*Future, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.futures[key]; exists {
		return nil, &forgeerrors.ErrAlreadyExists{Type: "future", Value: key.String()}
	}
	future := NewFuture(key, destination)
	r.futures[key] = future
	return future, nil
}

// Resolve sets the response of the future registered under key and releases the key.
// It returns false when no future is pending for key, e.g. for a late duplicate response.
func (r *Registry) Resolve(key FutureKey, response *Response) bool {
	r.mu.Lock()
	future, ok := r.futures[key]
	delete(r.futures, key)
	r.mu.Unlock()
	if !ok {
		return false
	}
	return future.Set(response)
}

// Remove drops the future registered under key without resolving it.
func (r *Registry) Remove(key FutureKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.futures, key)
}

func (r *Registry) Get(key FutureKey) (*Future, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	future, ok := r.futures[key]
	return future, ok
}

// Await waits for the future pending under key. A timeout leaves the future registered.
func (r *Registry) Await(key FutureKey, timeout time.Duration) (*Response, error) {
	future, ok := r.Get(key)
	if !ok {
		return nil, &forgeerrors.ErrNotFound{Type: "future", Value: key.String()}
	}
	return future.AwaitTimeout(timeout)
}

// UnblockOnFailure resolves every pending future whose destination is covered by failed with UnblockedByFailure.
// It returns the number of futures unblocked.
func (r *Registry) UnblockOnFailure(failed Address) int {
	return r.unblock(func(future *Future) bool {
		return failed.Covers(future.destination)
	})
}

// UnblockAll resolves every pending future with UnblockedByFailure.
func (r *Registry) UnblockAll() int {
	return r.unblock(func(*Future) bool { return true })
}

func (r *Registry) unblock(matches func(*Future) bool) int {
	var unblocked []*Future
	r.mu.Lock()
	for key, future := range r.futures {
		if matches(future) {
			unblocked = append(unblocked, future)
			delete(r.futures, key)
		}
	}
	r.mu.Unlock()

	for _, future := range unblocked {
		future.Set(NewResponseWithPart(future.key.MessageID, future.destination, UnblockedByFailure))
	}
	return len(unblocked)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.futures)
}
