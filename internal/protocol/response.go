package protocol

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
)

// ResultKind is the outcome of an operation at one address.
type ResultKind int32

const (
	Success ResultKind = iota
	UnsupportedOperation
	FailureCoordinatorNotFound
	FailureAgentNotFound
	FailureWorkerNotFound
	FailureTestNotFound
	ExceptionDuringOperation
	UnblockedByFailure
)

var resultKindNames = []string{
	"Success",
	"UnsupportedOperation",
	"FailureCoordinatorNotFound",
	"FailureAgentNotFound",
	"FailureWorkerNotFound",
	"FailureTestNotFound",
	"ExceptionDuringOperation",
	"UnblockedByFailure",
}

func (r ResultKind) String() string {
	if r >= 0 && int(r) < len(resultKindNames) {
		return resultKindNames[r]
	}
	return fmt.Sprintf("ResultKind(%d)", int32(r))
}

func (r ResultKind) valid() bool {
	return r >= Success && r <= UnblockedByFailure
}

// NotFoundResult returns the typed "not found" result for a component at the given level.
func NotFoundResult(level AddressLevel) ResultKind {
	switch level {
	case CoordinatorLevel:
		return FailureCoordinatorNotFound
	case AgentLevel:
		return FailureAgentNotFound
	case WorkerLevel:
		return FailureWorkerNotFound
	default:
		return FailureTestNotFound
	}
}

// ResultKindFromError maps an error returned by an operation handler onto the result sent back on the wire.
func ResultKindFromError(err error) ResultKind {
	if err == nil {
		return Success
	}
	var unsupported *forgeerrors.ErrUnsupportedOperation
	if errors.As(err, &unsupported) {
		return UnsupportedOperation
	}
	var notFound *forgeerrors.ErrNotFound
	if errors.As(err, &notFound) {
		switch notFound.Type {
		case "coordinator":
			return FailureCoordinatorNotFound
		case "agent":
			return FailureAgentNotFound
		case "worker":
			return FailureWorkerNotFound
		case "test":
			return FailureTestNotFound
		}
	}
	return ExceptionDuringOperation
}

// TerminalMessageID marks the sentinel response that closes a channel.
const TerminalMessageID int64 = -1

// Response carries one result per address that handled the message with the same id.
type Response struct {
	messageID int64
	parts     map[Address]ResultKind
}

func NewResponse(messageID int64) *Response {
	return &Response{messageID: messageID, parts: map[Address]ResultKind{}}
}

// NewResponseWithPart is shorthand for a response with a single part.
func NewResponseWithPart(messageID int64, address Address, result ResultKind) *Response {
	return NewResponse(messageID).AddPart(address, result)
}

// TerminalResponse signals that no further responses will be sent on the channel.
func TerminalResponse() *Response {
	return NewResponse(TerminalMessageID)
}

func (r *Response) MessageID() int64 {
	return r.messageID
}

func (r *Response) IsTerminal() bool {
	return r.messageID == TerminalMessageID
}

// AddPart sets the result for address and returns the response for chaining.
func (r *Response) AddPart(address Address, result ResultKind) *Response {
	r.parts[address] = result
	return r
}

// AddAllParts copies every part of other into r.
func (r *Response) AddAllParts(other *Response) *Response {
	if other == nil {
		return r
	}
	for address, result := range other.parts {
		r.parts[address] = result
	}
	return r
}

func (r *Response) Size() int {
	return len(r.parts)
}

// Result returns the result recorded for address.
func (r *Response) Result(address Address) (ResultKind, bool) {
	result, ok := r.parts[address]
	return result, ok
}

// Parts returns a copy of the per-address results.
func (r *Response) Parts() map[Address]ResultKind {
	parts := make(map[Address]ResultKind, len(r.parts))
	for address, result := range r.parts {
		parts[address] = result
	}
	return parts
}

// Addresses returns the addresses of all parts in a stable order.
func (r *Response) Addresses() []Address {
	addresses := make([]Address, 0, len(r.parts))
	for address := range r.parts {
		addresses = append(addresses, address)
	}
	SortAddresses(addresses)
	return addresses
}

// IsSuccess is true when every part succeeded. An empty response is not a success.
func (r *Response) IsSuccess() bool {
	if len(r.parts) == 0 {
		return false
	}
	for _, result := range r.parts {
		if result != Success {
			return false
		}
	}
	return true
}

// FirstFailure returns the first non-successful part in address order.
func (r *Response) FirstFailure() (Address, ResultKind, bool) {
	for _, address := range r.Addresses() {
		if result := r.parts[address]; result != Success {
			return address, result, true
		}
	}
	return Address{}, Success, false
}

func (r *Response) String() string {
	s := fmt.Sprintf("Response{messageId=%d", r.messageID)
	for _, address := range r.Addresses() {
		s += fmt.Sprintf(", %s=%s", address, r.parts[address])
	}
	return s + "}"
}

// SortAddresses orders addresses by level, then agent, worker and test index.
func SortAddresses(addresses []Address) {
	sort.Slice(addresses, func(i, j int) bool {
		return addressLess(addresses[i], addresses[j])
	})
}

func addressLess(a, b Address) bool {
	if a.level != b.level {
		return a.level < b.level
	}
	if a.agentIndex != b.agentIndex {
		return a.agentIndex < b.agentIndex
	}
	if a.workerIndex != b.workerIndex {
		return a.workerIndex < b.workerIndex
	}
	return a.testIndex < b.testIndex
}
