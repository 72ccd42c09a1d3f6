package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
)

// AddressLevel is the depth of a component in the Coordinator → Agent → Worker → Test hierarchy.
type AddressLevel int32

const (
	CoordinatorLevel AddressLevel = iota
	AgentLevel
	WorkerLevel
	TestLevel
)

// AllChildren is the wildcard index: it selects every child at that level.
const AllChildren int32 = 0

var levelNames = map[AddressLevel]string{
	CoordinatorLevel: "Coordinator",
	AgentLevel:       "Agent",
	WorkerLevel:      "Worker",
	TestLevel:        "Test",
}

var levelPrefixes = map[AddressLevel]string{
	AgentLevel:  "A",
	WorkerLevel: "W",
	TestLevel:   "T",
}

func (l AddressLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("AddressLevel(%d)", int32(l))
}

func (l AddressLevel) valid() bool {
	return l >= CoordinatorLevel && l <= TestLevel
}

// Address locates a component. It is a comparable value and can be used directly as a map key.
// Indices of levels below the address's own level are always zero.
type Address struct {
	level       AddressLevel
	agentIndex  int32
	workerIndex int32
	testIndex   int32
}

var coordinatorAddress = Address{level: CoordinatorLevel}

func CoordinatorAddress() Address {
	return coordinatorAddress
}

func AgentAddress(agentIndex int32) Address {
	return Address{level: AgentLevel, agentIndex: agentIndex}
}

func WorkerAddress(agentIndex, workerIndex int32) Address {
	return Address{level: WorkerLevel, agentIndex: agentIndex, workerIndex: workerIndex}
}

func TestAddress(agentIndex, workerIndex, testIndex int32) Address {
	return Address{level: TestLevel, agentIndex: agentIndex, workerIndex: workerIndex, testIndex: testIndex}
}

// NewAddress builds an address from its wire representation, rejecting unknown levels, negative indices and
// indices set below the address's own level.
func NewAddress(level AddressLevel, agentIndex, workerIndex, testIndex int32) (Address, error) {
	if !level.valid() {
		return Address{}, &forgeerrors.ErrInvalidArgument{Name: "level", Value: level, Message: "unknown address level"}
	}
	indices := []int32{agentIndex, workerIndex, testIndex}
	for i, index := range indices {
		indexLevel := AddressLevel(i + 1)
		if index < 0 {
			return Address{}, &forgeerrors.ErrInvalidArgument{
				Name:    strings.ToLower(indexLevel.String()) + "Index",
				Value:   index,
				Message: "must not be negative",
			}
		}
		if indexLevel > level && index != 0 {
			return Address{}, &forgeerrors.ErrInvalidArgument{
				Name:    strings.ToLower(indexLevel.String()) + "Index",
				Value:   index,
				Message: fmt.Sprintf("must be 0 for a %s address", level),
			}
		}
	}
	return Address{level: level, agentIndex: agentIndex, workerIndex: workerIndex, testIndex: testIndex}, nil
}

func (a Address) Level() AddressLevel { return a.level }
func (a Address) AgentIndex() int32   { return a.agentIndex }
func (a Address) WorkerIndex() int32  { return a.workerIndex }
func (a Address) TestIndex() int32    { return a.testIndex }

// IndexAt returns the index this address holds for the given level. The coordinator has no index.
func (a Address) IndexAt(level AddressLevel) int32 {
	switch level {
	case AgentLevel:
		return a.agentIndex
	case WorkerLevel:
		return a.workerIndex
	case TestLevel:
		return a.testIndex
	default:
		return 0
	}
}

// AddressIndex is the index at the address's own level.
func (a Address) AddressIndex() int32 {
	return a.IndexAt(a.level)
}

func (a Address) Parent() (Address, error) {
	switch a.level {
	case AgentLevel:
		return coordinatorAddress, nil
	case WorkerLevel:
		return AgentAddress(a.agentIndex), nil
	case TestLevel:
		return WorkerAddress(a.agentIndex, a.workerIndex), nil
	default:
		return Address{}, errors.Errorf("%s has no parent", a)
	}
}

// Child returns the address one level below with the given index (0 for all children).
func (a Address) Child(index int32) (Address, error) {
	if index < 0 {
		return Address{}, &forgeerrors.ErrInvalidArgument{Name: "index", Value: index, Message: "must not be negative"}
	}
	switch a.level {
	case CoordinatorLevel:
		return AgentAddress(index), nil
	case AgentLevel:
		return WorkerAddress(a.agentIndex, index), nil
	case WorkerLevel:
		return TestAddress(a.agentIndex, a.workerIndex, index), nil
	default:
		return Address{}, errors.Errorf("%s has no children", a)
	}
}

// IsParentLevelOf is true when this address sits at a strictly higher level than other.
func (a Address) IsParentLevelOf(other Address) bool {
	return a.level < other.level
}

// IsWildcard is true when any index from the agent level down to the address's own level is 0.
func (a Address) IsWildcard() bool {
	for level := AgentLevel; level <= a.level; level++ {
		if a.IndexAt(level) == AllChildren {
			return true
		}
	}
	return false
}

// Covers reports whether concrete is selected by a, treating a's zero indices as wildcards.
// Components below a's level are covered too: C_A1 covers C_A1_W3_T2.
func (a Address) Covers(concrete Address) bool {
	if concrete.level < a.level {
		return false
	}
	for level := AgentLevel; level <= a.level; level++ {
		index := a.IndexAt(level)
		if index != AllChildren && index != concrete.IndexAt(level) {
			return false
		}
	}
	return true
}

func (a Address) String() string {
	var sb strings.Builder
	sb.WriteString("C")
	for level := AgentLevel; level <= a.level; level++ {
		sb.WriteString("_")
		sb.WriteString(levelPrefixes[level])
		index := a.IndexAt(level)
		if index == AllChildren {
			sb.WriteString("*")
		} else {
			sb.WriteString(strconv.FormatInt(int64(index), 10))
		}
	}
	return sb.String()
}

// ParseAddress is the inverse of Address.String.
func ParseAddress(s string) (Address, error) {
	segments := strings.Split(strings.TrimSpace(s), "_")
	if segments[0] != "C" {
		return Address{}, &forgeerrors.ErrInvalidArgument{Name: "address", Value: s, Message: "must start with C"}
	}
	if len(segments) > int(TestLevel)+1 {
		return Address{}, &forgeerrors.ErrInvalidArgument{Name: "address", Value: s, Message: "too many segments"}
	}
	var indices [3]int32
	for i, segment := range segments[1:] {
		level := AddressLevel(i + 1)
		prefix := levelPrefixes[level]
		if !strings.HasPrefix(segment, prefix) || len(segment) == len(prefix) {
			return Address{}, &forgeerrors.ErrInvalidArgument{
				Name:    "address",
				Value:   s,
				Message: fmt.Sprintf("segment %q must be %s<index> or %s*", segment, prefix, prefix),
			}
		}
		value := segment[len(prefix):]
		if value == "*" {
			continue
		}
		index, err := strconv.ParseInt(value, 10, 32)
		if err != nil || index <= 0 {
			return Address{}, &forgeerrors.ErrInvalidArgument{
				Name:    "address",
				Value:   s,
				Message: fmt.Sprintf("segment %q has an invalid index", segment),
			}
		}
		indices[i] = int32(index)
	}
	return NewAddress(AddressLevel(len(segments)-1), indices[0], indices[1], indices[2])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
