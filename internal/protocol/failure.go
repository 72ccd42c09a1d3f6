package protocol

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// FailureType classifies what went wrong with a worker.
type FailureType int32

const (
	WorkerException FailureType = iota
	WorkerTimeout
	WorkerOOME
	WorkerNormalExit
	WorkerAbnormalExit
	WorkerCreateFailed
)

type failureTypeInfo struct {
	name     string
	terminal bool
	error    bool
}

var failureTypes = map[FailureType]failureTypeInfo{
	WorkerException:    {name: "WorkerException", error: true},
	WorkerTimeout:      {name: "WorkerTimeout", error: true},
	WorkerOOME:         {name: "WorkerOOME", terminal: true, error: true},
	WorkerNormalExit:   {name: "WorkerNormalExit", terminal: true},
	WorkerAbnormalExit: {name: "WorkerAbnormalExit", terminal: true, error: true},
	WorkerCreateFailed: {name: "WorkerCreateFailed", terminal: true, error: true},
}

func (f FailureType) String() string {
	if info, ok := failureTypes[f]; ok {
		return info.name
	}
	return fmt.Sprintf("FailureType(%d)", int32(f))
}

// IsTerminal is true when the worker is gone after this failure and will not respond again.
func (f FailureType) IsTerminal() bool {
	return failureTypes[f].terminal
}

// IsError is false only for a worker that finished normally.
func (f FailureType) IsError() bool {
	return failureTypes[f].error
}

func (f FailureType) MarshalText() ([]byte, error) {
	if _, ok := failureTypes[f]; !ok {
		return nil, errors.Errorf("unknown failure type %d", int32(f))
	}
	return []byte(f.String()), nil
}

func (f *FailureType) UnmarshalText(text []byte) error {
	for failureType, info := range failureTypes {
		if strings.EqualFold(info.name, string(text)) {
			*f = failureType
			return nil
		}
	}
	return errors.Errorf("unknown failure type %q", string(text))
}
