package driver

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/performance"
)

const (
	NoopWorkloadName  = "noop"
	SleepWorkloadName = "sleep"

	// SleepProperty sets the duration of one sleep operation, e.g. "5ms".
	SleepProperty = "sleep"
	// FailAfterProperty makes a workload fail its run phase after the given number of operations. Property names are
	// lower case since the coordinator reads them through viper.
	FailAfterProperty = "failafter"

	defaultSleep = time.Millisecond
)

// NoopWorkload records empty operations as fast as it can. It measures the overhead of the harness itself.
type NoopWorkload struct {
	probe *performance.Probe
}

func NewNoopWorkload() *NoopWorkload {
	return &NoopWorkload{probe: performance.NewProbe("noop", true)}
}

func (w *NoopWorkload) Setup(context.Context, map[string]string) error { return nil }
func (w *NoopWorkload) Teardown(context.Context) error                 { return nil }
func (w *NoopWorkload) Probes() []*performance.Probe                   { return []*performance.Probe{w.probe} }

func (w *NoopWorkload) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		start := time.Now()
		w.probe.Done(start)
	}
	return nil
}

// SleepWorkload sleeps for a fixed duration per operation.
type SleepWorkload struct {
	probe     *performance.Probe
	sleep     time.Duration
	failAfter int64
}

func NewSleepWorkload() *SleepWorkload {
	return &SleepWorkload{probe: performance.NewProbe("sleep", true), sleep: defaultSleep}
}

func (w *SleepWorkload) Setup(_ context.Context, properties map[string]string) error {
	if value, ok := properties[SleepProperty]; ok {
		sleep, err := time.ParseDuration(value)
		if err != nil || sleep < 0 {
			return &forgeerrors.ErrInvalidArgument{Name: SleepProperty, Value: value, Message: "must be a non-negative duration"}
		}
		w.sleep = sleep
	}
	if value, ok := properties[FailAfterProperty]; ok {
		failAfter, err := strconv.ParseInt(value, 10, 64)
		if err != nil || failAfter <= 0 {
			return &forgeerrors.ErrInvalidArgument{Name: FailAfterProperty, Value: value, Message: "must be a positive integer"}
		}
		w.failAfter = failAfter
	}
	return nil
}

func (w *SleepWorkload) Teardown(context.Context) error { return nil }
func (w *SleepWorkload) Probes() []*performance.Probe   { return []*performance.Probe{w.probe} }

func (w *SleepWorkload) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C
	for operations := int64(1); ; operations++ {
		start := time.Now()
		timer.Reset(w.sleep)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		w.probe.Done(start)
		if w.failAfter > 0 && operations >= w.failAfter {
			return errors.Errorf("sleep workload failed after %d operations", operations)
		}
	}
}
