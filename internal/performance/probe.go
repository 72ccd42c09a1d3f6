package performance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	lowestTrackableLatency  = int64(1)
	highestTrackableLatency = int64(time.Minute)
	significantDigits       = 3
)

// Probe records operation latencies into an interval histogram. Recording is safe from any number of goroutines.
type Probe struct {
	name                   string
	throughputContributing bool

	mu            sync.Mutex
	active        *hdrhistogram.Histogram
	intervalStart time.Time

	iterations atomic.Int64
}

// NewProbe creates a probe. Only throughput contributing probes count towards the operation count of a test.
func NewProbe(name string, throughputContributing bool) *Probe {
	return &Probe{
		name:                   name,
		throughputContributing: throughputContributing,
		active:                 newHistogram(),
		intervalStart:          time.Now(),
	}
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(lowestTrackableLatency, highestTrackableLatency, significantDigits)
}

func (p *Probe) Name() string {
	return p.name
}

func (p *Probe) IsThroughputContributing() bool {
	return p.throughputContributing
}

// RecordValue records one operation that took latency. Values outside the trackable range are clamped.
func (p *Probe) RecordValue(latency time.Duration) {
	value := int64(latency)
	if value < lowestTrackableLatency {
		value = lowestTrackableLatency
	} else if value > highestTrackableLatency {
		value = highestTrackableLatency
	}
	p.mu.Lock()
	_ = p.active.RecordValue(value)
	p.mu.Unlock()
	p.iterations.Add(1)
}

// Done records one operation started at start.
func (p *Probe) Done(start time.Time) {
	p.RecordValue(time.Since(start))
}

// Iterations is the number of operations recorded since the probe was created.
func (p *Probe) Iterations() int64 {
	return p.iterations.Load()
}

// CaptureInterval returns the histogram of everything recorded since the previous capture and starts a new
// interval. The returned histogram is owned by the caller; the probe never touches it again.
func (p *Probe) CaptureInterval(now time.Time) *hdrhistogram.Histogram {
	fresh := newHistogram()
	p.mu.Lock()
	captured := p.active
	start := p.intervalStart
	p.active = fresh
	p.intervalStart = now
	p.mu.Unlock()

	captured.SetStartTimeMs(start.UnixMilli())
	captured.SetEndTimeMs(now.UnixMilli())
	return captured
}

// Reset discards everything recorded in the current interval.
func (p *Probe) Reset(now time.Time) {
	p.CaptureInterval(now)
}
