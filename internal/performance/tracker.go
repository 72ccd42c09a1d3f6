package performance

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Tracker turns the probes of one test into Stats, one interval at a time.
type Tracker struct {
	testID string
	probes []*Probe
	dir    string
	log    *logrus.Entry

	mu                 sync.Mutex
	started            bool
	startTime          time.Time
	lastTick           time.Time
	baselineIterations int64
	last               Stats

	throughput *ThroughputWriter
	histograms map[string]*HistogramLogWriter
}

// NewTracker creates a tracker for the probes of a test. When dir is not empty, throughput and histogram logs are
// written there.
func NewTracker(testID string, probes []*Probe, dir string, log *logrus.Entry) *Tracker {
	sorted := append([]*Probe(nil), probes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &Tracker{
		testID:     testID,
		probes:     sorted,
		dir:        dir,
		log:        log.WithField("test", testID),
		last:       EmptyStats(),
		histograms: map[string]*HistogramLogWriter{},
	}
}

func (t *Tracker) TestID() string {
	return t.testID
}

// Last returns the stats computed by the most recent tick.
func (t *Tracker) Last() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Start begins measuring at now: what the probes recorded so far is discarded and totals count from now on.
// Starting a started tracker has no effect.
func (t *Tracker) Start(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.start(now)
	}
}

// Tick computes the stats of the interval ending at now. A tick on a tracker that was not started only starts it
// and reports no update. The boolean result is true when the interval saw any operation.
func (t *Tracker) Tick(now time.Time) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		t.start(now)
		return EmptyStats(), false
	}

	intervalOps := int64(0)
	recorded := false
	stats := Stats{}
	for _, probe := range t.probes {
		histogram := probe.CaptureInterval(now)
		count := histogram.TotalCount()
		if count == 0 {
			continue
		}
		recorded = true
		if probe.IsThroughputContributing() {
			intervalOps += count
		}
		stats.IntervalLatencyP999Nanos = maxInt64(stats.IntervalLatencyP999Nanos, histogram.ValueAtQuantile(99.9))
		stats.IntervalLatencyAvgNanos = math.Max(stats.IntervalLatencyAvgNanos, histogram.Mean())
		stats.IntervalLatencyMaxNanos = maxInt64(stats.IntervalLatencyMaxNanos, histogram.Max())
		t.writeHistogram(probe, histogram)
	}

	totalOps := t.iterations() - t.baselineIterations
	stats.OperationCount = totalOps
	stats.IntervalThroughput = perSecond(intervalOps, now.Sub(t.lastTick))
	stats.TotalThroughput = perSecond(totalOps, now.Sub(t.startTime))
	t.lastTick = now
	t.writeThroughput(now, totalOps, intervalOps, stats.IntervalThroughput)

	t.last = stats
	return stats, recorded
}

func (t *Tracker) start(now time.Time) {
	for _, probe := range t.probes {
		probe.Reset(now)
	}
	t.baselineIterations = t.iterations()
	t.startTime = now
	t.lastTick = now
	t.started = true
	if t.dir != "" {
		t.openWriters(now)
	}
}

func (t *Tracker) iterations() int64 {
	total := int64(0)
	for _, probe := range t.probes {
		if probe.IsThroughputContributing() {
			total += probe.Iterations()
		}
	}
	return total
}

func perSecond(ops int64, interval time.Duration) float64 {
	millis := interval.Milliseconds()
	if millis <= 0 {
		return 0
	}
	return float64(ops) * 1000 / float64(millis)
}

func (t *Tracker) openWriters(now time.Time) {
	name := safeFileName(t.testID)
	throughput, err := NewThroughputWriter(filepath.Join(t.dir, fmt.Sprintf("throughput-%s.csv", name)))
	if err != nil {
		t.log.WithError(err).Warn("unable to open throughput log, throughput will not be persisted")
	} else {
		t.throughput = throughput
	}
	for _, probe := range t.probes {
		path := filepath.Join(t.dir, fmt.Sprintf("%s-%s.hdr", name, safeFileName(probe.Name())))
		writer, err := NewHistogramLogWriter(path, t.testID, probe.Name(), now)
		if err != nil {
			t.log.WithError(err).Warnf("unable to open histogram log for probe %s", probe.Name())
			continue
		}
		t.histograms[probe.Name()] = writer
	}
}

func (t *Tracker) writeThroughput(now time.Time, totalOps, intervalOps int64, opsPerSecond float64) {
	if t.throughput == nil {
		return
	}
	if err := t.throughput.Write(now, totalOps, intervalOps, opsPerSecond); err != nil {
		t.log.WithError(err).Warn("unable to write throughput")
	}
}

func (t *Tracker) writeHistogram(probe *Probe, histogram *hdrhistogram.Histogram) {
	writer, ok := t.histograms[probe.Name()]
	if !ok {
		return
	}
	if err := writer.Write(histogram); err != nil {
		t.log.WithError(err).Warnf("unable to write histogram of probe %s", probe.Name())
	}
}

// Close closes the log files of the tracker.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result *multierror.Error
	if t.throughput != nil {
		result = multierror.Append(result, t.throughput.Close())
		t.throughput = nil
	}
	for name, writer := range t.histograms {
		if err := writer.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "closing histogram log of %s", name))
		}
	}
	t.histograms = map[string]*HistogramLogWriter{}
	return result.ErrorOrNil()
}

var fileNameReplacer = strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "_")

func safeFileName(s string) string {
	return fileNameReplacer.Replace(s)
}
