package performance

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/G-Research/loadforge/internal/common/logging"
	"github.com/G-Research/loadforge/internal/common/util"
)

var intervalThroughputGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "loadforge_worker_interval_throughput",
		Help: "Operations per second of a test during the last interval",
	},
	[]string{"test"},
)

// Publisher sends the stats of the tests that changed during a tick, keyed by test id.
type Publisher func(stats map[string]Stats) error

// Aggregator ticks the trackers of all running tests and publishes the ones that changed.
type Aggregator struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	publish  Publisher
	clock    util.Clock
	log      *logrus.Entry
}

func NewAggregator(publish Publisher, clock util.Clock, log *logrus.Entry) *Aggregator {
	return &Aggregator{
		trackers: map[string]*Tracker{},
		publish:  publish,
		clock:    clock,
		log:      log,
	}
}

// Add starts aggregating the tracker. A tracker registered under the same test id is replaced and closed.
func (a *Aggregator) Add(tracker *Tracker) {
	a.mu.Lock()
	previous, exists := a.trackers[tracker.TestID()]
	a.trackers[tracker.TestID()] = tracker
	a.mu.Unlock()
	if exists {
		a.closeTracker(previous)
	}
}

// Remove stops aggregating the test and closes its logs.
func (a *Aggregator) Remove(testID string) {
	a.mu.Lock()
	tracker, exists := a.trackers[testID]
	delete(a.trackers, testID)
	a.mu.Unlock()
	if exists {
		a.closeTracker(tracker)
		intervalThroughputGauge.DeleteLabelValues(testID)
	}
}

// Tick runs one aggregation round. Nothing is published when no test recorded an operation.
func (a *Aggregator) Tick() {
	now := a.clock.Now()
	a.mu.Lock()
	testIDs := maps.Keys(a.trackers)
	trackers := make([]*Tracker, 0, len(testIDs))
	sort.Strings(testIDs)
	for _, testID := range testIDs {
		trackers = append(trackers, a.trackers[testID])
	}
	a.mu.Unlock()

	changed := map[string]Stats{}
	for _, tracker := range trackers {
		stats, updated := tracker.Tick(now)
		if !updated {
			continue
		}
		changed[tracker.TestID()] = stats
		intervalThroughputGauge.WithLabelValues(tracker.TestID()).Set(stats.IntervalThroughput)
	}
	if len(changed) == 0 {
		return
	}
	if err := a.publish(changed); err != nil {
		a.log.WithError(err).Warnf("unable to publish performance stats of %d tests", len(changed))
	}
}

// Close closes every tracker.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	trackers := maps.Values(a.trackers)
	a.trackers = map[string]*Tracker{}
	a.mu.Unlock()

	var result *multierror.Error
	for _, tracker := range trackers {
		result = multierror.Append(result, tracker.Close())
	}
	return result.ErrorOrNil()
}

func (a *Aggregator) closeTracker(tracker *Tracker) {
	if err := tracker.Close(); err != nil {
		logging.WithStacktrace(a.log, err).Warnf("unable to close logs of test %s", tracker.TestID())
	}
}
