package coordinator

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/G-Research/loadforge/internal/performance"
	"github.com/G-Research/loadforge/internal/protocol"
)

var (
	testThroughputGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadforge_coordinator_test_throughput",
			Help: "Operations per second of a test summed over all workers during the last interval",
		},
		[]string{"test"},
	)
	testOperationsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadforge_coordinator_test_operations",
			Help: "Operations completed by a test summed over all workers",
		},
		[]string{"test"},
	)
	testLatencyGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadforge_coordinator_test_latency_p999_seconds",
			Help: "Highest 99.9th percentile latency of a test over all workers during the last interval",
		},
		[]string{"test"},
	)
)

// PerformanceStatsCollector keeps the latest stats each worker reported for each test.
type PerformanceStatsCollector struct {
	mu    sync.RWMutex
	// test id -> reporting worker -> latest stats
	stats map[string]map[protocol.Address]performance.Stats
	log   *logrus.Entry
}

func NewPerformanceStatsCollector(log *logrus.Entry) *PerformanceStatsCollector {
	return &PerformanceStatsCollector{
		stats: map[string]map[protocol.Address]performance.Stats{},
		log:   log,
	}
}

// Update replaces the stats source reported for each test in stats.
func (c *PerformanceStatsCollector) Update(source protocol.Address, stats map[string]performance.Stats) {
	c.mu.Lock()
	for testID, testStats := range stats {
		if _, ok := c.stats[testID]; !ok {
			c.stats[testID] = map[protocol.Address]performance.Stats{}
		}
		c.stats[testID][source] = testStats
	}
	c.mu.Unlock()

	for testID := range stats {
		total := c.Total(testID)
		testThroughputGauge.WithLabelValues(testID).Set(total.IntervalThroughput)
		testOperationsGauge.WithLabelValues(testID).Set(float64(total.OperationCount))
		testLatencyGauge.WithLabelValues(testID).Set(float64(total.IntervalLatencyP999Nanos) / 1e9)
	}
}

// AgentTotals sums the stats of testID per agent.
func (c *PerformanceStatsCollector) AgentTotals(testID string) map[protocol.Address]performance.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	totals := map[protocol.Address]performance.Stats{}
	for source, stats := range c.stats[testID] {
		agent := protocol.AgentAddress(source.AgentIndex())
		current, ok := totals[agent]
		if !ok {
			current = performance.EmptyStats()
		}
		totals[agent] = performance.Combine(current, stats, performance.CombineSum)
	}
	return totals
}

// Total sums the stats of testID over all agents.
func (c *PerformanceStatsCollector) Total(testID string) performance.Stats {
	return performance.CombineAll(performance.CombineSum, maps.Values(c.AgentTotals(testID))...)
}

// Current is the element-wise maximum of the stats of testID over all workers.
func (c *PerformanceStatsCollector) Current(testID string) performance.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return performance.CombineAll(performance.CombineMax, maps.Values(c.stats[testID])...)
}

func (c *PerformanceStatsCollector) TestIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := maps.Keys(c.stats)
	sort.Strings(ids)
	return ids
}

// Report logs the total of every test.
func (c *PerformanceStatsCollector) Report() {
	for _, testID := range c.TestIDs() {
		c.log.WithField("test", testID).Infof("%s", c.Total(testID))
	}
}

func (c *PerformanceStatsCollector) Remove(testID string) {
	c.mu.Lock()
	delete(c.stats, testID)
	c.mu.Unlock()
	testThroughputGauge.DeleteLabelValues(testID)
	testOperationsGauge.DeleteLabelValues(testID)
	testLatencyGauge.DeleteLabelValues(testID)
}
