package performance

import (
	"fmt"
	"math"
)

// Stats is a snapshot of the performance of one test, or a roll-up of several.
type Stats struct {
	OperationCount           int64
	IntervalThroughput       float64
	TotalThroughput          float64
	IntervalLatencyAvgNanos  float64
	IntervalLatencyP999Nanos int64
	IntervalLatencyMaxNanos  int64
}

const emptyOperationCount = -1

// EmptyStats returns the value that stands for "no data yet".
func EmptyStats() Stats {
	return Stats{OperationCount: emptyOperationCount}
}

func (s Stats) IsEmpty() bool {
	return s.OperationCount == emptyOperationCount
}

// CombineMode selects how operation counts and throughput are merged. Latencies are always merged by maximum.
type CombineMode int

const (
	// CombineSum adds counts and throughput, e.g. to roll up several workers into a total.
	CombineSum CombineMode = iota
	// CombineMax keeps the largest counts and throughput, e.g. for the current value across sources.
	CombineMax
)

func (m CombineMode) String() string {
	switch m {
	case CombineSum:
		return "sum"
	case CombineMax:
		return "max"
	default:
		return fmt.Sprintf("CombineMode(%d)", int(m))
	}
}

// Combine merges a and b. Combining with an empty value returns the other operand unchanged.
func Combine(a, b Stats, mode CombineMode) Stats {
	if a.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return a
	}
	result := Stats{
		IntervalLatencyAvgNanos:  math.Max(a.IntervalLatencyAvgNanos, b.IntervalLatencyAvgNanos),
		IntervalLatencyP999Nanos: maxInt64(a.IntervalLatencyP999Nanos, b.IntervalLatencyP999Nanos),
		IntervalLatencyMaxNanos:  maxInt64(a.IntervalLatencyMaxNanos, b.IntervalLatencyMaxNanos),
	}
	switch mode {
	case CombineMax:
		result.OperationCount = maxInt64(a.OperationCount, b.OperationCount)
		result.IntervalThroughput = math.Max(a.IntervalThroughput, b.IntervalThroughput)
		result.TotalThroughput = math.Max(a.TotalThroughput, b.TotalThroughput)
	default:
		result.OperationCount = a.OperationCount + b.OperationCount
		result.IntervalThroughput = a.IntervalThroughput + b.IntervalThroughput
		result.TotalThroughput = a.TotalThroughput + b.TotalThroughput
	}
	return result
}

// CombineAll folds Combine over stats, starting from EmptyStats.
func CombineAll(mode CombineMode, stats ...Stats) Stats {
	result := EmptyStats()
	for _, s := range stats {
		result = Combine(result, s, mode)
	}
	return result
}

func (s Stats) String() string {
	if s.IsEmpty() {
		return "Stats{empty}"
	}
	return fmt.Sprintf("Stats{ops=%d, interval=%.2f ops/s, total=%.2f ops/s, avg=%.0fns, p99.9=%dns, max=%dns}",
		s.OperationCount, s.IntervalThroughput, s.TotalThroughput,
		s.IntervalLatencyAvgNanos, s.IntervalLatencyP999Nanos, s.IntervalLatencyMaxNanos)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
