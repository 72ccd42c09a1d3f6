package performance

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbe_CaptureIntervalDrains(t *testing.T) {
	probe := NewProbe("get", true)
	probe.RecordValue(time.Millisecond)
	probe.RecordValue(2 * time.Millisecond)

	now := time.Now()
	captured := probe.CaptureInterval(now)
	assert.Equal(t, int64(2), captured.TotalCount())
	assert.Equal(t, now.UnixMilli(), captured.EndTimeMs())

	// a second capture only sees the next interval
	assert.Equal(t, int64(0), probe.CaptureInterval(now.Add(time.Second)).TotalCount())
	assert.Equal(t, int64(2), probe.Iterations())
}

func TestProbe_ClampsOutOfRangeValues(t *testing.T) {
	probe := NewProbe("slow", false)
	probe.RecordValue(-time.Second)
	probe.RecordValue(time.Hour)

	captured := probe.CaptureInterval(time.Now())
	assert.Equal(t, int64(2), captured.TotalCount())
	assert.True(t, captured.Max() >= int64(time.Minute)-int64(time.Minute)/1000)
}

func TestProbe_ConcurrentRecording(t *testing.T) {
	probe := NewProbe("put", true)
	var wg sync.WaitGroup
	total := int64(0)
	var mu sync.Mutex
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			count := probe.CaptureInterval(time.Now()).TotalCount()
			mu.Lock()
			total += count
			mu.Unlock()
		}
	}()

	var writers sync.WaitGroup
	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for j := 0; j < 1000; j++ {
				probe.RecordValue(time.Microsecond)
			}
		}()
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	total += probe.CaptureInterval(time.Now()).TotalCount()
	assert.Equal(t, int64(4000), total)
}
