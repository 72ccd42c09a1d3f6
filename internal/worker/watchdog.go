package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const oomeFileName = "worker.oome"

// MemoryWatchdog gives up on the worker once its heap grows beyond a limit. It leaves a worker.oome marker for the
// agent and calls onExceeded once.
type MemoryWatchdog struct {
	home         string
	maxHeapBytes uint64
	heapBytes    func() uint64
	onExceeded   func()
	log          *logrus.Entry
	tripped      bool
}

func NewMemoryWatchdog(home string, maxHeapBytes uint64, onExceeded func(), log *logrus.Entry) *MemoryWatchdog {
	return &MemoryWatchdog{
		home:         home,
		maxHeapBytes: maxHeapBytes,
		heapBytes:    heapAlloc,
		onExceeded:   onExceeded,
		log:          log,
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// Check is run periodically from a single background task.
func (w *MemoryWatchdog) Check() {
	if w.tripped || w.maxHeapBytes == 0 {
		return
	}
	heap := w.heapBytes()
	if heap <= w.maxHeapBytes {
		return
	}
	w.tripped = true
	w.log.Errorf("heap of %d bytes exceeds the limit of %d bytes", heap, w.maxHeapBytes)
	if err := w.writeMarker(heap); err != nil {
		w.log.WithError(err).Error("unable to write out of memory marker")
	}
	w.onExceeded()
}

func (w *MemoryWatchdog) writeMarker(heap uint64) error {
	path := filepath.Join(w.home, oomeFileName)
	content := fmt.Sprintf("heap %d bytes exceeded limit %d bytes\n", heap, w.maxHeapBytes)
	return errors.WithStack(os.WriteFile(path, []byte(content), 0o644))
}
