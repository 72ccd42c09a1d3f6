package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadforge/internal/common/logging"
)

func TestExceptionRecorder_NumbersFiles(t *testing.T) {
	home := t.TempDir()
	recorder := NewExceptionRecorder(home)

	first, err := recorder.Record("map-test", errors.New("boom"))
	require.NoError(t, err)
	second, err := recorder.Record("", errors.New("bang"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "1.exception"), first)
	assert.Equal(t, filepath.Join(home, "2.exception"), second)

	content, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(content), "null\nbang")

	entries, err := os.ReadDir(home)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryWatchdog(t *testing.T) {
	home := t.TempDir()
	exceeded := 0
	watchdog := NewMemoryWatchdog(home, 100, func() { exceeded++ }, logging.NullEntry())
	heap := uint64(50)
	watchdog.heapBytes = func() uint64 { return heap }

	watchdog.Check()
	assert.Equal(t, 0, exceeded)
	assert.NoFileExists(t, filepath.Join(home, oomeFileName))

	heap = 150
	watchdog.Check()
	watchdog.Check()
	assert.Equal(t, 1, exceeded)
	assert.FileExists(t, filepath.Join(home, oomeFileName))
}

func TestMemoryWatchdog_Disabled(t *testing.T) {
	watchdog := NewMemoryWatchdog(t.TempDir(), 0, func() { t.Fatal("limit of 0 means no limit") }, logging.NullEntry())
	watchdog.Check()
}
