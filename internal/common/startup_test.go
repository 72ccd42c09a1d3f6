package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadforge/internal/protocol"
)

type sampleConfig struct {
	MetricsPort  uint16
	Target       protocol.Address
	PollInterval time.Duration
}

func TestLoadConfig_MergesOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(
		"metricsPort: 9001\ntarget: C_A1\npollInterval: 1s\n"), 0o644))
	override := filepath.Join(dir, "override.yaml")
	require.NoError(t, os.WriteFile(override, []byte("target: C_A2_W*\n"), 0o644))
	t.Setenv("LOADFORGE_POLLINTERVAL", "250ms")

	var config sampleConfig
	LoadConfig(&config, dir, []string{override})

	assert.Equal(t, uint16(9001), config.MetricsPort)
	assert.Equal(t, protocol.WorkerAddress(2, 0), config.Target)
	assert.Equal(t, 250*time.Millisecond, config.PollInterval)
}
