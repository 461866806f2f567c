package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slimstreamer/slimstreamer/internal/capture"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.MaxClients)
	assert.EqualValues(t, 3483, cfg.SlimProtoPort)
	assert.EqualValues(t, 9000, cfg.HTTPPort)
	assert.Nil(t, cfg.Gain)
	assert.Equal(t, capture.DefaultDevices(), cfg.Devices)
}

func writeOverlay(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	return path
}

func TestLoadOverlayLayersNonZeroFieldsOverDefaults(t *testing.T) {
	path := writeOverlay(t, `
max_clients: 4
http_port: 9100
`)

	cfg, err := LoadOverlay(Default(), path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxClients)
	assert.EqualValues(t, 9100, cfg.HTTPPort)
	// Untouched fields keep their default value.
	assert.EqualValues(t, 3483, cfg.SlimProtoPort)
	assert.Equal(t, capture.DefaultDevices(), cfg.Devices)
}

func TestLoadOverlayAppliesGain(t *testing.T) {
	path := writeOverlay(t, `
gain: 50
`)

	cfg, err := LoadOverlay(Default(), path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Gain)
	assert.EqualValues(t, 50, *cfg.Gain)
}

func TestLoadOverlayDeviceTableFillsDefaultsAndReplaces(t *testing.T) {
	path := writeOverlay(t, `
devices:
  - rate: 44100
    name: "hw:3,0"
`)

	cfg, err := LoadOverlay(Default(), path)
	require.NoError(t, err)

	require.Len(t, cfg.Devices, 1)
	assert.EqualValues(t, 44100, cfg.Devices[0].Rate)
	assert.Equal(t, "hw:3,0", cfg.Devices[0].Name)
	assert.Equal(t, 128, cfg.Devices[0].FramesPerChunk)
	assert.Equal(t, 32, cfg.Devices[0].QueueSize)
	assert.Equal(t, 3, cfg.Devices[0].Periods)
}

func TestLoadOverlayRejectsDeviceMissingName(t *testing.T) {
	path := writeOverlay(t, `
devices:
  - rate: 44100
`)

	_, err := LoadOverlay(Default(), path)
	assert.Error(t, err)
}

func TestLoadOverlayMissingFileReturnsError(t *testing.T) {
	_, err := LoadOverlay(Default(), filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
