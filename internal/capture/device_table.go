package capture

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultDevices is the fixed table mapping supported sampling rates to
// hardware capture devices (spec §6), matching the original's development
// configuration (one ALSA "hw:" device string per rate).
func DefaultDevices() []Device {
	return []Device{
		{Rate: 8000, Name: "hw:1,1,1", FramesPerChunk: 128, QueueSize: 32, Periods: 3},
		{Rate: 11025, Name: "hw:1,1,2", FramesPerChunk: 128, QueueSize: 32, Periods: 3},
		{Rate: 12000, Name: "hw:1,1,3", FramesPerChunk: 128, QueueSize: 32, Periods: 3},
		{Rate: 16000, Name: "hw:1,1,4", FramesPerChunk: 128, QueueSize: 32, Periods: 3},
		{Rate: 22050, Name: "hw:1,1,5", FramesPerChunk: 128, QueueSize: 32, Periods: 3},
		{Rate: 24000, Name: "hw:1,1,6", FramesPerChunk: 128, QueueSize: 32, Periods: 3},
		{Rate: 32000, Name: "hw:1,1,7", FramesPerChunk: 128, QueueSize: 32, Periods: 3},
		{Rate: 44100, Name: "hw:1,1,8", FramesPerChunk: 128, QueueSize: 32, Periods: 3},
		{Rate: 48000, Name: "hw:2,1,1", FramesPerChunk: 128, QueueSize: 32, Periods: 3},
	}
}

// deviceTableFile is the on-disk shape for an optional override of
// DefaultDevices, loaded with gopkg.in/yaml.v3 — an enrichment over the
// spec's fixed built-in table, not a replacement of it (SPEC_FULL.md
// Ambient Stack).
type deviceTableFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadDeviceTable reads a YAML override file. Each entry must supply a
// Rate and Name; FramesPerChunk/QueueSize/Periods default to the same
// values as DefaultDevices when zero.
func LoadDeviceTable(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capture: reading device table %q: %w", path, err)
	}

	var file deviceTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("capture: parsing device table %q: %w", path, err)
	}

	if err := ApplyDeviceDefaults(file.Devices); err != nil {
		return nil, fmt.Errorf("capture: device table %q: %w", path, err)
	}

	return file.Devices, nil
}

// ApplyDeviceDefaults fills FramesPerChunk/QueueSize/Periods with the same
// values DefaultDevices uses when an overlay entry leaves them zero, and
// validates that Rate and Name are present. Shared by LoadDeviceTable and
// internal/config's YAML overlay so both honor one set of defaults.
func ApplyDeviceDefaults(devices []Device) error {
	for i := range devices {
		d := &devices[i]
		if d.FramesPerChunk == 0 {
			d.FramesPerChunk = 128
		}

		if d.QueueSize == 0 {
			d.QueueSize = 32
		}

		if d.Periods == 0 {
			d.Periods = 3
		}

		if d.Rate == 0 || d.Name == "" {
			return fmt.Errorf("entry %d missing rate or name", i)
		}
	}

	return nil
}
