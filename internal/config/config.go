// Package config resolves SlimStreamer's process-level configuration:
// the CLI flags of spec §6 plus the optional YAML overlay SPEC_FULL.md's
// Ambient Stack describes for the capture-device table, server ports, and
// gain, grounded on the teacher's src/config.go (a flat settings struct
// populated first from a config file, then overridden by flags).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/slimstreamer/slimstreamer/internal/capture"
)

// Config is the fully resolved set of runtime settings, after CLI flags
// have been layered over any YAML overlay and the built-in defaults
// (spec §6).
type Config struct {
	MaxClients    int
	SlimProtoPort uint16
	HTTPPort      uint16
	Gain          *uint16
	Devices       []capture.Device
}

// overlayFile is the on-disk shape of the optional YAML overlay
// (SPEC_FULL.md Ambient Stack: "Configuration"). Every field is optional;
// zero values leave the corresponding Config field at its default.
type overlayFile struct {
	MaxClients    int              `yaml:"max_clients"`
	SlimProtoPort uint16           `yaml:"slimproto_port"`
	HTTPPort      uint16           `yaml:"http_port"`
	Gain          *uint16          `yaml:"gain"`
	Devices       []capture.Device `yaml:"devices"`
}

// Default returns the fixed defaults of spec §6: 10 max clients, SlimProto
// port 3483, HTTP streaming port 9000, no gain override, the built-in
// capture-device table.
func Default() Config {
	return Config{
		MaxClients:    10,
		SlimProtoPort: 3483,
		HTTPPort:      9000,
		Devices:       capture.DefaultDevices(),
	}
}

// LoadOverlay reads an optional YAML file and layers its non-zero fields
// over cfg, returning the merged result. A missing or unreadable file is an
// error, returned together with cfg unchanged.
func LoadOverlay(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading overlay %q: %w", path, err)
	}

	var overlay overlayFile
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("config: parsing overlay %q: %w", path, err)
	}

	if overlay.MaxClients != 0 {
		cfg.MaxClients = overlay.MaxClients
	}

	if overlay.SlimProtoPort != 0 {
		cfg.SlimProtoPort = overlay.SlimProtoPort
	}

	if overlay.HTTPPort != 0 {
		cfg.HTTPPort = overlay.HTTPPort
	}

	if overlay.Gain != nil {
		cfg.Gain = overlay.Gain
	}

	if len(overlay.Devices) > 0 {
		if err := capture.ApplyDeviceDefaults(overlay.Devices); err != nil {
			return cfg, fmt.Errorf("config: overlay %q: %w", path, err)
		}

		cfg.Devices = overlay.Devices
	}

	return cfg, nil
}
