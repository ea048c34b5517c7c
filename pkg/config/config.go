// Package config loads the host configuration: controllers, their axes,
// the telemetry listener and the discovery helper command.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	pkgerrors "picomotor-host/pkg/errors"
)

// MaxStepSize is the sanity ceiling for a step size in meters. Step sizes
// are typically around 1 µm; anything past a centimeter is a unit mistake.
const MaxStepSize = 10e-3

// AxisConfig describes one axis of a controller. An empty name marks a
// connector with no actuator attached.
type AxisConfig struct {
	Name     string  `yaml:"name"`
	StepSize float64 `yaml:"step_size"` // meters per hardware step
	Inverted bool    `yaml:"inverted,omitempty"`
}

// DeviceConfig describes one controller.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"` // serial path, host[:port], "autoip" or "sim"
	Serial  string `yaml:"serial,omitempty"`
	// Protocol selects the command variant: "ascii" (default) or "binary".
	// The "sim" address always speaks binary.
	Protocol string       `yaml:"protocol,omitempty"`
	Axes     []AxisConfig `yaml:"axes"`
}

// TelemetryConfig configures the snapshot/metrics server.
type TelemetryConfig struct {
	Listen string `yaml:"listen,omitempty"` // e.g. ":7125"; empty disables
}

// ScanConfig configures network discovery.
type ScanConfig struct {
	// Helper is the argv of the privilege-separated discovery helper.
	Helper []string `yaml:"helper,omitempty"`
}

// Config aggregates the host configuration.
type Config struct {
	Devices   []DeviceConfig  `yaml:"devices"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Scan      ScanConfig      `yaml:"scan"`
	LogLevel  string          `yaml:"log_level,omitempty"`
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrConfig, "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrConfig, "unmarshal yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for construction-time errors.
func (c *Config) Validate() error {
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks one device's configuration.
func (d *DeviceConfig) Validate() error {
	if d.Name == "" {
		return pkgerrors.Config("device with empty name")
	}
	if d.Address == "" {
		return pkgerrors.Config("device %s: empty address", d.Name)
	}
	if len(d.Axes) < 1 || len(d.Axes) > 4 {
		return pkgerrors.Config("device %s: 1 to 4 axes expected, got %d", d.Name, len(d.Axes))
	}
	switch d.Protocol {
	case "", "ascii", "binary":
	default:
		return pkgerrors.Config("device %s: unknown protocol %q", d.Name, d.Protocol)
	}

	seen := make(map[string]bool)
	connected := 0
	for i, a := range d.Axes {
		if a.Name == "" {
			continue // unconnected slot
		}
		connected++
		if seen[a.Name] {
			return pkgerrors.Config("device %s: duplicate axis name %q", d.Name, a.Name)
		}
		seen[a.Name] = true
		if a.StepSize <= 0 {
			return pkgerrors.Config("device %s axis %d: step size must be positive, got %g", d.Name, i+1, a.StepSize)
		}
		if a.StepSize > MaxStepSize {
			return pkgerrors.Config("device %s axis %d: step size should be in meters, got %g", d.Name, i+1, a.StepSize)
		}
	}
	if connected == 0 {
		return pkgerrors.Config("device %s: no connected axes", d.Name)
	}
	return nil
}
