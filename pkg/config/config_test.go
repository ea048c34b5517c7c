package config

import (
	"os"
	"path/filepath"
	"testing"

	"picomotor-host/pkg/errors"
)

func validDevice() DeviceConfig {
	return DeviceConfig{
		Name:    "stage",
		Address: "192.168.1.10",
		Axes: []AxisConfig{
			{Name: "x", StepSize: 1e-6},
			{Name: "y", StepSize: 1e-6, Inverted: true},
		},
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picomotor.yaml")
	data := `
devices:
  - name: stage
    address: sim
    protocol: binary
    axes:
      - name: x
        step_size: 1.0e-6
      - name: ""
      - name: y
        step_size: 2.0e-6
        inverted: true
telemetry:
  listen: ":7125"
scan:
  helper: ["sudo", "pmnetscan"]
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Devices) != 1 {
		t.Fatalf("loaded %d devices, want 1", len(cfg.Devices))
	}
	d := cfg.Devices[0]
	if d.Name != "stage" || d.Address != "sim" || d.Protocol != "binary" {
		t.Errorf("device = %+v", d)
	}
	if len(d.Axes) != 3 || d.Axes[1].Name != "" {
		t.Errorf("axes = %+v, want the empty slot preserved", d.Axes)
	}
	if !d.Axes[2].Inverted || d.Axes[2].StepSize != 2.0e-6 {
		t.Errorf("axis y = %+v", d.Axes[2])
	}
	if cfg.Telemetry.Listen != ":7125" {
		t.Errorf("telemetry listen = %q", cfg.Telemetry.Listen)
	}
	if len(cfg.Scan.Helper) != 2 || cfg.Scan.Helper[0] != "sudo" {
		t.Errorf("scan helper = %v", cfg.Scan.Helper)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("error = %v, want config error", err)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("devices: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("error = %v, want config error", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*DeviceConfig)
		ok     bool
	}{
		{"valid", func(d *DeviceConfig) {}, true},
		{"empty name", func(d *DeviceConfig) { d.Name = "" }, false},
		{"empty address", func(d *DeviceConfig) { d.Address = "" }, false},
		{"no axes", func(d *DeviceConfig) { d.Axes = nil }, false},
		{"five axes", func(d *DeviceConfig) {
			d.Axes = append(d.Axes, AxisConfig{Name: "a", StepSize: 1e-6},
				AxisConfig{Name: "b", StepSize: 1e-6}, AxisConfig{Name: "c", StepSize: 1e-6})
		}, false},
		{"duplicate axis name", func(d *DeviceConfig) { d.Axes[1].Name = "x" }, false},
		{"zero step size", func(d *DeviceConfig) { d.Axes[0].StepSize = 0 }, false},
		{"negative step size", func(d *DeviceConfig) { d.Axes[0].StepSize = -1e-6 }, false},
		{"step size not in meters", func(d *DeviceConfig) { d.Axes[0].StepSize = 1.0 }, false},
		{"unknown protocol", func(d *DeviceConfig) { d.Protocol = "modbus" }, false},
		{"binary protocol", func(d *DeviceConfig) { d.Protocol = "binary" }, true},
		{"all slots empty", func(d *DeviceConfig) {
			d.Axes = []AxisConfig{{Name: ""}, {Name: ""}}
		}, false},
		{"unconnected slot allowed", func(d *DeviceConfig) {
			d.Axes = []AxisConfig{{Name: "x", StepSize: 1e-6}, {Name: ""}}
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDevice()
			tc.mutate(&d)
			err := d.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate: %v, want nil", err)
			}
			if !tc.ok {
				if err == nil {
					t.Error("Validate passed, want error")
				} else if !errors.Is(err, errors.ErrConfig) {
					t.Errorf("error = %v, want config error", err)
				}
			}
		})
	}
}
