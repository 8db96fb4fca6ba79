package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwsl/rfdemod/demod/formats"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
input:
  file: capture.ddd
  sample_rate: 28636363
  device: cxadc
format:
  name: svhs
  system: pal
demod:
  block_len: 16384
  high_boost: 0
afc:
  linearize: true
output:
  base: out/tape1
  compress: true
prometheus:
  enabled: true
  allowed_hosts: ["127.0.0.1", "10.0.0.0/8"]
`)
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if config.Input.SampleRate != 28636363 {
		t.Errorf("sample rate = %g", config.Input.SampleRate)
	}
	if config.Demod.BlockLen != 16384 {
		t.Errorf("block_len = %d", config.Demod.BlockLen)
	}
	if config.Demod.EdgeCut != formats.DefaultEdgeCut {
		t.Errorf("edge_cut default = %d, want %d", config.Demod.EdgeCut, formats.DefaultEdgeCut)
	}
	if config.Demod.HighBoost == nil || *config.Demod.HighBoost != 0 {
		t.Errorf("high_boost = %v, want explicit 0", config.Demod.HighBoost)
	}
	if !config.AFC.Linearize {
		t.Error("afc.linearize not read")
	}
	if config.MQTT.TopicPrefix != "rfdemod" {
		t.Errorf("mqtt topic prefix default = %q", config.MQTT.TopicPrefix)
	}

	p, err := config.DeviceParams()
	if err != nil {
		t.Fatalf("DeviceParams() error = %v", err)
	}
	if p.Format != formats.SVHS || p.System != formats.PAL || p.Device != formats.CXADC {
		t.Errorf("params = %v %v %v", p.Format, p.System, p.Device)
	}
	if p.HighBoost != 0 {
		t.Errorf("HighBoost = %g, want 0", p.HighBoost)
	}
	if p.Dropout.ThresholdFraction != formats.CXADCDropoutFraction {
		t.Errorf("dropout fraction = %g, want the cxadc default", p.Dropout.ThresholdFraction)
	}
	if !p.AFC {
		t.Error("AFC should default on for a tape format")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: expected an error")
	}
	if _, err := LoadConfig(writeConfig(t, "input: [")); err == nil {
		t.Error("bad yaml: expected an error")
	}
	bad := writeConfig(t, "prometheus:\n  enabled: true\n  allowed_hosts: [\"not-an-ip\"]\n")
	if _, err := LoadConfig(bad); err == nil {
		t.Error("bad allowed_hosts: expected an error")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Input.SampleRate != 40e6 {
		t.Errorf("sample rate = %g", config.Input.SampleRate)
	}
	if config.Format.Name != "vhs" || config.Format.System != "ntsc" {
		t.Errorf("format = %s/%s", config.Format.Name, config.Format.System)
	}
	if config.Demod.BlockLen != formats.DefaultBlockLen {
		t.Errorf("block_len = %d", config.Demod.BlockLen)
	}
	if config.Status.Listen != ":8090" {
		t.Errorf("status listen = %q", config.Status.Listen)
	}
	if _, err := config.DeviceParams(); err != nil {
		t.Errorf("DeviceParams() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		wantField string // set when a *formats.ConfigurationError is expected
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no input", mutate: func(c *Config) { c.Input.File = "" }, wantErr: true},
		{name: "no output", mutate: func(c *Config) { c.Output.Base = "" }, wantErr: true},
		{name: "negative start", mutate: func(c *Config) { c.Input.Start = -1 }, wantErr: true},
		{name: "negative threads", mutate: func(c *Config) { c.Workers.Threads = -2 }, wantErr: true},
		{name: "bad sample format", mutate: func(c *Config) { c.Input.SampleFormat = "s24" }, wantErr: true},
		{name: "bad qos", mutate: func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, wantErr: true},
		{name: "pushgateway without url", mutate: func(c *Config) {
			c.Prometheus.Pushgateway.Enabled = true
		}, wantErr: true},
		{name: "unknown format", mutate: func(c *Config) { c.Format.Name = "betacam" }, wantErr: true, wantField: "format"},
		{name: "unknown system", mutate: func(c *Config) { c.Format.System = "secam" }, wantErr: true, wantField: "system"},
		{name: "unknown device", mutate: func(c *Config) { c.Input.Device = "rtlsdr" }, wantErr: true, wantField: "input.device"},
		{name: "odd block", mutate: func(c *Config) { c.Demod.BlockLen = 16383 }, wantErr: true, wantField: "block length"},
		{name: "edge cut too large", mutate: func(c *Config) {
			c.Demod.BlockLen = 2048
			c.Demod.EdgeCut = 1024
			c.Demod.EdgeCutEnd = 1024
		}, wantErr: true, wantField: "edge cut"},
		{name: "afc on laserdisc", mutate: func(c *Config) {
			c.Format.Name = "ld"
			c.AFC.Enabled = boolPtr(true)
		}, wantErr: true, wantField: "afc.enabled"},
		{name: "afc off on laserdisc", mutate: func(c *Config) {
			c.Format.Name = "ld"
			c.AFC.Enabled = boolPtr(false)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.Input.File = "capture.ddd"
			config.Output.Base = "out"
			tt.mutate(config)

			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantField == "" {
				return
			}
			var cfgErr *formats.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %v is not a ConfigurationError", err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.wantField)
			}
		})
	}
}

func TestAFCTracker(t *testing.T) {
	config := DefaultConfig()
	config.AFC.MaxDeviationPercent = 2
	p, err := config.DeviceParams()
	if err != nil {
		t.Fatalf("DeviceParams() error = %v", err)
	}
	cfg, err := config.AFCTracker(p)
	if err != nil {
		t.Fatalf("AFCTracker() error = %v", err)
	}
	if cfg.MaxDeviationPercent != 2 {
		t.Errorf("MaxDeviationPercent = %g", cfg.MaxDeviationPercent)
	}
	if cfg.MeasureLen != config.AFC.MeasureLen {
		t.Errorf("MeasureLen = %d, want %d", cfg.MeasureLen, config.AFC.MeasureLen)
	}
}

func TestIsIPAllowed(t *testing.T) {
	pc := PrometheusConfig{AllowedHosts: []string{"127.0.0.1", "10.0.0.0/8", "::1"}}
	if err := pc.parseAllowedHosts(); err != nil {
		t.Fatalf("parseAllowedHosts() error = %v", err)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.2", false},
		{"10.20.30.40", true},
		{"192.168.1.1", false},
		{"::1", true},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := pc.IsIPAllowed(tt.ip); got != tt.want {
			t.Errorf("IsIPAllowed(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	var open PrometheusConfig
	if !open.IsIPAllowed("203.0.113.9") {
		t.Error("an empty allow list should allow everyone")
	}
}
