package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwsl/rfdemod/demod/chromaafc"
	"github.com/cwsl/rfdemod/demod/formats"
	"github.com/cwsl/rfdemod/demod/scheduler"
)

// Config represents the decoder configuration
type Config struct {
	Input       InputConfig       `yaml:"input"`
	Format      FormatConfig      `yaml:"format"`
	Demod       DemodConfig       `yaml:"demod"`
	Dropout     DropoutConfig     `yaml:"dropout"`
	AFC         AFCConfig         `yaml:"afc"`
	NonLinear   NonLinearConfig   `yaml:"nonlinear"`
	Output      OutputConfig      `yaml:"output"`
	Workers     WorkersConfig     `yaml:"workers"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Status      StatusConfig      `yaml:"status"`
	Calibration CalibrationConfig `yaml:"calibration"`
}

// InputConfig describes the RF capture
type InputConfig struct {
	File         string  `yaml:"file"`          // Path to the RF capture, "-" for stdin
	SampleFormat string  `yaml:"sample_format"` // u8, s16, u16 or f32 (default: from file extension)
	SampleRate   float64 `yaml:"sample_rate"`   // Capture rate in Hz (default: 40000000)
	Device       string  `yaml:"device"`        // Capture device: ddd or cxadc (default: ddd)
	Start        int64   `yaml:"start"`         // First sample to decode
	Length       int64   `yaml:"length"`        // Samples to decode (0 = to the end of the capture)
}

// FormatConfig selects the tape/disc parameter tables
type FormatConfig struct {
	Name   string `yaml:"name"`   // vhs, vhshq, svhs, betamax, video8, hi8, umatic, umatic_hi, ld
	System string `yaml:"system"` // ntsc or pal
}

// DemodConfig contains block layout and optional demodulation stages
type DemodConfig struct {
	BlockLen         int      `yaml:"block_len"`          // Samples per FFT block (default: 32768)
	EdgeCut          int      `yaml:"edge_cut"`           // Samples dropped from the start of each block (default: 1024)
	EdgeCutEnd       int      `yaml:"edge_cut_end"`       // Samples dropped from the end of each block (default: 1024)
	MaxIRE           float64  `yaml:"max_ire"`            // Spike detection ceiling in IRE (default: 100)
	RFRamp           bool     `yaml:"rf_ramp"`            // Apply the format's RF ramp boost
	HighBoost        *float64 `yaml:"high_boost"`         // Adaptive HF boost multiplier (default: format table, 0 disables)
	DisableDiffDemod bool     `yaml:"disable_diff_demod"` // Skip diff-demod glitch repair
}

// DropoutConfig contains envelope dropout detection settings
type DropoutConfig struct {
	ThresholdFraction float64 `yaml:"threshold_fraction"` // Fraction of the block mean envelope (default: by device)
	ThresholdAbs      float64 `yaml:"threshold_abs"`      // Absolute threshold, overrides the fraction when set
	Hysteresis        float64 `yaml:"hysteresis"`         // Exit threshold multiplier (default: 1.25)
	MergeGap          int     `yaml:"merge_gap"`          // Merge spans closer than this (default: 30)
	MinLength         int     `yaml:"min_length"`         // Keep only spans longer than this (default: 10)
}

// AFCConfig contains chroma carrier tracking settings
type AFCConfig struct {
	Enabled             *bool   `yaml:"enabled"`               // Track the color-under carrier (default: true for tape formats)
	PowerThreshold      float64 `yaml:"power_threshold"`       // Peak candidate threshold as a fraction of the maximum (default: 1/3)
	TransitionExpand    float64 `yaml:"transition_expand"`     // Narrowband filter widening (default: 12)
	MeasureLen          int     `yaml:"measure_len"`           // Sweep tone length for linearization (default: 32768)
	MaxDeviationPercent float64 `yaml:"max_deviation_percent"` // Tracking range around nominal (0 = two line rates)
	Linearize           bool    `yaml:"linearize"`             // Run the linearization sweep when no stored fit exists
	LinearizePoints     int     `yaml:"linearize_points"`      // Sweep tones (default: 256)
}

// NonLinearConfig selects the non-linear de-emphasis variant
type NonLinearConfig struct {
	Enabled *bool `yaml:"enabled"` // Apply non-linear de-emphasis (default: true where the format defines it)
	Limiter bool  `yaml:"limiter"` // Use the clipping limiter instead of the amplitude curve
	Smooth  bool  `yaml:"smooth"`  // Soft clipping for the limiter
}

// OutputConfig describes where demodulated streams are written
type OutputConfig struct {
	Base          string `yaml:"base"`           // Output path prefix; streams get .luma, .chroma, ... suffixes
	WriteAux      bool   `yaml:"write_aux"`      // Also write the 0.5 MHz luma stream
	WriteEnvelope bool   `yaml:"write_envelope"` // Also write the RF envelope
	Compress      bool   `yaml:"compress"`       // zstd-compress the sample streams
}

// WorkersConfig sizes the demodulation pool
type WorkersConfig struct {
	Threads       int `yaml:"threads"`        // Worker goroutines (0 = logical CPUs)
	QueueDepth    int `yaml:"queue_depth"`    // Queued blocks (default: 2 x threads)
	CacheCapacity int `yaml:"cache_capacity"` // Cached records for ranged reads (default: 256)
	Prefetch      int `yaml:"prefetch"`       // Blocks demodulated ahead of a ranged read (default: 32, -1 disables)
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`   // Pushgateway configuration

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`  // Enable/disable pushing to Pushgateway
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Job      string `yaml:"job"`      // Job name (default: rfdemod)
	Instance string `yaml:"instance"` // Instance name for basic auth username
	Token    string `yaml:"token"`    // Token for basic auth password
	Interval int    `yaml:"interval"` // Push interval in seconds (default: 15)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT progress publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all messages
	PublishInterval int           `yaml:"publish_interval"` // Publishing interval in seconds
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for MQTT messages
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// StatusConfig contains the HTTP status server settings
type StatusConfig struct {
	Enabled        bool   `yaml:"enabled"`         // Serve /status, /metrics, /ws and /resync
	Listen         string `yaml:"listen"`          // Listen address (default: :8090)
	MaxConnections int    `yaml:"max_connections"` // Concurrent connection cap (default: 16)
}

// CalibrationConfig contains the AFC calibration store settings
type CalibrationConfig struct {
	Enabled bool   `yaml:"enabled"` // Load and save linearization fits
	Path    string `yaml:"path"`    // SQLite database path (default: rfdemod_calibration.db)
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	config.applyDefaults()
	return &config, nil
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Input.SampleRate == 0 {
		c.Input.SampleRate = 40e6
	}
	if c.Input.Device == "" {
		c.Input.Device = "ddd"
	}
	if c.Format.Name == "" {
		c.Format.Name = "vhs"
	}
	if c.Format.System == "" {
		c.Format.System = "ntsc"
	}
	if c.Demod.BlockLen == 0 {
		c.Demod.BlockLen = formats.DefaultBlockLen
	}
	if c.Demod.EdgeCut == 0 {
		c.Demod.EdgeCut = formats.DefaultEdgeCut
	}
	if c.Demod.EdgeCutEnd == 0 {
		c.Demod.EdgeCutEnd = formats.DefaultEdgeCut
	}
	if c.Demod.MaxIRE == 0 {
		c.Demod.MaxIRE = formats.DefaultMaxIRE
	}
	if c.Dropout.Hysteresis == 0 {
		c.Dropout.Hysteresis = formats.DefaultHysteresis
	}
	if c.Dropout.MergeGap == 0 {
		c.Dropout.MergeGap = formats.DefaultMergeGap
	}
	if c.Dropout.MinLength == 0 {
		c.Dropout.MinLength = formats.DefaultMinLength
	}
	if c.AFC.PowerThreshold == 0 {
		c.AFC.PowerThreshold = chromaafc.DefaultPowerThreshold
	}
	if c.AFC.TransitionExpand == 0 {
		c.AFC.TransitionExpand = chromaafc.DefaultTransitionExpand
	}
	if c.AFC.MeasureLen == 0 {
		c.AFC.MeasureLen = chromaafc.DefaultMeasureLen
	}
	if c.AFC.LinearizePoints == 0 {
		c.AFC.LinearizePoints = chromaafc.DefaultLinearizePoints
	}
	if c.Workers.CacheCapacity == 0 {
		c.Workers.CacheCapacity = scheduler.DefaultCacheCapacity
	}
	if c.Workers.Prefetch == 0 {
		c.Workers.Prefetch = scheduler.DefaultPrefetch
	}
	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "rfdemod"
	}
	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 15
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "rfdemod"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 10
	}
	if c.Status.Listen == "" {
		c.Status.Listen = ":8090"
	}
	if c.Status.MaxConnections == 0 {
		c.Status.MaxConnections = 16
	}
	if c.Calibration.Path == "" {
		c.Calibration.Path = "rfdemod_calibration.db"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Input.File == "" {
		return fmt.Errorf("input.file is required")
	}
	if c.Input.Start < 0 {
		return fmt.Errorf("input.start must not be negative")
	}
	if c.Input.Length < 0 {
		return fmt.Errorf("input.length must not be negative")
	}
	if c.Input.SampleFormat != "" {
		if _, err := ParseSampleFormat(c.Input.SampleFormat); err != nil {
			return err
		}
	}
	if c.Output.Base == "" {
		return fmt.Errorf("output.base is required")
	}
	if c.Workers.Threads < 0 {
		return fmt.Errorf("workers.threads must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return fmt.Errorf("prometheus.pushgateway.url is required when the pushgateway is enabled")
	}
	// The rest is checked against the format tables
	_, err := c.DeviceParams()
	return err
}

// DeviceParams maps the configuration onto the engine's parameter set
func (c *Config) DeviceParams() (formats.DeviceParams, error) {
	format, err := formats.ParseFormat(c.Format.Name)
	if err != nil {
		return formats.DeviceParams{}, err
	}
	system, err := formats.ParseSystem(c.Format.System)
	if err != nil {
		return formats.DeviceParams{}, err
	}
	device, err := parseDevice(c.Input.Device)
	if err != nil {
		return formats.DeviceParams{}, err
	}

	p, err := formats.NewDeviceParams(format, system, c.Input.SampleRate, device)
	if err != nil {
		return formats.DeviceParams{}, err
	}

	p.BlockLen = c.Demod.BlockLen
	p.EdgeCut = c.Demod.EdgeCut
	p.EdgeCutEnd = c.Demod.EdgeCutEnd
	p.MaxIRE = c.Demod.MaxIRE
	p.RFRamp = c.Demod.RFRamp
	p.DisableDiffDemod = c.Demod.DisableDiffDemod
	if c.Demod.HighBoost != nil {
		p.HighBoost = *c.Demod.HighBoost
	}

	if c.Dropout.ThresholdFraction > 0 {
		p.Dropout.ThresholdFraction = c.Dropout.ThresholdFraction
	}
	p.Dropout.ThresholdAbs = c.Dropout.ThresholdAbs
	p.Dropout.Hysteresis = c.Dropout.Hysteresis
	p.Dropout.MergeGap = c.Dropout.MergeGap
	p.Dropout.MinLength = c.Dropout.MinLength

	if c.AFC.Enabled != nil {
		if *c.AFC.Enabled && !format.ColorUnder() {
			return formats.DeviceParams{}, &formats.ConfigurationError{Field: "afc.enabled", Value: format, Reason: "format has no color-under carrier to track"}
		}
		p.AFC = *c.AFC.Enabled
	}
	if c.NonLinear.Enabled != nil {
		p.NonLinear = *c.NonLinear.Enabled
	}
	p.Limiter = c.NonLinear.Limiter
	p.LimiterSmooth = c.NonLinear.Smooth

	if err := p.Validate(); err != nil {
		return formats.DeviceParams{}, err
	}
	return p, nil
}

// AFCTracker returns the tracker settings for params
func (c *Config) AFCTracker(p formats.DeviceParams) (chromaafc.Config, error) {
	cfg, err := chromaafc.ConfigFrom(p)
	if err != nil {
		return cfg, err
	}
	cfg.PowerThreshold = c.AFC.PowerThreshold
	cfg.TransitionExpand = c.AFC.TransitionExpand
	cfg.MeasureLen = c.AFC.MeasureLen
	cfg.MaxDeviationPercent = c.AFC.MaxDeviationPercent
	return cfg, nil
}

func parseDevice(s string) (formats.CaptureDevice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ddd", "domesday":
		return formats.DdD, nil
	case "cxadc":
		return formats.CXADC, nil
	}
	return 0, &formats.ConfigurationError{Field: "input.device", Value: s, Reason: "must be ddd or cxadc"}
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		// Check if it's a CIDR notation
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		// Single address becomes /32 or /128
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address is in the allowed hosts list.
// An empty list allows everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.AllowedHosts) == 0 {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}
