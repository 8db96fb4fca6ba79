package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cwsl/rfdemod/demod/calibration"
	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/formats"
)

// Global debug flag
var DebugMode bool

// defaultConfigFile is read when --config is not given and the file exists
const defaultConfigFile = "config.yaml"

func main() {
	var (
		configFile   = pflag.StringP("config", "c", "", "Path to configuration file (default: config.yaml when present)")
		input        = pflag.StringP("input", "i", "", "RF capture to decode, - for stdin")
		output       = pflag.StringP("output", "o", "", "Output path prefix")
		format       = pflag.StringP("format", "f", "", "Tape or disc format (vhs, vhshq, svhs, betamax, video8, hi8, umatic, umatic_hi, ld)")
		system       = pflag.StringP("system", "s", "", "Color system (ntsc, pal)")
		sampleFormat = pflag.String("sample-format", "", "Sample encoding (u8, s16, u16, f32)")
		sampleRate   = pflag.Float64("sample-rate", 0, "Capture rate in Hz")
		device       = pflag.String("device", "", "Capture device (ddd, cxadc)")
		threads      = pflag.IntP("threads", "t", 0, "Worker goroutines (0 = sized from the host)")
		start        = pflag.Int64("start", 0, "First sample to decode")
		length       = pflag.Int64P("length", "l", 0, "Samples to decode (0 = to the end of the capture)")
		compress     = pflag.Bool("compress", false, "zstd-compress the output streams")
		noAFC        = pflag.Bool("no-afc", false, "Disable chroma carrier tracking")
		linearize    = pflag.Bool("linearize", false, "Run the AFC linearization sweep when no stored fit exists")
		status       = pflag.String("status", "", "Serve /status, /metrics, /ws and /resync on this address")
		debug        = pflag.Bool("debug", false, "Enable debug logging")
		version      = pflag.BoolP("version", "v", false, "Print version and exit")
	)
	pflag.Parse()

	if *version {
		fmt.Println(versionString())
		os.Exit(0)
	}

	// Set global debug mode - check environment variable first, then CLI flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	config, err := loadConfiguration(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command line flags override the configuration file
	args := pflag.Args()
	if *input == "" && len(args) > 0 {
		*input = args[0]
		pflag.CommandLine.Set("input", args[0])
	}
	if *output == "" && len(args) > 1 {
		*output = args[1]
		pflag.CommandLine.Set("output", args[1])
	}
	changed := pflag.CommandLine.Changed
	if changed("input") {
		config.Input.File = *input
	}
	if changed("output") {
		config.Output.Base = *output
	}
	if changed("format") {
		config.Format.Name = *format
	}
	if changed("system") {
		config.Format.System = *system
	}
	if changed("sample-format") {
		config.Input.SampleFormat = *sampleFormat
	}
	if changed("sample-rate") {
		config.Input.SampleRate = *sampleRate
	}
	if changed("device") {
		config.Input.Device = *device
	}
	if changed("threads") {
		config.Workers.Threads = *threads
	}
	if changed("start") {
		config.Input.Start = *start
	}
	if changed("length") {
		config.Input.Length = *length
	}
	if changed("compress") {
		config.Output.Compress = *compress
	}
	if *noAFC {
		disabled := false
		config.AFC.Enabled = &disabled
	}
	if changed("linearize") {
		config.AFC.Linearize = *linearize
	}
	if changed("status") {
		config.Status.Enabled = true
		config.Status.Listen = *status
	}

	if err := config.Validate(); err != nil {
		var cfgErr *formats.ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Fatalf("Invalid configuration: %v (check the %s setting for %s %s)",
				err, cfgErr.Field, config.Format.Name, config.Format.System)
		}
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Println(versionString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		stop()
		if errors.Is(err, context.Canceled) {
			log.Println("Decode interrupted")
			os.Exit(130)
		}
		log.Fatalf("Decode failed: %v", err)
	}
}

// loadConfiguration reads path, or config.yaml when path is empty and the
// file exists, or falls back to the built-in defaults
func loadConfiguration(path string) (*Config, error) {
	if path != "" {
		return LoadConfig(path)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		log.Printf("Using %s", defaultConfigFile)
		return LoadConfig(defaultConfigFile)
	}
	return DefaultConfig(), nil
}

// run wires the decoder together and decodes the whole requested range
func run(ctx context.Context, config *Config) error {
	p, err := config.DeviceParams()
	if err != nil {
		return err
	}
	logger := diag.New(log.Default(), DebugMode)

	info := GetSystemInfo()
	info.Log()
	if config.Workers.Threads == 0 {
		config.Workers.Threads = info.DefaultWorkers(p.BlockLen)
	}

	dc, err := NewDecoderContext(p, logger)
	if err != nil {
		return err
	}
	log.Printf("Decoding %s as %s %s, %.2f MHz %s, block %d (usable %d), %d workers",
		config.Input.File, p.Format, p.System, p.SampleRate/1e6, p.Device,
		p.BlockLen, p.BlockSize(), config.Workers.Threads)

	loader, err := OpenRFLoader(config.Input.File, config.Input.SampleFormat)
	if err != nil {
		return err
	}
	defer loader.Close()
	if n := loader.Len(); n >= 0 {
		log.Printf("Capture holds %s %s samples (%.2f s)", formatCount(n), loader.Format(), float64(n)/p.SampleRate)
	}

	writer, err := NewOutputWriter(config.Output)
	if err != nil {
		return err
	}

	// background services outlive the decode context so their final
	// publish still happens after a clean finish
	svcCtx, svcCancel := context.WithCancel(context.Background())
	defer svcCancel()
	var waitFor []<-chan struct{}

	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		metrics = NewPrometheusMetrics()
		metrics.StartResourceSampler(svcCtx, 5*time.Second)
		waitFor = append(waitFor, metrics.StartPushgatewayWorker(svcCtx, config, dc.ID))
	}

	session, err := NewDecodeSession(dc, config, loader, writer, metrics)
	if err != nil {
		writer.Close()
		return err
	}

	if config.MQTT.Enabled {
		mqttPublisher, err := NewMQTTPublisher(&config.MQTT, metrics, dc.ID)
		if err != nil {
			log.Printf("Warning: MQTT disabled: %v", err)
		} else {
			session.AddSink(mqttPublisher)
			waitFor = append(waitFor, mqttPublisher.StartPublisher(svcCtx))
			defer mqttPublisher.Disconnect()
		}
	}

	if config.Status.Enabled {
		statusServer := NewStatusServer(config, metrics, session.Progress)
		statusServer.SetResync(session.RequestResync)
		if err := statusServer.Start(); err != nil {
			log.Printf("Warning: status server disabled: %v", err)
		} else {
			session.AddSink(statusServer)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := statusServer.Shutdown(shutdownCtx); err != nil {
					log.Printf("Error closing status server: %v", err)
				}
			}()
		}
	}

	var store *calibration.Store
	if config.Calibration.Enabled && session.AFC() != nil {
		store, err = calibration.Open(calibration.Config{
			Path:           config.Calibration.Path,
			DecoderVersion: Version,
		}, log.Default())
		if err != nil {
			log.Printf("Warning: calibration store unavailable: %v", err)
			store = nil
		} else {
			defer store.Close()
		}
	}
	if err := session.Calibrate(store); err != nil {
		writer.Close()
		return err
	}

	started := time.Now()
	paths := writer.Paths()
	runErr := session.Run(ctx)
	closeErr := writer.Close()

	svcCancel()
	for _, done := range waitFor {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Println("Warning: timed out waiting for metrics to be published")
		}
	}

	printSummary(session.Progress(), writer, paths, time.Since(started))
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// printSummary logs the outcome of a decode
func printSummary(p Progress, writer *OutputWriter, paths []string, elapsed time.Duration) {
	log.Printf("Decode %s: %s blocks (%d degraded), %s samples, %s dropouts in %v (%.2fx realtime)",
		p.State, formatCount(p.Blocks), p.Degraded, formatCount(writer.Samples()),
		formatCount(writer.Dropouts()), elapsed.Round(time.Millisecond), p.Realtime)
	if p.CarrierHz > 0 {
		log.Printf("Final chroma carrier %.1f Hz (drift %+.1f Hz)", p.CarrierHz, p.DriftHz)
	}
	for _, path := range paths {
		log.Printf("  wrote %s", path)
	}
}
