package chromaafc

import (
	"bytes"
	"errors"
	"log"
	"math"
	"strings"
	"testing"

	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/formats"
)

func cosine(n int, freq, phase, fs float64) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Cos(2*math.Pi*freq*float64(i)/fs + phase)
	}
	return x
}

func vhsConfig(t *testing.T) Config {
	t.Helper()
	p, err := formats.NewDeviceParams(formats.VHS, formats.NTSC, 16e6, formats.DdD)
	if err != nil {
		t.Fatalf("NewDeviceParams() error = %v", err)
	}
	cfg, err := ConfigFrom(p)
	if err != nil {
		t.Fatalf("ConfigFrom() error = %v", err)
	}
	cfg.MeasureLen = 16384
	return cfg
}

func TestConfigFromRejectsDisc(t *testing.T) {
	p, err := formats.NewDeviceParams(formats.Laserdisc, formats.NTSC, 40e6, formats.DdD)
	if err != nil {
		t.Fatalf("NewDeviceParams() error = %v", err)
	}
	var cfgErr *formats.ConfigurationError
	if _, err := ConfigFrom(p); !errors.As(err, &cfgErr) {
		t.Errorf("ConfigFrom(laserdisc) error = %v, want ConfigurationError", err)
	}
}

func TestMeasureConverges(t *testing.T) {
	cfg := vhsConfig(t)
	afc, err := New(cfg, diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name   string
		offset float64
	}{
		{"on nominal", 0},
		{"small offset", 500},
		{"several steps up", 10e3},
		{"several steps down", -12e3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			afc.Reset()
			actual := cfg.Nominal + tt.offset
			chroma := cosine(32768, actual, 0.3, cfg.SampleRate)
			var est CarrierEstimate
			for i := 0; i < 4; i++ {
				if est, err = afc.Measure(chroma); err != nil {
					t.Fatalf("Measure() error = %v", err)
				}
			}
			if d := math.Abs(est.FreqHz - actual); d > cfg.FineTuneStep {
				t.Errorf("estimate %.1f Hz is %.1f Hz from %.1f Hz, step %.1f", est.FreqHz, d, actual, cfg.FineTuneStep)
			}
			if est.Confidence <= 0 || est.Confidence > 1 {
				t.Errorf("confidence = %g, want (0, 1]", est.Confidence)
			}
			if got := afc.Estimate(); got != est {
				t.Errorf("Estimate() = %+v, want %+v", got, est)
			}
		})
	}
}

func TestMeasureClampsToBand(t *testing.T) {
	var buf bytes.Buffer
	cfg := vhsConfig(t)
	afc, err := New(cfg, diag.New(log.New(&buf, "", 0), false))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lo, hi := afc.Band()
	if want := cfg.Nominal + 2*cfg.LineRate; math.Abs(hi-want) > 1e-6 {
		t.Fatalf("band high edge = %f, want %f", hi, want)
	}

	chroma := cosine(32768, cfg.Nominal+5*cfg.LineRate, 0, cfg.SampleRate)
	est, err := afc.Measure(chroma)
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if est.FreqHz != hi {
		t.Errorf("estimate = %f, want band edge %f", est.FreqHz, hi)
	}
	if !strings.Contains(buf.String(), "Chroma PLL range clipped") {
		t.Errorf("expected a clip warning, log = %q", buf.String())
	}

	afc.Reset()
	chroma = cosine(32768, cfg.Nominal-5*cfg.LineRate, 0, cfg.SampleRate)
	if est, _ = afc.Measure(chroma); est.FreqHz != lo {
		t.Errorf("estimate = %f, want band edge %f", est.FreqHz, lo)
	}
}

func TestMeasurePhase(t *testing.T) {
	cfg := Config{
		SampleRate:   16e6,
		Nominal:      630e3,
		LineRate:     15734.26,
		FineTuneStep: 4000,
	}
	afc, err := New(cfg, diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// 16000 samples puts 630 kHz exactly on bin 630
	est, err := afc.Measure(cosine(16000, 630e3, 0.5, cfg.SampleRate))
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if est.FreqHz != 630e3 {
		t.Fatalf("estimate = %f, want 630000", est.FreqHz)
	}
	if math.Abs(est.PhaseRad-0.5) > 1e-6 {
		t.Errorf("phase = %f, want 0.5", est.PhaseRad)
	}
}

func TestMeasureSilence(t *testing.T) {
	cfg := vhsConfig(t)
	afc, err := New(cfg, diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	est, err := afc.Measure(make([]float64, 4096))
	if !errors.Is(err, ErrNoCarrier) {
		t.Errorf("Measure(silence) error = %v, want ErrNoCarrier", err)
	}
	if est != Nominal(cfg.Nominal) {
		t.Errorf("estimate after silence = %+v, want nominal", est)
	}
	if _, err := afc.Measure(make([]float64, 8)); err == nil {
		t.Error("Measure() accepted an 8 sample block")
	}
}

func TestLinearize(t *testing.T) {
	cfg := vhsConfig(t)
	afc, err := New(cfg, diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	points := 64
	if testing.Short() {
		points = 16
	}
	fit, err := afc.Linearize(points)
	if err != nil {
		t.Fatalf("Linearize() error = %v", err)
	}
	if math.Abs(fit.Slope-1) > 0.05 {
		t.Errorf("slope = %f, want about 1", fit.Slope)
	}
	if got := afc.Correction(); got != fit {
		t.Errorf("Correction() = %+v, want %+v", got, fit)
	}
	if got := fit.Apply(cfg.Nominal); math.Abs(got-cfg.Nominal) > 2*cfg.SampleRate/float64(cfg.MeasureLen) {
		t.Errorf("fit moves the nominal carrier to %f", got)
	}
}

func TestLinearizeRejectsDegenerateSweep(t *testing.T) {
	cfg := vhsConfig(t)
	// a band narrower than one bin cannot give a plausible slope
	cfg.MaxDeviationPercent = 0.01
	afc, err := New(cfg, diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = afc.Linearize(16)
	var calErr *CalibrationError
	if !errors.As(err, &calErr) {
		t.Fatalf("Linearize() error = %v, want CalibrationError", err)
	}
	if calErr.Points != 16 {
		t.Errorf("CalibrationError.Points = %d, want 16", calErr.Points)
	}
	if got := afc.Correction(); got != Identity {
		t.Errorf("correction changed to %+v after a rejected fit", got)
	}
}

func TestSetCorrection(t *testing.T) {
	afc, err := New(vhsConfig(t), diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tests := []struct {
		name    string
		fit     Fit
		wantErr bool
	}{
		{"identity", Identity, false},
		{"small gain", Fit{Slope: 1.02, Intercept: -1500}, false},
		{"slope too low", Fit{Slope: 0.5}, true},
		{"slope too high", Fit{Slope: 1.3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := afc.SetCorrection(tt.fit)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetCorrection(%+v) error = %v, wantErr %v", tt.fit, err, tt.wantErr)
			}
		})
	}
}

func TestDriftStatistics(t *testing.T) {
	cfg := vhsConfig(t)
	afc, err := New(cfg, diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	chroma := cosine(32768, cfg.Nominal, 0, cfg.SampleRate)
	for i := 0; i < 3; i++ {
		if _, err := afc.Measure(chroma); err != nil {
			t.Fatalf("Measure() error = %v", err)
		}
	}
	d := afc.Drift()
	if d.Samples != 3 {
		t.Errorf("Samples = %d, want 3", d.Samples)
	}
	if math.Abs(d.LogDrift) > cfg.FineTuneStep {
		t.Errorf("LogDrift = %f, want within one step of 0", d.LogDrift)
	}
	if math.Abs(d.Mean-cfg.Nominal) > cfg.FineTuneStep {
		t.Errorf("Mean = %f, want about %f", d.Mean, cfg.Nominal)
	}
	afc.Reset()
	if d := afc.Drift(); d.Samples != 0 {
		t.Errorf("Samples after Reset = %d", d.Samples)
	}
}

func TestHeterodyne(t *testing.T) {
	cfg := vhsConfig(t)
	afc, err := New(cfg, diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	het := afc.Heterodyne()
	w := 2 * math.Pi * (cfg.Fsc + cfg.Nominal) / cfg.OutRate
	for k := range het {
		if len(het[k]) != cfg.FieldLen {
			t.Fatalf("carrier %d has %d samples, want %d", k, len(het[k]), cfg.FieldLen)
		}
		for _, n := range []int{0, 1, 1000} {
			want := -math.Cos(w*float64(n) + float64(k)*math.Pi/2)
			if math.Abs(het[k][n]-want) > 1e-9 {
				t.Errorf("het[%d][%d] = %f, want %f", k, n, het[k][n], want)
			}
		}
	}
}

func TestUpconvertRotation(t *testing.T) {
	const lineLen = 4
	var het [4][]float64
	for k := range het {
		het[k] = make([]float64, 3*lineLen)
		for i := range het[k] {
			het[k][i] = float64(k + 1)
		}
	}
	chroma := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}

	tests := []struct {
		name       string
		rotation   int
		startPhase int
		want       []float64 // per line multiplier
	}{
		{"track 1", 0, 2, []float64{1, 1, 1}},
		{"quarter turn", 1, 0, []float64{1, 2, 3}},
		{"backwards", -1, 0, []float64{1, 4, 3}},
		{"half turn from 1", 2, 1, []float64{2, 4, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Upconvert(chroma, het, lineLen, 3, tt.rotation, tt.startPhase)
			for line, m := range tt.want {
				for i := line * lineLen; i < (line+1)*lineLen; i++ {
					if out[i] != m {
						t.Fatalf("sample %d = %f, want %f (out %v)", i, out[i], m, out)
					}
				}
			}
		})
	}
}
