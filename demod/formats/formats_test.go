package formats

import (
	"errors"
	"math"
	"testing"
)

func TestLookupAllFormats(t *testing.T) {
	all := []Format{VHS, VHSHQ, SVHS, Betamax, Video8, Hi8, UMatic, UMaticHi, Laserdisc}
	for _, f := range all {
		for _, sys := range []System{NTSC, PAL} {
			if f == UMaticHi && sys == NTSC {
				continue
			}
			t.Run(f.String()+"/"+sys.String(), func(t *testing.T) {
				fp, sp, err := Lookup(f, sys)
				if err != nil {
					t.Fatalf("Lookup() error = %v", err)
				}
				if !fp.valid() {
					t.Fatalf("variant mismatch: kind %d tape %v disc %v", fp.Kind, fp.Tape != nil, fp.Disc != nil)
				}
				if (fp.Kind == KindTape) != f.ColorUnder() {
					t.Errorf("kind %d for color-under=%v", fp.Kind, f.ColorUnder())
				}
				if sp.HzIRE <= 0 || sp.IRE0 <= 0 {
					t.Errorf("levels not set: ire0 %g hz_ire %g", sp.IRE0, sp.HzIRE)
				}
				rf := fp.RF()
				if rf.VideoBPF.Low >= rf.VideoBPF.High {
					t.Errorf("video band inverted: %+v", rf.VideoBPF)
				}
				if w := fp.SpliceWindow(); w.Before <= 0 || w.After <= 0 {
					t.Errorf("splice window unset: %+v", w)
				}
			})
		}
	}
}

func TestLookupRejectsHighBandNTSC(t *testing.T) {
	_, _, err := Lookup(UMaticHi, NTSC)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Lookup(UMaticHi, NTSC) error = %v, want ConfigurationError", err)
	}
}

func TestSystemConstants(t *testing.T) {
	_, ntsc, _ := Lookup(VHS, NTSC)
	if ntsc.OutLineLen != 910 {
		t.Errorf("NTSC outlinelen = %d, want 910", ntsc.OutLineLen)
	}
	if math.Abs(ntsc.LineRate()-15734.2657) > 0.001 {
		t.Errorf("NTSC fh = %g", ntsc.LineRate())
	}
	if math.Abs(ntsc.IRE(100)-4.4e6) > 1e-6 {
		t.Errorf("VHS NTSC 100 IRE = %g, want 4.4 MHz", ntsc.IRE(100))
	}
	if math.Abs(ntsc.HzToIRE(ntsc.IRE(37.5))-37.5) > 1e-9 {
		t.Error("HzToIRE does not invert IRE")
	}

	_, pal, _ := Lookup(VHS, PAL)
	if pal.OutLineLen != 1135 {
		t.Errorf("PAL outlinelen = %d, want 1135", pal.OutLineLen)
	}
	if pal.LineRate() != 15625 {
		t.Errorf("PAL fh = %g, want 15625", pal.LineRate())
	}
	if math.Abs(pal.HzIRE-7000) > 1e-6 {
		t.Errorf("VHS PAL hz_ire = %g, want 7000", pal.HzIRE)
	}
	if pal.FieldLen() != 313*1135 {
		t.Errorf("PAL field length = %d", pal.FieldLen())
	}
}

func TestFineTuneSteps(t *testing.T) {
	tests := []struct {
		format Format
		div    float64
	}{
		{VHS, 4},
		{SVHS, 4},
		{Video8, 4},
		{Betamax, 2},
		{UMatic, 1},
	}
	for _, tt := range tests {
		p, err := NewDeviceParams(tt.format, PAL, 40e6, DdD)
		if err != nil {
			t.Fatalf("NewDeviceParams(%s) error = %v", tt.format, err)
		}
		if got, want := p.FineTuneStep(), 15625/tt.div; got != want {
			t.Errorf("%s fine tune step = %g, want %g", tt.format, got, want)
		}
	}
}

func TestDeviceParamsValidate(t *testing.T) {
	base, err := NewDeviceParams(VHS, NTSC, 40e6, DdD)
	if err != nil {
		t.Fatalf("NewDeviceParams() error = %v", err)
	}
	if base.Dropout.ThresholdFraction != DdDDropoutFraction {
		t.Errorf("DdD threshold = %g", base.Dropout.ThresholdFraction)
	}

	tests := []struct {
		name   string
		mutate func(*DeviceParams)
	}{
		{"zero block length", func(p *DeviceParams) { p.BlockLen = 0 }},
		{"odd block length", func(p *DeviceParams) { p.BlockLen = 4095 }},
		{"edge cut too wide", func(p *DeviceParams) { p.EdgeCut = p.BlockLen / 2; p.EdgeCutEnd = p.BlockLen / 2 }},
		{"corner above nyquist", func(p *DeviceParams) { p.SampleRate = 8e6 }},
		{"negative sample rate", func(p *DeviceParams) { p.SampleRate = -1 }},
		{"hysteresis below one", func(p *DeviceParams) { p.Dropout.Hysteresis = 0.9 }},
		{"mismatched variant", func(p *DeviceParams) { p.Params = FormatParams{Kind: KindDisc, Tape: p.Params.Tape} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			var cfgErr *ConfigurationError
			if err := p.Validate(); !errors.As(err, &cfgErr) {
				t.Errorf("Validate() = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestParse(t *testing.T) {
	if f, err := ParseFormat("SVHS"); err != nil || f != SVHS {
		t.Errorf("ParseFormat(SVHS) = %v, %v", f, err)
	}
	if f, err := ParseFormat("laserdisc"); err != nil || f != Laserdisc {
		t.Errorf("ParseFormat(laserdisc) = %v, %v", f, err)
	}
	if _, err := ParseFormat("betacam"); err == nil {
		t.Error("ParseFormat(betacam) succeeded")
	}
	if s, err := ParseSystem("pal"); err != nil || s != PAL {
		t.Errorf("ParseSystem(pal) = %v, %v", s, err)
	}
}

func TestCXADCDefaults(t *testing.T) {
	p, err := NewDeviceParams(Betamax, NTSC, 28.636e6, CXADC)
	if err != nil {
		t.Fatalf("NewDeviceParams() error = %v", err)
	}
	if p.Dropout.ThresholdFraction != CXADCDropoutFraction {
		t.Errorf("CXADC threshold = %g, want %g", p.Dropout.ThresholdFraction, CXADCDropoutFraction)
	}
	if !p.AFC {
		t.Error("AFC should default on for color-under formats")
	}
}
