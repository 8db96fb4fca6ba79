package filterbank

import (
	"errors"
	"math"
	"testing"

	"github.com/cwsl/rfdemod/demod/dsp"
	"github.com/cwsl/rfdemod/demod/formats"
)

func deviceParams(t *testing.T, f formats.Format, sys formats.System, fs float64) formats.DeviceParams {
	t.Helper()
	p, err := formats.NewDeviceParams(f, sys, fs, formats.DdD)
	if err != nil {
		t.Fatalf("NewDeviceParams() error = %v", err)
	}
	return p
}

func TestCornerMagnitude(t *testing.T) {
	const target = -3.0103

	tests := []struct {
		name     string
		format   formats.Format
		system   formats.System
		fs       float64
		blockLen int
		response string
		corner   float64
	}{
		{"VHS video low-pass", formats.VHS, formats.NTSC, 16e6, 16384, NameVideoLPF, 3e6},
		{"LD band-pass low edge", formats.Laserdisc, formats.PAL, 40e6, 16000, NameRFVideo, 2.7e6},
		{"LD band-pass high edge", formats.Laserdisc, formats.PAL, 40e6, 16000, NameRFVideo, 13.5e6},
		{"LD video low-pass", formats.Laserdisc, formats.PAL, 40e6, 16000, NameVideoLPF, 4.8e6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := deviceParams(t, tt.format, tt.system, tt.fs)
			for i := 0; i < 2; i++ {
				bank, err := Build(p, tt.blockLen)
				if err != nil {
					t.Fatalf("Build() error = %v", err)
				}
				r, ok := bank.Get(tt.response)
				if !ok {
					t.Fatalf("response %s missing", tt.response)
				}
				k := dsp.Bin(tt.corner, tt.blockLen, tt.fs)
				if got := r.DB(k); math.Abs(got-target) > 0.1 {
					t.Errorf("build %d: %s at %g Hz = %.4f dB, want %.4f dB", i, tt.response, tt.corner, got, target)
				}
			}
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	p := deviceParams(t, formats.Betamax, formats.PAL, 28e6)
	a, err := Build(p, 8192)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	b, err := Build(p, 8192)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, name := range a.Names() {
		ra, _ := a.Get(name)
		rb, ok := b.Get(name)
		if !ok {
			t.Fatalf("second build lacks %s", name)
		}
		for k := range ra {
			if ra[k] != rb[k] {
				t.Fatalf("%s differs at bin %d: %v vs %v", name, k, ra[k], rb[k])
			}
		}
	}
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	good := deviceParams(t, formats.VHS, formats.NTSC, 40e6)

	tests := []struct {
		name     string
		mutate   func(*formats.DeviceParams)
		blockLen int
	}{
		{"zero block length", nil, 0},
		{"negative block length", nil, -16},
		{"odd block length", nil, 1001},
		{"corner above nyquist", func(p *formats.DeviceParams) { p.SampleRate = 10e6 }, 4096},
		{"bad notch", func(p *formats.DeviceParams) {
			tp := *p.Params.Tape
			tp.Notches = []formats.Notch{{Freq: 30e6, Q: 10}}
			p.Params = formats.FormatParams{Kind: formats.KindTape, Tape: &tp}
		}, 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := good
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			_, err := Build(p, tt.blockLen)
			var cfgErr *formats.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("Build() error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestTapeResponses(t *testing.T) {
	const (
		fs = 40e6
		n  = 8192
	)
	p := deviceParams(t, formats.VHS, formats.NTSC, fs)
	bank, err := Build(p, n)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	for _, name := range []string{NameRFVideo, NameHilbert, NameDeemphasis, NameFVideo, NameF05, NameFVideo05, NameNLHighPass, NameNLAmplitudeLPF, NameRFBoost} {
		if _, ok := bank.Get(name); !ok {
			t.Errorf("VHS bank lacks %s", name)
		}
	}
	if _, ok := bank.Get(NameFVideoBurst); ok {
		t.Error("VHS bank should not carry the in-band burst filter")
	}
	if bank.F05Offset != 32 {
		t.Errorf("F05Offset = %d, want 32", bank.F05Offset)
	}

	if db := bank.Deemphasis.DB(0); math.Abs(db) > 1e-9 {
		t.Errorf("de-emphasis DC gain = %g dB, want 0", db)
	}
	if db := bank.Deemphasis.DB(dsp.Bin(3e6, n, fs)); db > -10 {
		t.Errorf("de-emphasis at 3 MHz = %g dB, want a deep cut", db)
	}

	nominal := p.Params.Tape.ColorUnderCarrier
	chroma, err := bank.ChromaBandpass(nominal)
	if err != nil {
		t.Fatalf("ChromaBandpass() error = %v", err)
	}
	if db := chroma.DB(dsp.Bin(nominal, n, fs)); db < -1 {
		t.Errorf("chroma band-pass at carrier = %g dB", db)
	}
	if db := chroma.DB(dsp.Bin(8e6, n, fs)); db > -20 {
		t.Errorf("chroma band-pass at 8 MHz = %g dB, want < -20", db)
	}
	again, _ := bank.ChromaBandpass(nominal)
	if &again[0] != &chroma[0] {
		t.Error("ChromaBandpass did not reuse the cached response")
	}
}

func TestDiscResponses(t *testing.T) {
	p := deviceParams(t, formats.Laserdisc, formats.NTSC, 40e6)
	bank, err := Build(p, 8192)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, ok := bank.Get(NameFVideoBurst); !ok {
		t.Error("laserdisc bank lacks the in-band burst filter")
	}
	if _, ok := bank.Get(NameNLHighPass); ok {
		t.Error("laserdisc bank should not have a non-linear stage")
	}
	if _, err := bank.ChromaBandpass(1e6); err == nil {
		t.Error("ChromaBandpass on laserdisc succeeded")
	}
}
