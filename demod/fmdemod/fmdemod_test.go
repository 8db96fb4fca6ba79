package fmdemod

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/formats"
)

func tone(n int, freq, fs float64) []complex128 {
	x := make([]complex128, n)
	for i := range x {
		x[i] = cmplx.Exp(complex(0, 2*math.Pi*freq*float64(i)/fs))
	}
	return x
}

func TestDemodReproducesRampDerivative(t *testing.T) {
	const (
		fs = 40e6
		n  = 4096
	)
	x := make([]complex128, n)
	var ph float64
	want := make([]float64, n)
	for i := range x {
		// slow sweep from 3.8 to 4.6 MHz
		want[i] = 3.8e6 + 0.8e6*float64(i)/n
		ph += 2 * math.Pi * want[i] / fs
		x[i] = cmplx.Exp(complex(0, ph))
	}
	d := New(Config{SampleRate: fs}, diag.Discard())
	got, repaired := d.DemodAnalytic(x)
	if repaired != 0 {
		t.Errorf("repaired = %d, want 0 with repair disabled", repaired)
	}
	for i := 1; i < n; i++ {
		if math.Abs(got[i]-want[i]) > 1e-3 {
			t.Fatalf("sample %d = %.6f, want %.6f", i, got[i], want[i])
		}
	}
}

func TestDemodRealTone(t *testing.T) {
	const (
		fs = 16e6
		n  = 16384
	)
	rf := make([]float64, n)
	for i := range rf {
		rf[i] = math.Cos(2 * math.Pi * 4e6 * float64(i) / fs)
	}
	d := New(Config{SampleRate: fs}, diag.Discard())
	out := d.Demod(rf)
	for i, v := range out {
		if math.Abs(v-4e6) > 1e-3 {
			t.Fatalf("sample %d = %g, want 4 MHz", i, v)
		}
	}
}

func TestRepairIsLocal(t *testing.T) {
	const (
		fs     = 40e6
		n      = 2048
		spikeN = 1000
	)
	p, err := formats.NewDeviceParams(formats.VHS, formats.NTSC, fs, formats.DdD)
	if err != nil {
		t.Fatalf("NewDeviceParams() error = %v", err)
	}
	cfg := ConfigFrom(p)
	if cfg.Splice != (formats.Splice{Before: formats.TapeSpliceBefore, After: formats.TapeSpliceAfter}) {
		t.Fatalf("splice window = %+v", cfg.Splice)
	}

	analytic := tone(n, 4.1e6, fs)
	d := New(cfg, diag.Discard())
	clean, repaired := d.DemodAnalytic(analytic)
	if repaired != 0 {
		t.Fatalf("clean tone repaired %d samples", repaired)
	}

	spiked := append([]float64(nil), clean...)
	spiked[spikeN] = 3 * cfg.Ceiling
	before := append([]float64(nil), spiked...)

	if got := d.Repair(spiked, analytic); got != 1 {
		t.Fatalf("Repair() = %d, want 1", got)
	}
	if math.Abs(spiked[spikeN]) > cfg.Ceiling {
		t.Errorf("spike after repair = %g, ceiling %g", spiked[spikeN], cfg.Ceiling)
	}
	lo, hi := spikeN-cfg.Splice.Before, spikeN+cfg.Splice.After
	for i := range spiked {
		if i >= lo && i <= hi {
			continue
		}
		if spiked[i] != before[i] {
			t.Fatalf("sample %d changed outside the splice window [%d, %d]", i, lo, hi)
		}
	}
	for i := lo; i <= hi; i++ {
		if math.Abs(spiked[i]-4.1e6) > 1 {
			t.Errorf("repaired sample %d = %g, want about 4.1 MHz", i, spiked[i])
		}
	}
}

func TestRepairDisabled(t *testing.T) {
	const fs = 40e6
	cfg := Config{SampleRate: fs, Ceiling: 8.8e6, Splice: formats.Splice{Before: 2, After: 2}, DisableDiffDemod: true}
	x := tone(256, 4e6, fs)
	x[100] = cmplx.Exp(complex(0, cmplx.Phase(x[99])+0.9*math.Pi+2*math.Pi*4e6/fs))
	out, repaired := New(cfg, diag.Discard()).DemodAnalytic(x)
	if repaired != 0 {
		t.Errorf("repaired = %d with diff demod disabled", repaired)
	}
	if math.Abs(out[100]) <= cfg.Ceiling {
		t.Errorf("expected the injected glitch to remain, got %g", out[100])
	}
}

func TestDiff(t *testing.T) {
	x := []complex128{1, 3, 6}
	got := Diff(x)
	want := []complex128{-5, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Diff(%v) = %v, want %v", x, got, want)
		}
	}
}
