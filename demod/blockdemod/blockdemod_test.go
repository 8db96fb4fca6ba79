package blockdemod

import (
	"math"
	"testing"

	"github.com/cwsl/rfdemod/demod/chromaafc"
	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/filterbank"
	"github.com/cwsl/rfdemod/demod/formats"
)

const (
	fs       = 16e6
	blockLen = 16384
	// bin 4096 of a 16384 point block
	lumaCarrier = 4e6
)

func newDemodulator(t *testing.T, f formats.Format) (*Demodulator, formats.DeviceParams) {
	t.Helper()
	p, err := formats.NewDeviceParams(f, formats.NTSC, fs, formats.DdD)
	if err != nil {
		t.Fatalf("NewDeviceParams() error = %v", err)
	}
	p.BlockLen = blockLen
	bank, err := filterbank.Build(p, blockLen)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	d, err := New(p, bank, diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d, p
}

func synth(offset int64, chromaFreq, chromaAmp float64) []float64 {
	x := make([]float64, blockLen)
	for i := range x {
		n := float64(offset + int64(i))
		x[i] = math.Cos(2*math.Pi*lumaCarrier*n/fs) + chromaAmp*math.Cos(2*math.Pi*chromaFreq*n/fs)
	}
	return x
}

func mean(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v
	}
	return s / float64(len(x))
}

func TestDemodulateSteadyCarrier(t *testing.T) {
	d, p := newDemodulator(t, formats.VHS)
	cc := p.Params.Tape.ColorUnderCarrier
	block := RFBlock{Index: 3, Offset: 3 * int64(p.BlockSize()), Samples: synth(0, cc+500, 0.002)}

	rec, err := d.Demodulate(block, chromaafc.Nominal(cc))
	if err != nil {
		t.Fatalf("Demodulate() error = %v", err)
	}
	size := p.BlockSize()
	for name, s := range map[string][]float64{"luma": rec.Luma, "aux": rec.LumaAux, "chroma": rec.Chroma, "envelope": rec.Envelope} {
		if len(s) != size {
			t.Errorf("%s has %d samples, want %d", name, len(s), size)
		}
	}
	if rec.Index != 3 || rec.Offset != block.Offset+int64(p.EdgeCut) {
		t.Errorf("record index/offset = %d/%d", rec.Index, rec.Offset)
	}
	if rec.Degraded {
		t.Error("record marked degraded")
	}
	if len(rec.Dropouts) != 0 {
		t.Errorf("steady carrier produced dropouts %v", rec.Dropouts)
	}

	if m := mean(rec.Luma); math.Abs(m-lumaCarrier) > 1 {
		t.Errorf("mean luma = %.3f Hz, want %.1f Hz", m, lumaCarrier)
	}
	for i, v := range rec.Luma {
		if math.Abs(v-lumaCarrier) > 10 {
			t.Fatalf("luma[%d] = %.3f Hz, more than 10 Hz from the carrier", i, v)
		}
	}
	if m := mean(rec.LumaAux); math.Abs(m-lumaCarrier) > 1e3 {
		t.Errorf("mean aux luma = %.1f Hz, want %.1f Hz", m, lumaCarrier)
	}
}

func TestDemodulateChromaFeedsAFC(t *testing.T) {
	d, p := newDemodulator(t, formats.VHS)
	cc := p.Params.Tape.ColorUnderCarrier
	actual := cc + 500

	rec, err := d.Demodulate(RFBlock{Samples: synth(0, actual, 0.1)}, chromaafc.CarrierEstimate{})
	if err != nil {
		t.Fatalf("Demodulate() error = %v", err)
	}
	if rec.Carrier.FreqHz != cc {
		t.Errorf("invalid estimate was not replaced by nominal, got %+v", rec.Carrier)
	}
	if m := mean(rec.Chroma); math.Abs(m) > 1e-9 {
		t.Errorf("chroma DC = %g, want 0", m)
	}

	cfg, err := chromaafc.ConfigFrom(p)
	if err != nil {
		t.Fatalf("ConfigFrom() error = %v", err)
	}
	afc, err := chromaafc.New(cfg, diag.Discard())
	if err != nil {
		t.Fatalf("chromaafc.New() error = %v", err)
	}
	est, err := afc.Measure(rec.Chroma)
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if math.Abs(est.FreqHz-actual) > p.FineTuneStep() {
		t.Errorf("AFC estimate %.1f Hz, want within %.1f Hz of %.1f", est.FreqHz, p.FineTuneStep(), actual)
	}
}

func TestDemodulateFindsDropout(t *testing.T) {
	d, p := newDemodulator(t, formats.VHS)
	x := synth(0, 0, 0)
	for i := 8000; i < 8600; i++ {
		x[i] *= 0.02
	}
	rec, err := d.Demodulate(RFBlock{Samples: x}, chromaafc.Nominal(p.Params.Tape.ColorUnderCarrier))
	if err != nil {
		t.Fatalf("Demodulate() error = %v", err)
	}
	if len(rec.Dropouts) != 1 {
		t.Fatalf("dropouts = %v, want one", rec.Dropouts)
	}
	s := rec.Dropouts[0]
	wantStart := 8000 - p.EdgeCut
	if math.Abs(float64(s.Start-wantStart)) > 40 || math.Abs(float64(s.End-(wantStart+600))) > 40 {
		t.Errorf("dropout = %+v, want about {%d %d} after cropping", s, wantStart, wantStart+600)
	}
}

func TestDemodulateLaserdisc(t *testing.T) {
	p, err := formats.NewDeviceParams(formats.Laserdisc, formats.NTSC, 40e6, formats.DdD)
	if err != nil {
		t.Fatalf("NewDeviceParams() error = %v", err)
	}
	p.BlockLen = blockLen
	bank, err := filterbank.Build(p, blockLen)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	d, err := New(p, bank, diag.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// 8.5 MHz, bin 3482 at 40 MHz
	freq := 3482 * 40e6 / blockLen
	x := make([]float64, blockLen)
	for i := range x {
		x[i] = math.Cos(2 * math.Pi * freq * float64(i) / 40e6)
	}
	rec, err := d.Demodulate(RFBlock{Samples: x}, chromaafc.CarrierEstimate{})
	if err != nil {
		t.Fatalf("Demodulate() error = %v", err)
	}
	if m := mean(rec.Luma); math.Abs(m-freq) > 1e3 {
		t.Errorf("mean luma = %.1f Hz, want %.1f Hz", m, freq)
	}
	if len(rec.Chroma) != p.BlockSize() {
		t.Errorf("chroma has %d samples, want %d", len(rec.Chroma), p.BlockSize())
	}
}

func TestDemodulateRejectsWrongLength(t *testing.T) {
	d, p := newDemodulator(t, formats.VHS)
	for _, n := range []int{100, p.EdgeCut, blockLen + 2} {
		if _, err := d.Demodulate(RFBlock{Samples: make([]float64, n)}, chromaafc.CarrierEstimate{}); err == nil {
			t.Errorf("Demodulate() accepted a block of %d samples", n)
		}
	}
}

func TestDemodulateFinalBlock(t *testing.T) {
	d, p := newDemodulator(t, formats.VHS)
	cc := p.Params.Tape.ColorUnderCarrier

	tests := []struct {
		name string
		n    int
		// check luma sample by sample; a window that is not a whole number
		// of carrier cycles rings at its wrap
		exact bool
	}{
		{"whole cycles", 5000, true},
		{"odd length", 5001, false},
		{"just past the edge cut", p.EdgeCut + 64, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := RFBlock{Index: 9, Offset: 9 * int64(p.BlockSize()), Samples: synth(0, 0, 0)[:tt.n]}
			rec, err := d.Demodulate(block, chromaafc.Nominal(cc))
			if err != nil {
				t.Fatalf("Demodulate() error = %v", err)
			}
			want := tt.n - p.EdgeCut
			for name, s := range map[string][]float64{"luma": rec.Luma, "aux": rec.LumaAux, "chroma": rec.Chroma, "envelope": rec.Envelope} {
				if len(s) != want {
					t.Errorf("%s has %d samples, want %d", name, len(s), want)
				}
			}
			if rec.Offset != block.Offset+int64(p.EdgeCut) || rec.Index != 9 {
				t.Errorf("record index/offset = %d/%d", rec.Index, rec.Offset)
			}
			if !tt.exact {
				return
			}
			for i, v := range rec.Luma {
				if math.Abs(v-lumaCarrier) > 10 {
					t.Fatalf("luma[%d] = %.3f Hz, more than 10 Hz from the carrier", i, v)
				}
			}
		})
	}

	// a full block afterwards still uses the full-length bank
	rec, err := d.Demodulate(RFBlock{Samples: synth(0, 0, 0)}, chromaafc.Nominal(cc))
	if err != nil {
		t.Fatalf("Demodulate(full block) error = %v", err)
	}
	if rec.Len() != p.BlockSize() {
		t.Errorf("full block gave %d samples, want %d", rec.Len(), p.BlockSize())
	}
}

func TestNewRejectsMismatchedBank(t *testing.T) {
	p, err := formats.NewDeviceParams(formats.VHS, formats.NTSC, fs, formats.DdD)
	if err != nil {
		t.Fatalf("NewDeviceParams() error = %v", err)
	}
	bank, err := filterbank.Build(p, 8192)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	p.BlockLen = blockLen
	if _, err := New(p, bank, diag.Discard()); err == nil {
		t.Error("New() accepted a bank built for another block length")
	}
}

func TestDegradedRecord(t *testing.T) {
	rec := DegradedRecord(RFBlock{Index: 7, Offset: 100}, 10, 50)
	if !rec.Degraded || rec.Len() != 50 || rec.Offset != 110 || rec.Index != 7 {
		t.Errorf("DegradedRecord() = %+v", rec)
	}
	for _, v := range rec.Luma {
		if v != 0 {
			t.Fatal("degraded luma is not zero")
		}
	}
}
