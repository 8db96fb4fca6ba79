package fmdemod

import (
	"math"

	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/dsp"
	"github.com/cwsl/rfdemod/demod/formats"
)

// Config controls demodulation and spike repair
type Config struct {
	SampleRate float64
	// Ceiling is the largest plausible demodulated frequency; anything above
	// is a spike. Zero disables repair.
	Ceiling          float64
	Splice           formats.Splice
	DisableDiffDemod bool
}

// ConfigFrom derives the demodulator settings from the device parameters
func ConfigFrom(p formats.DeviceParams) Config {
	return Config{
		SampleRate:       p.SampleRate,
		Ceiling:          p.GlitchCeiling(),
		Splice:           p.Params.SpliceWindow(),
		DisableDiffDemod: p.DisableDiffDemod,
	}
}

// Demodulator turns analytic RF into instantaneous frequency in Hz.
// Not safe for concurrent use; each worker owns one.
type Demodulator struct {
	cfg  Config
	log  *diag.Logger
	fft  *dsp.FFT
	mask dsp.Response

	// spike positions, reused between blocks
	spikes []int
}

// New creates a demodulator
func New(cfg Config, log *diag.Logger) *Demodulator {
	return &Demodulator{cfg: cfg, log: log.With("FMDemod")}
}

// Demod demodulates a real, already band-limited RF block
func (d *Demodulator) Demod(filteredRF []float64) []float64 {
	n := len(filteredRF)
	if d.fft == nil || d.fft.Len() != n {
		d.fft = dsp.NewFFT(n)
		d.mask = dsp.Hilbert(n)
	}
	analytic := d.fft.Analytic(nil, d.fft.ForwardReal(nil, filteredRF), d.mask)
	out, _ := d.DemodAnalytic(analytic)
	return out
}

// DemodAnalytic demodulates an analytic signal and repairs spikes. It returns
// the frequency track and the number of spike samples repaired.
func (d *Demodulator) DemodAnalytic(analytic []complex128) ([]float64, int) {
	out := dsp.InstFreq(nil, analytic, d.cfg.SampleRate)
	if d.cfg.DisableDiffDemod {
		return out, 0
	}
	return out, d.Repair(out, analytic)
}

// Repair patches samples of demod above the ceiling in place with the
// demodulated first difference of analytic, spliced over
// [i-Before, i+After] around each spike. Returns the spike count.
func (d *Demodulator) Repair(demod []float64, analytic []complex128) int {
	if d.cfg.Ceiling <= 0 || len(demod) == 0 {
		return 0
	}
	d.spikes = d.spikes[:0]
	for i, v := range demod {
		if math.Abs(v) > d.cfg.Ceiling {
			d.spikes = append(d.spikes, i)
		}
	}
	if len(d.spikes) == 0 {
		return 0
	}

	diffed := dsp.InstFreq(nil, Diff(analytic), d.cfg.SampleRate)
	n := len(demod)
	for _, i := range d.spikes {
		lo := i - d.cfg.Splice.Before
		if lo < 0 {
			lo = 0
		}
		hi := i + d.cfg.Splice.After
		if hi >= n {
			hi = n - 1
		}
		copy(demod[lo:hi+1], diffed[lo:hi+1])
	}
	d.log.Debugf("repaired %d spike samples", len(d.spikes))
	return len(d.spikes)
}

// Diff returns x[n] - x[n-1], the first sample wrapping around to the last
func Diff(x []complex128) []complex128 {
	out := make([]complex128, len(x))
	if len(x) == 0 {
		return out
	}
	out[0] = x[0] - x[len(x)-1]
	for i := 1; i < len(x); i++ {
		out[i] = x[i] - x[i-1]
	}
	return out
}

// Unwrap removes 2*pi phase jumps in place, treating a step of exactly pi
// as no wrap
func Unwrap(phase []float64) []float64 {
	return dsp.Unwrap(phase)
}
