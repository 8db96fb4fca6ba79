package chromaafc

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/dsp"
	"github.com/cwsl/rfdemod/demod/formats"
)

const (
	DefaultPowerThreshold   = 1.0 / 3
	DefaultTransitionExpand = 12
	DefaultMeasureLen       = 1 << 15
	DefaultLinearizePoints  = 256

	measureWindow = 8192
	driftWindow   = 8192
	biasWindow    = 6

	minSlope = 0.7
	maxSlope = 1.3

	narrowOrder = 2
	minMeasure  = 64
)

// ErrNoCarrier is returned when the chroma block holds no usable carrier
var ErrNoCarrier = errors.New("no chroma carrier found")

// Config describes the carrier being tracked and the rate it is measured at
type Config struct {
	SampleRate   float64
	Nominal      float64
	Fsc          float64
	LineRate     float64
	FineTuneStep float64

	PowerThreshold   float64
	TransitionExpand float64
	// MeasureLen is the length of the synthetic tones used by Linearize
	MeasureLen int

	// FieldLen and OutRate size the heterodyne carriers
	FieldLen int
	OutRate  float64

	// MaxDeviationPercent bounds the tracked carrier around Nominal;
	// 0 selects 100 x 2fh / Nominal
	MaxDeviationPercent float64
}

// ConfigFrom fills the tracker settings for a color-under format
func ConfigFrom(p formats.DeviceParams) (Config, error) {
	if p.Params.Tape == nil {
		return Config{}, &formats.ConfigurationError{Field: "afc", Value: p.Format, Reason: "format has no color-under carrier"}
	}
	return Config{
		SampleRate:   p.SampleRate,
		Nominal:      p.Params.Tape.ColorUnderCarrier,
		Fsc:          p.Sys.FSC(),
		LineRate:     p.Sys.LineRate(),
		FineTuneStep: p.FineTuneStep(),
		FieldLen:     p.Sys.FieldLen(),
		OutRate:      p.Sys.OutRate(),
	}, nil
}

// CarrierEstimate is the tracked color-under carrier. The zero value is invalid.
type CarrierEstimate struct {
	FreqHz     float64
	PhaseRad   float64
	Confidence float64
}

// Nominal returns the starting estimate for a carrier
func Nominal(freq float64) CarrierEstimate {
	return CarrierEstimate{FreqHz: freq, Confidence: 1}
}

// Valid reports whether e holds a usable frequency
func (e CarrierEstimate) Valid() bool {
	return e.FreqHz > 0 && !math.IsNaN(e.FreqHz) && !math.IsInf(e.FreqHz, 0)
}

// Fit is the linear correction from measured to actual carrier frequency
type Fit struct {
	Slope     float64
	Intercept float64
}

// Identity is the uncorrected fit
var Identity = Fit{Slope: 1}

// Apply corrects a measured frequency
func (f Fit) Apply(freq float64) float64 {
	return freq*f.Slope + f.Intercept
}

// CalibrationError reports a linearization sweep whose fit is implausible
type CalibrationError struct {
	Fit    Fit
	Points int
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("chroma AFC linearization rejected: slope %.4f outside (%.1f, %.1f) over %d points",
		e.Fit.Slope, minSlope, maxSlope, e.Points)
}

// Drift summarizes the rolling carrier statistics
type Drift struct {
	Mean     float64 // mean tracked carrier
	LogDrift float64 // mean offset from nominal
	Bias     float64 // mean quantization residual over the last few fields
	Samples  int
}

// AFC tracks the color-under carrier across blocks
type AFC struct {
	cfg Config
	log *diag.Logger

	lowTol  float64
	highTol float64

	mu         sync.RWMutex
	est        CarrierEstimate
	correction Fit
	het        [4][]float64

	meas  *dsp.MovingAverage
	drift *dsp.MovingAverage
	bias  *dsp.MovingAverage

	// measurement plan, rebuilt when the chroma length changes
	fft    *dsp.FFT
	narrow dsp.Response
}

// New creates a tracker starting at the nominal carrier
func New(cfg Config, log *diag.Logger) (*AFC, error) {
	if !(cfg.SampleRate > 0) {
		return nil, &formats.ConfigurationError{Field: "afc sample rate", Value: cfg.SampleRate, Reason: "must be positive"}
	}
	if !(cfg.Nominal > 0) || cfg.Nominal >= cfg.SampleRate/2 {
		return nil, &formats.ConfigurationError{Field: "color_under_carrier", Value: cfg.Nominal, Reason: "must be between 0 and Nyquist"}
	}
	if cfg.PowerThreshold <= 0 || cfg.PowerThreshold >= 1 {
		cfg.PowerThreshold = DefaultPowerThreshold
	}
	if cfg.TransitionExpand <= 0 {
		cfg.TransitionExpand = DefaultTransitionExpand
	}
	if cfg.MeasureLen < minMeasure {
		cfg.MeasureLen = DefaultMeasureLen
	}
	if cfg.MaxDeviationPercent <= 0 {
		if cfg.LineRate <= 0 {
			return nil, &formats.ConfigurationError{Field: "afc line rate", Value: cfg.LineRate, Reason: "needed for the default tolerance"}
		}
		cfg.MaxDeviationPercent = 100 * 2 * cfg.LineRate / cfg.Nominal
	}
	if cfg.MaxDeviationPercent >= 100 {
		return nil, &formats.ConfigurationError{Field: "afc max deviation", Value: cfg.MaxDeviationPercent, Reason: "must be below 100%"}
	}

	a := &AFC{
		cfg:        cfg,
		log:        log.With("ChromaAFC"),
		lowTol:     1 - cfg.MaxDeviationPercent/100,
		highTol:    1 + cfg.MaxDeviationPercent/100,
		correction: Identity,
		meas:       dsp.NewMovingAverage(measureWindow),
		drift:      dsp.NewMovingAverage(driftWindow),
		bias:       dsp.NewMovingAverage(biasWindow),
	}
	a.est = Nominal(cfg.Nominal)
	a.het = a.heterodyne(a.est)
	return a, nil
}

// Band returns the lowest and highest carrier the tracker will report
func (a *AFC) Band() (float64, float64) {
	return a.cfg.Nominal * a.lowTol, a.cfg.Nominal * a.highTol
}

// Estimate returns the current carrier estimate
func (a *AFC) Estimate() CarrierEstimate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.est
}

// Correction returns the active linearization fit
func (a *AFC) Correction() Fit {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.correction
}

// SetCorrection installs a linearization fit, typically one loaded from the
// calibration store
func (a *AFC) SetCorrection(f Fit) error {
	if !(f.Slope > minSlope && f.Slope < maxSlope) || math.IsNaN(f.Intercept) {
		return &CalibrationError{Fit: f}
	}
	a.mu.Lock()
	a.correction = f
	a.mu.Unlock()
	return nil
}

// Reset drops back to the nominal carrier with zero phase
func (a *AFC) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.est = Nominal(a.cfg.Nominal)
	a.het = a.heterodyne(a.est)
	a.meas.Reset()
	a.drift.Reset()
	a.bias.Reset()
	a.log.Debugf("carrier reset to %.2f Hz", a.cfg.Nominal)
}

// Drift returns the rolling statistics of the tracked carrier
func (a *AFC) Drift() Drift {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Drift{
		Mean:     a.meas.Mean(),
		LogDrift: a.drift.Mean(),
		Bias:     a.bias.Mean(),
		Samples:  a.meas.Len(),
	}
}

// Heterodyne returns the four quadrature carriers for the current estimate.
// The slices are replaced, never modified, on each measurement.
func (a *AFC) Heterodyne() [4][]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.het
}

// Measure estimates the carrier in one block of band-passed chroma and makes
// it the current estimate. On ErrNoCarrier the previous estimate stands.
func (a *AFC) Measure(chroma []float64) (CarrierEstimate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(chroma) < minMeasure {
		return a.est, fmt.Errorf("failed to measure chroma carrier: block of %d samples is too short", len(chroma))
	}
	spec, power, err := a.spectrum(chroma)
	if err != nil {
		return a.est, err
	}

	prev := a.est.FreqHz
	peakBin := a.nearestPeak(power, prev)
	if peakBin < 0 {
		a.log.Debugf("no peak above threshold, keeping %.2f Hz", prev)
		return a.est, ErrNoCarrier
	}
	peak := a.binFreq(peakBin)

	tuned := peak
	if step := a.cfg.FineTuneStep; step > 0 {
		tuned = prev + math.Round((peak-prev)/step)*step
	}
	corrected := a.correction.Apply(tuned)
	lo, hi := a.Band()
	freq := math.Max(lo, math.Min(hi, corrected))
	if freq != corrected {
		a.log.Warnf("Chroma PLL range clipped at %.02f, measured %.02f", freq, corrected)
	}

	bin := int(math.Round(freq * float64(len(chroma)) / a.cfg.SampleRate))
	est := CarrierEstimate{
		FreqHz:     freq,
		PhaseRad:   cmplx.Phase(spec[bin]),
		Confidence: a.confidence(power, peakBin),
	}

	a.meas.Push(freq)
	a.drift.Push(freq - a.cfg.Nominal)
	a.bias.Push(peak - tuned)
	a.est = est
	a.het = a.heterodyne(est)
	a.log.Debugf("carrier %.2f Hz (peak %.2f, phase %.3f, confidence %.3f)", est.FreqHz, peak, est.PhaseRad, est.Confidence)
	return est, nil
}

// Linearize sweeps points tones across the tracking band, measures each one
// and fits actual frequency against measured frequency. A plausible fit
// replaces the active correction; otherwise the previous one is kept and a
// *CalibrationError is returned.
func (a *AFC) Linearize(points int) (Fit, error) {
	if points < 2 {
		points = DefaultLinearizePoints
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.cfg.MeasureLen
	lo, hi := a.Band()
	actual := make([]float64, points)
	floats.Span(actual, lo, hi)
	measured := make([]float64, points)
	tone := make([]float64, n)
	for i, f := range actual {
		w := 2 * math.Pi * f / a.cfg.SampleRate
		for j := range tone {
			tone[j] = math.Cos(w * float64(j))
		}
		_, power, err := a.spectrum(tone)
		if err != nil {
			return a.correction, fmt.Errorf("failed to measure sweep tone %.2f Hz: %w", f, err)
		}
		measured[i] = a.binFreq(floats.MaxIdx(power))
	}

	intercept, slope := stat.LinearRegression(measured, actual, nil, false)
	fit := Fit{Slope: slope, Intercept: intercept}
	if !(slope > minSlope && slope < maxSlope) || math.IsNaN(intercept) {
		a.log.Errorf("linearization fit rejected: m=%.4f c=%.2f", slope, intercept)
		return fit, &CalibrationError{Fit: fit, Points: points}
	}
	a.correction = fit
	a.log.Infof("linearization fit m=%.6f c=%.2f over %d tones", slope, intercept, points)
	return fit, nil
}

// spectrum narrow-band filters x around the nominal carrier and returns its
// spectrum and the power of the positive-frequency bins, index k for bin k.
// The filter is zero-phase so bin phases are those of the input.
func (a *AFC) spectrum(x []float64) ([]complex128, []float64, error) {
	n := len(x)
	if a.fft == nil || a.fft.Len() != n {
		a.fft = dsp.NewFFT(n)
		a.narrow = a.narrowband(n)
	}
	spec := a.fft.ForwardReal(nil, x)
	power := make([]float64, n/2)
	for k := 1; k < len(power); k++ {
		spec[k] *= a.narrow[k]
		power[k] = real(spec[k])*real(spec[k]) + imag(spec[k])*imag(spec[k])
	}
	if floats.Max(power) == 0 {
		return nil, nil, ErrNoCarrier
	}
	return spec, power, nil
}

// narrowband is a zero-phase high-pass below and low-pass above the nominal
// carrier, each one transition width away
func (a *AFC) narrowband(n int) dsp.Response {
	nyq := a.cfg.SampleRate / 2
	trans := a.cfg.Nominal * a.cfg.TransitionExpand * (a.highTol - 1)
	var hp, lp dsp.Response
	if f := a.cfg.Nominal - trans; f > 0 {
		if zpk, err := dsp.Butter(narrowOrder, []float64{f / nyq}, dsp.Highpass); err == nil {
			hp = dsp.ZeroPhase(zpk, n)
		}
	}
	if f := a.cfg.Nominal + trans; f < nyq {
		if zpk, err := dsp.Butter(narrowOrder, []float64{f / nyq}, dsp.Lowpass); err == nil {
			lp = dsp.ZeroPhase(zpk, n)
		}
	}
	if r := dsp.Mul(hp, lp); r != nil {
		return r
	}
	return dsp.Ones(n)
}

// nearestPeak returns the bin of the strict local maximum, among those above
// PowerThreshold x max power, closest to target; -1 when there is none
func (a *AFC) nearestPeak(power []float64, target float64) int {
	floor := floats.Max(power) * a.cfg.PowerThreshold
	clip := func(v float64) float64 {
		if v < floor {
			return floor
		}
		return v
	}
	best := -1
	bestDist := math.Inf(1)
	for k := 1; k < len(power)-1; k++ {
		v := clip(power[k])
		if v <= clip(power[k-1]) || v <= clip(power[k+1]) {
			continue
		}
		if d := math.Abs(a.binFreq(k) - target); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

// confidence is the share of in-band power held by the chosen bin
func (a *AFC) confidence(power []float64, bin int) float64 {
	lo, hi := a.Band()
	var total float64
	for k := 1; k < len(power); k++ {
		if f := a.binFreq(k); f >= lo && f <= hi {
			total += power[k]
		}
	}
	if total == 0 {
		return 0
	}
	return math.Min(1, power[bin]/total)
}

func (a *AFC) binFreq(k int) float64 {
	return float64(k) * a.cfg.SampleRate / float64(a.fft.Len())
}

// heterodyne builds -cos(2pi (fsc + fcc)/OutRate n + k pi/2 + phase), k = 0..3
func (a *AFC) heterodyne(est CarrierEstimate) [4][]float64 {
	var het [4][]float64
	if a.cfg.FieldLen <= 0 || a.cfg.OutRate <= 0 {
		return het
	}
	w := 2 * math.Pi * (a.cfg.Fsc + est.FreqHz) / a.cfg.OutRate
	for k := range het {
		off := float64(k)*math.Pi/2 + est.PhaseRad
		wave := make([]float64, a.cfg.FieldLen)
		for n := range wave {
			wave[n] = -math.Cos(w*float64(n) + off)
		}
		het[k] = wave
	}
	return het
}

// Upconvert mixes lines x lineLen samples of TBC'd color-under chroma with the
// heterodyne carriers, moving it up to fsc. rotation 0 mixes everything with
// the first carrier; otherwise each line advances the carrier phase by
// rotation quarter turns starting at startPhase (track 2 of a two head drum).
func Upconvert(chroma []float64, het [4][]float64, lineLen, lines, rotation, startPhase int) []float64 {
	out := make([]float64, len(chroma))
	end := lineLen * lines
	if end > len(chroma) {
		end = len(chroma)
	}
	if rotation == 0 {
		limit := end
		if len(het[0]) < limit {
			limit = len(het[0])
		}
		floats.MulTo(out[:limit], het[0][:limit], chroma[:limit])
		return out
	}

	phase := ((startPhase % 4) + 4) % 4
	for start := 0; start < end; start += lineLen {
		stop := start + lineLen
		if stop > end {
			stop = end
		}
		if stop > len(het[phase]) {
			break
		}
		floats.MulTo(out[start:stop], het[phase][start:stop], chroma[start:stop])
		phase = (((phase + rotation) % 4) + 4) % 4
	}
	return out
}
