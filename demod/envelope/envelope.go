package envelope

import (
	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/dsp"
	"github.com/cwsl/rfdemod/demod/filterbank"
	"github.com/cwsl/rfdemod/demod/formats"
)

// GroupDelayShift compensates the envelope smoothing delay, in samples
const GroupDelayShift = 2

// Config tunes the dropout classifier
type Config struct {
	ThresholdFraction float64
	ThresholdAbs      float64
	Hysteresis        float64
	MergeGap          int
	MinLength         int
}

// ConfigFrom copies the dropout settings out of the device parameters
func ConfigFrom(p formats.DeviceParams) Config {
	return Config{
		ThresholdFraction: p.Dropout.ThresholdFraction,
		ThresholdAbs:      p.Dropout.ThresholdAbs,
		Hysteresis:        p.Dropout.Hysteresis,
		MergeGap:          p.Dropout.MergeGap,
		MinLength:         p.Dropout.MinLength,
	}
}

// Span is a half-open run of dropped samples [Start, End)
type Span struct {
	Start int
	End   int
}

// Len returns the number of samples in the span
func (s Span) Len() int {
	return s.End - s.Start
}

// Detector derives the RF envelope and flags dropouts. One per worker: it owns
// FFT scratch. It keeps no state between blocks, so a block's dropouts do not
// depend on which worker demodulates it.
type Detector struct {
	cfg  Config
	bank *filterbank.Bank
	fft  *dsp.FFT
	log  *diag.Logger
}

// New creates a detector using bank's Hilbert mask and envelope low-pass
func New(cfg Config, bank *filterbank.Bank, log *diag.Logger) *Detector {
	if cfg.Hysteresis <= 1 {
		cfg.Hysteresis = formats.DefaultHysteresis
	}
	return &Detector{
		cfg:  cfg,
		bank: bank,
		fft:  dsp.NewFFT(bank.BlockLen),
		log:  log.With("Dropout"),
	}
}

// Detect computes the envelope and dropout mask of already filtered RF
func (d *Detector) Detect(filteredRF []float64) ([]float64, []bool) {
	analytic := d.fft.Analytic(nil, d.fft.ForwardReal(nil, filteredRF), d.bank.Hilbert)
	return d.DetectAnalytic(analytic)
}

// DetectAnalytic is Detect for callers that already hold the analytic signal
func (d *Detector) DetectAnalytic(analytic []complex128) ([]float64, []bool) {
	env := d.Envelope(analytic)
	threshold := d.Threshold(env)
	return env, Classify(env, threshold, d.cfg.Hysteresis)
}

// Envelope is the low-passed magnitude of the analytic signal, moved earlier
// by GroupDelayShift samples
func (d *Detector) Envelope(analytic []complex128) []float64 {
	mag := dsp.Envelope(nil, analytic)
	smoothed := d.fft.Filter(nil, d.fft.ForwardReal(nil, mag), d.bank.EnvelopeLPF)
	env := dsp.Roll(smoothed, -GroupDelayShift)

	zeros := 0
	for _, v := range env {
		if v == 0 {
			zeros++
		}
	}
	if zeros > 0 {
		d.log.Warnf("envelope has %d zero samples of %d, RF signal may be missing", zeros, len(env))
	}
	return env
}

// Threshold returns the dropout threshold for this block: the absolute
// threshold when set, else a fraction of the block's own mean envelope
func (d *Detector) Threshold(env []float64) float64 {
	if d.cfg.ThresholdAbs > 0 {
		return d.cfg.ThresholdAbs
	}
	var sum float64
	for _, v := range env {
		sum += v
	}
	mean := 0.0
	if len(env) > 0 {
		mean = sum / float64(len(env))
	}
	return d.cfg.ThresholdFraction * mean
}

// Spans returns the merged dropout spans of mask
func (d *Detector) Spans(mask []bool) []Span {
	return MergeSpans(Spans(mask), d.cfg.MergeGap, d.cfg.MinLength)
}

// Classify marks samples as dropped. A dropout starts below threshold and only
// ends once the envelope climbs above threshold x hysteresis.
func Classify(env []float64, threshold, hysteresis float64) []bool {
	mask := make([]bool, len(env))
	release := threshold * hysteresis
	in := false
	for i, v := range env {
		if in {
			if v > release {
				in = false
			}
		} else if v < threshold {
			in = true
		}
		mask[i] = in
	}
	return mask
}

// Spans turns a mask into runs of consecutive true samples
func Spans(mask []bool) []Span {
	var spans []Span
	start := -1
	for i, v := range mask {
		switch {
		case v && start < 0:
			start = i
		case !v && start >= 0:
			spans = append(spans, Span{Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, Span{Start: start, End: len(mask)})
	}
	return spans
}

// MergeSpans joins spans separated by fewer than gap samples, then keeps only
// spans longer than minLen
func MergeSpans(spans []Span, gap, minLen int) []Span {
	if len(spans) == 0 {
		return nil
	}
	merged := []Span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.Start-last.End < gap {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	out := merged[:0]
	for _, s := range merged {
		if s.Len() > minLen {
			out = append(out, s)
		}
	}
	return out
}
