package nonlinear

import (
	"math"

	"github.com/cwsl/rfdemod/demod/dsp"
	"github.com/cwsl/rfdemod/demod/filterbank"
	"github.com/cwsl/rfdemod/demod/formats"
)

// Limiter defaults
const (
	ClipFraction   = 0.021
	StaticFraction = 0.3
	// share of the clipped-off excess put back by the smooth limiter
	smoothRemainder = 0.1
)

// DefaultExpScaling is used when the format leaves the exponent unset
const DefaultExpScaling = 0.25

// Apply reverses the amplitude dependent part of tape video emphasis.
// Small high frequency detail was boosted more than large detail on record,
// so the high-passed part of video is attenuated by 1 - amplitude^exp.
// spectrum is the FFT of video and fft a plan of the same length. Returns
// video itself when the format has no non-linear stage.
func Apply(video []float64, spectrum []complex128, bank *filterbank.Bank, deviation float64, p formats.NonLinearParams, fft *dsp.FFT) []float64 {
	if !p.Enabled() || bank.NLHighPass == nil || deviation <= 0 {
		return video
	}
	hf := fft.Filter(nil, spectrum, bank.NLHighPass)
	deviation /= 2

	var static []float64
	if p.StaticFactor != 0 {
		static = make([]float64, len(hf))
		for i, v := range hf {
			static[i] = v * p.StaticFactor
		}
	}

	amp := dsp.Envelope(nil, fft.Analytic(nil, fft.ForwardReal(nil, hf), bank.Hilbert))
	for i := range amp {
		amp[i] /= deviation
	}
	if bank.NLAmplitudeLPF != nil {
		amp = fft.Filter(amp, fft.ForwardReal(nil, amp), bank.NLAmplitudeLPF)
	}

	exp := p.ExpScaling
	if exp <= 0 {
		exp = DefaultExpScaling
	}
	for i, a := range amp {
		if a < 0 {
			a = 0
		}
		if p.Scaling1 != 0 {
			a *= p.Scaling1
		}
		a = math.Pow(a, exp)
		if p.Scaling2 != 0 {
			a *= p.Scaling2
		}
		if p.LogisticRate > 0 {
			a *= 1 / (1 + math.Exp(-p.LogisticRate*(a-p.LogisticMid)))
		}
		amp[i] = a
	}

	out := make([]float64, len(video))
	for i, v := range video {
		h := hf[i] * (1 - amp[i])
		if static != nil {
			h += static[i]
		}
		out[i] = v - h
	}
	return out
}

// Limit is the simpler variant: the high-passed part of video is clipped to
// +-deviation x ClipFraction and subtracted along with StaticFraction of it.
// With smooth set a tenth of the clipped excess is kept.
func Limit(video []float64, spectrum []complex128, bank *filterbank.Bank, deviation float64, smooth bool, fft *dsp.FFT) []float64 {
	if bank.NLHighPass == nil || deviation <= 0 {
		return video
	}
	hf := fft.Filter(nil, spectrum, bank.NLHighPass)
	limit := deviation * ClipFraction

	out := make([]float64, len(video))
	for i, v := range video {
		c := math.Max(-limit, math.Min(limit, hf[i]))
		if smooth {
			c += (hf[i] - c) * smoothRemainder
		}
		out[i] = v - c - hf[i]*StaticFraction
	}
	return out
}
