package dsp

import (
	"math"
	"math/cmplx"
)

// Analytic returns the analytic signal for a real signal's spectrum.
// mask is normally Hilbert(n); a combined filter x mask response works too.
func (f *FFT) Analytic(dst []complex128, spectrum []complex128, mask Response) []complex128 {
	f.check(len(spectrum))
	if dst == nil {
		dst = make([]complex128, f.n)
	}
	for k, v := range spectrum {
		dst[k] = v * mask[k]
	}
	return f.Inverse(dst, dst)
}

// Envelope returns |x| for every sample
func Envelope(dst []float64, x []complex128) []float64 {
	if dst == nil {
		dst = make([]float64, len(x))
	}
	for i, v := range x {
		dst[i] = cmplx.Abs(v)
	}
	return dst
}

// Angles returns the phase of every sample in (-pi, pi]
func Angles(dst []float64, x []complex128) []float64 {
	if dst == nil {
		dst = make([]float64, len(x))
	}
	for i, v := range x {
		dst[i] = math.Atan2(imag(v), real(v))
	}
	return dst
}

// WrapStep folds a phase difference into [-pi, pi]. Differences whose
// magnitude is exactly pi are left as they are.
func WrapStep(d float64) float64 {
	if d <= math.Pi && d >= -math.Pi {
		return d
	}
	m := math.Mod(d+math.Pi, 2*math.Pi)
	if m < 0 {
		m += 2 * math.Pi
	}
	m -= math.Pi
	if m == -math.Pi && d > 0 {
		m = math.Pi
	}
	return m
}

// Unwrap removes 2*pi jumps from phase in place so successive differences
// never exceed pi in magnitude.
func Unwrap(phase []float64) []float64 {
	if len(phase) < 2 {
		return phase
	}
	var correction float64
	prev := phase[0]
	for i := 1; i < len(phase); i++ {
		raw := phase[i]
		d := raw - prev
		correction += WrapStep(d) - d
		prev = raw
		phase[i] = raw + correction
	}
	return phase
}

// InstFreq demodulates an analytic signal into instantaneous frequency in Hz.
// The first sample repeats the second.
func InstFreq(dst []float64, x []complex128, fs float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(x))
	}
	if len(x) == 0 {
		return dst
	}
	phase := Unwrap(Angles(nil, x))
	scale := fs / (2 * math.Pi)
	for i := 1; i < len(phase); i++ {
		dst[i] = (phase[i] - phase[i-1]) * scale
	}
	if len(phase) > 1 {
		dst[0] = dst[1]
	} else {
		dst[0] = 0
	}
	return dst
}

// Roll circularly shifts x by k samples; positive k moves samples later
func Roll(x []float64, k int) []float64 {
	n := len(x)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	k %= n
	if k < 0 {
		k += n
	}
	copy(out[k:], x[:n-k])
	copy(out[:k], x[n-k:])
	return out
}
